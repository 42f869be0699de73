package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log levels
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger wraps a zap.Logger with the service name baked in as a field.
type Logger struct {
	zl      *zap.Logger
	service string
}

var globalLogger *Logger

// Init initializes the global logger. Only logs to file so the TUI's own
// event rendering isn't polluted by log lines; falls back to stdout if the
// log file can't be opened.
func Init(logPath string, level Level, serviceName string) error {
	logDir := filepath.Dir(logPath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to create log directory %s: %v\n", logDir, err)
			fmt.Fprintf(os.Stderr, "Logging to stdout only\n")
			globalLogger = newZapLogger(zapcore.Lock(os.Stdout), level, serviceName)
			return nil
		}
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to open log file %s: %v\n", logPath, err)
		fmt.Fprintf(os.Stderr, "Logging to stdout only\n")
		globalLogger = newZapLogger(zapcore.Lock(os.Stdout), level, serviceName)
		return nil
	}

	globalLogger = newZapLogger(zapcore.Lock(file), level, serviceName)
	return nil
}

func newZapLogger(sink zapcore.WriteSyncer, level Level, serviceName string) *Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), sink, level.zapLevel())
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
	if serviceName != "" {
		zl = zl.With(zap.String("service", serviceName))
	}
	return &Logger{zl: zl, service: serviceName}
}

func (l *Logger) log(level Level, scope string, msg string, ctx map[string]interface{}) {
	fields := make([]zap.Field, 0, len(ctx)+1)
	fields = append(fields, zap.String("scope", scope))
	for k, v := range ctx {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case DEBUG:
		l.zl.Debug(msg, fields...)
	case WARN:
		l.zl.Warn(msg, fields...)
	case ERROR:
		l.zl.Error(msg, fields...)
	default:
		l.zl.Info(msg, fields...)
	}
}

// Global functions
func Info(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(INFO, scope, msg, getCtx(args))
}

func Error(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(ERROR, scope, msg, getCtx(args))
}

func Debug(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(DEBUG, scope, msg, getCtx(args))
}

func Warn(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(WARN, scope, msg, getCtx(args))
}

func getCtx(args []map[string]interface{}) map[string]interface{} {
	if len(args) > 0 {
		return args[0]
	}
	return nil
}
