package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// statusPhrases rotate in the Stats snapshot so a long-running turn has
// something other than a static spinner to show the user.
var statusPhrases = []string{
	"Thinking...",
	"Reasoning...",
	"Working...",
	"Considering the request...",
	"Looking things over...",
}

// Stats is the in-memory Execution Snapshot: a live view of a session's
// loop/tool/token/cost counters, independent of the event stream (a
// subscriber that joins late still gets a useful summary via GetSnapshot,
// it doesn't have to have seen every event).
type Stats struct {
	mu sync.Mutex

	loops          int
	toolCalls      int
	toolErrors     int
	promptTokens   int
	responseTokens int
	cumulativeCost float64

	phraseIdx int

	metrics *statMetrics
}

// statMetrics are the Prometheus counters/histograms a host process can
// scrape if it chooses; they're a side effect of Stats, never the primary
// consumer (the event stream is).
type statMetrics struct {
	loopCounter      prometheus.Counter
	toolCallCounter  *prometheus.CounterVec
	tokenCounter     *prometheus.CounterVec
	costCounter      prometheus.Counter
	toolDuration     *prometheus.HistogramVec
}

// NewStats builds a Stats tracker. Pass a non-nil *prometheus.Registry to
// also expose counters for scraping; pass nil to track in-memory only
// (e.g. for tests, or a one-shot CLI invocation with no metrics endpoint).
func NewStats(reg *prometheus.Registry) *Stats {
	s := &Stats{}
	if reg == nil {
		return s
	}
	factory := promauto.With(reg)
	s.metrics = &statMetrics{
		loopCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_loop_iterations_total",
			Help: "Total number of reason-act loop iterations executed.",
		}),
		toolCallCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_tool_calls_total",
			Help: "Total number of tool calls by tool name and outcome.",
		}, []string{"tool_name", "status"}),
		tokenCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcore_tokens_total",
			Help: "Total estimated tokens consumed, by direction.",
		}, []string{"direction"}),
		costCounter: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentcore_cost_usd_total",
			Help: "Cumulative estimated LLM spend in USD.",
		}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentcore_tool_duration_seconds",
			Help:    "Tool execution duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
	}
	return s
}

// RecordLoop records a single reason-act loop iteration.
func (s *Stats) RecordLoop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.loops++
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.loopCounter.Inc()
	}
}

// RecordToolCall records the outcome and duration of a single tool call.
func (s *Stats) RecordToolCall(toolName, status string, duration time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.toolCalls++
	if status != "success" {
		s.toolErrors++
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.toolCallCounter.WithLabelValues(toolName, status).Inc()
		s.metrics.toolDuration.WithLabelValues(toolName).Observe(duration.Seconds())
	}
}

// RecordTokens records prompt/response token usage and estimated cost for a
// single LLM call.
func (s *Stats) RecordTokens(promptTokens, responseTokens int, costUSD float64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.promptTokens += promptTokens
	s.responseTokens += responseTokens
	s.cumulativeCost += costUSD
	s.mu.Unlock()
	if s.metrics != nil {
		if promptTokens > 0 {
			s.metrics.tokenCounter.WithLabelValues("prompt").Add(float64(promptTokens))
		}
		if responseTokens > 0 {
			s.metrics.tokenCounter.WithLabelValues("response").Add(float64(responseTokens))
		}
		if costUSD > 0 {
			s.metrics.costCounter.Add(costUSD)
		}
	}
}

// NextPhrase rotates and returns the current status phrase, used to drive
// the "stats:update" event's StatusPhrase field.
func (s *Stats) NextPhrase() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	phrase := statusPhrases[s.phraseIdx%len(statusPhrases)]
	s.phraseIdx++
	return phrase
}

// Snapshot is an immutable copy of the current counters, safe to hand to an
// event payload or AfterTurn hook.
type Snapshot struct {
	Loops          int
	ToolCalls      int
	ToolErrors     int
	PromptTokens   int
	ResponseTokens int
	CumulativeCost float64
	StatusPhrase   string
}

// GetSnapshot returns the current counters plus the next status phrase.
func (s *Stats) GetSnapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Loops:          s.loops,
		ToolCalls:      s.toolCalls,
		ToolErrors:     s.toolErrors,
		PromptTokens:   s.promptTokens,
		ResponseTokens: s.responseTokens,
		CumulativeCost: s.cumulativeCost,
		StatusPhrase:   statusPhrases[s.phraseIdx%len(statusPhrases)],
	}
}
