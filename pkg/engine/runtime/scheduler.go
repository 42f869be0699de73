package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"agentcore/pkg/engine/api"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Tool Scheduler state machine
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// SchedulerState labels the state machine a single tool call moves through,
// driven by agentLoop/resumeTurn in turn_runner.go.
type SchedulerState string

const (
	SchedulerValidating       SchedulerState = "validating"
	SchedulerAwaitingApproval SchedulerState = "awaiting_approval"
	SchedulerScheduled        SchedulerState = "scheduled"
	SchedulerExecuting        SchedulerState = "executing"
	SchedulerSuccess          SchedulerState = "success"
	SchedulerError            SchedulerState = "error"
	SchedulerCancelled        SchedulerState = "cancelled"
)

// toolRecord is the Scheduler's own per-call journal entry, distinct from
// the api.Event stream: it's bookkeeping used to compute duration_ms and to
// verify that every accepted request reaches exactly one terminal state.
// Duration is measured from the executing transition, not from acceptance,
// so wait-for-approval time never shows up as tool latency.
type toolRecord struct {
	ToolCallID string
	ToolName   string
	State      SchedulerState
	StartedAt  time.Time
	ExecutedAt time.Time
	FinishedAt time.Time
	Error      string
}

func (t *toolRecord) durationMS() int64 {
	if t.ExecutedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.ExecutedAt).Milliseconds()
}

// transition moves the record to a new state and returns it, for chaining
// into an immediate emitToolState call at each state-machine step.
func (t *toolRecord) transition(state SchedulerState) *toolRecord {
	t.State = state
	return t
}

// emitToolState publishes the Scheduler's current state for one tool call.
// Called at every transition so subscribers can render the full
// validating -> awaiting_approval -> scheduled -> executing -> terminal
// sequence, not just the terminal tool_result.
func (r *TurnRunner) emitToolState(ctx context.Context, rec *toolRecord) {
	r.emit(ctx, api.Event{
		Type: api.EventToolState,
		ToolState: &api.ToolStatePayload{
			ToolCallID: rec.ToolCallID,
			ToolName:   rec.ToolName,
			State:      string(rec.State),
			DurationMS: rec.durationMS(),
			Error:      rec.Error,
		},
	})
}

// interCallPause is the small delay the Scheduler inserts between sequential
// tool calls within one assistant message's batch, to avoid vendor rate
// pressure on back-to-back tool executions.
const interCallPause = 500 * time.Millisecond

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// Argument parsing (validating state)
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

// ParseToolArgs parses a tool call's raw argument string into api.Args,
// tolerating the double-escaped-JSON quirk some model vendors emit: first
// try a straight parse, and on failure unescape doubled backslash sequences
// (\\n -> \n, \\" -> \") and retry once. A value that doesn't look like JSON
// at all (doesn't start with '{' or '[' after trimming) passes through to
// the handler as-is under the "input" key rather than failing or being
// dropped.
func ParseToolArgs(raw string) (api.Args, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return api.Args{}, nil
	}

	var args api.Args
	if err := json.Unmarshal([]byte(trimmed), &args); err == nil {
		materializeNestedJSON(args)
		return args, nil
	}

	unescaped := unescapeDoubledSequences(trimmed)
	if err := json.Unmarshal([]byte(unescaped), &args); err == nil {
		materializeNestedJSON(args)
		return args, nil
	}

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return nil, fmt.Errorf("parse error: %q is not valid JSON", truncateForError(trimmed))
	}

	// Not JSON-shaped at all; pass the bare string through under a
	// conventional key so the handler still sees it.
	return api.Args{"input": trimmed}, nil
}

func unescapeDoubledSequences(s string) string {
	r := strings.NewReplacer(
		`\\n`, `\n`,
		`\\t`, `\t`,
		`\\"`, `\"`,
		`\\\\`, `\\`,
	)
	return r.Replace(s)
}

func truncateForError(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// materializeNestedJSON recursively walks parsed arguments and, for any
// string value that itself looks like a JSON object or array, parses it in
// place. Some tool-call vendors double-encode nested structures as a JSON
// string rather than a native object; this makes both forms equivalent by
// the time a handler sees the arguments.
func materializeNestedJSON(args api.Args) {
	for k, v := range args {
		args[k] = materializeValue(v)
	}
}

func materializeValue(v any) any {
	switch val := v.(type) {
	case string:
		trimmed := strings.TrimSpace(val)
		if len(trimmed) < 2 {
			return v
		}
		if !(strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) &&
			!(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
			return v
		}
		var nested any
		if err := json.Unmarshal([]byte(trimmed), &nested); err != nil {
			return v
		}
		return materializeValue(nested)
	case map[string]any:
		for k, inner := range val {
			val[k] = materializeValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = materializeValue(inner)
		}
		return val
	default:
		return v
	}
}
