package runtime

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/engine/api"
	"agentcore/pkg/engine/policy"
	"agentcore/pkg/engine/store"
	"agentcore/pkg/engine/tools"
)

func newTestRunnerConfig(t *testing.T) TurnRunnerConfig {
	t.Helper()
	root := t.TempDir()
	sessionStore, err := store.NewFileSessionStore(root)
	require.NoError(t, err)
	planStore, err := store.NewFilePlanStore(root)
	require.NoError(t, err)

	return TurnRunnerConfig{
		LLM:          &MockLLM{},
		Tools:        tools.NewRegistry(),
		Policy:       policy.NewDefaultPolicy(),
		SessionStore: sessionStore,
		PlanStore:    planStore,
		ApprovalMode: api.ModeFullAuto,
		MaxLoops:     MaxLoopsUnset,
	}
}

// drainEvents collects every event off a stream until it closes, so a test
// can assert on the full sequence without racing the background goroutine.
func drainEvents(t *testing.T, stream api.EventStream) []api.Event {
	t.Helper()
	var events []api.Event
	for {
		e, err := stream.Recv(context.Background())
		if err != nil {
			return events
		}
		events = append(events, e)
	}
}

func TestContextOverflowReturnsImmediatelyWithNoLLMCall(t *testing.T) {
	cfg := newTestRunnerConfig(t)
	cfg.ModelLimit = 64000
	runner := NewTurnRunner(cfg)

	session := &api.Session{SessionID: "sess_overflow", LastPromptTokens: 65000}

	stream, err := runner.Run(context.Background(), session, "anything")
	require.NoError(t, err)

	events := drainEvents(t, stream)
	require.NotEmpty(t, events)

	var sawError, sawDelta bool
	var errCode string
	for _, e := range events {
		switch e.Type {
		case api.EventError:
			sawError = true
			errCode = e.Error.Code
		case api.EventDelta:
			sawDelta = true
		}
	}
	assert.True(t, sawError, "expected an execution:error event")
	assert.Equal(t, api.ErrContextOverflow, errCode)
	assert.False(t, sawDelta, "no LLM call should have been made, so no delta events")
}

func TestContextOverflowDisabledWhenModelLimitZero(t *testing.T) {
	cfg := newTestRunnerConfig(t)
	cfg.ModelLimit = 0
	runner := NewTurnRunner(cfg)
	runner.session = &api.Session{SessionID: "sess_nolimit", LastPromptTokens: 999999999}
	assert.False(t, runner.contextOverflow(&api.State{}))
}

// loopingToolLLM always answers with exactly one tool call for "noop", so
// the reason-act loop never terminates on its own and the MaxLoops bound is
// the only thing that can stop it.
type loopingToolLLM struct{}

func (loopingToolLLM) Stream(ctx context.Context, req LLMRequest) (LLMStream, error) {
	return &loopingToolStream{}, nil
}

type loopingToolStream struct{ sent bool }

func (s *loopingToolStream) Recv(ctx context.Context) (LLMChunk, error) {
	if s.sent {
		return LLMChunk{}, io.EOF
	}
	s.sent = true
	return LLMChunk{
		ToolCall:     &api.LLMToolCall{ID: "call_1", Name: "noop", Args: "{}"},
		FinishReason: "tool_calls",
	}, nil
}

func (s *loopingToolStream) Close() error { return nil }

type noopTool struct{ tools.BaseTool }

func newNoopTool() *noopTool {
	return &noopTool{BaseTool: tools.NewBaseTool("noop", "does nothing", nil, api.RiskNone)}
}

func (t *noopTool) Execute(ctx context.Context, args api.Args) (api.ToolResult, error) {
	return api.ToolResult{Status: "success", Content: "ok"}, nil
}

// reasoningBatchLLM answers with a reasoning delta followed by two tool
// calls in the same batch, so a test can check that only the first call
// carries the batch's thinking_content.
type reasoningBatchLLM struct{}

func (reasoningBatchLLM) Stream(ctx context.Context, req LLMRequest) (LLMStream, error) {
	return &reasoningBatchStream{}, nil
}

type reasoningBatchStream struct{ step int }

func (s *reasoningBatchStream) Recv(ctx context.Context) (LLMChunk, error) {
	switch s.step {
	case 0:
		s.step++
		return LLMChunk{ReasoningDelta: "let me check both files"}, nil
	case 1:
		s.step++
		return LLMChunk{ToolCall: &api.LLMToolCall{ID: "call_1", Name: "noop", Args: "{}"}}, nil
	case 2:
		s.step++
		return LLMChunk{ToolCall: &api.LLMToolCall{ID: "call_2", Name: "noop", Args: "{}"}}, nil
	case 3:
		s.step++
		return LLMChunk{FinishReason: "tool_calls"}, nil
	default:
		return LLMChunk{}, io.EOF
	}
}

func (s *reasoningBatchStream) Close() error { return nil }

// TestReasoningContentThreadedToFirstToolCallOnly checks that a batch's
// reasoning_content is attached as thinking_content only to the first tool
// call the batch produced, not every call in it.
func TestReasoningContentThreadedToFirstToolCallOnly(t *testing.T) {
	cfg := newTestRunnerConfig(t)
	cfg.LLM = reasoningBatchLLM{}
	cfg.MaxLoops = 1
	require.NoError(t, cfg.Tools.(*tools.Registry).Register(newNoopTool()))

	runner := NewTurnRunner(cfg)
	session := &api.Session{SessionID: "sess_reasoning"}

	stream, err := runner.Run(context.Background(), session, "check both files")
	require.NoError(t, err)

	events := drainEvents(t, stream)

	var toolCallEvents []*api.ToolCallPayload
	for _, e := range events {
		if e.Type == api.EventToolCall {
			toolCallEvents = append(toolCallEvents, e.ToolCall)
		}
	}
	require.Len(t, toolCallEvents, 2)
	assert.Equal(t, "let me check both files", toolCallEvents[0].ThinkingContent)
	assert.Empty(t, toolCallEvents[1].ThinkingContent, "only the first call of a batch should carry thinking_content")

	require.GreaterOrEqual(t, len(session.Messages), 2)
	assert.Equal(t, "user", session.Messages[0].Role)
	assert.Equal(t, "let me check both files", session.Messages[1].ReasoningContent)
}

// blockingTool sleeps until its context is cancelled, standing in for a
// long-running handler that respects the cancellation token.
type blockingTool struct{ tools.BaseTool }

func newBlockingTool() *blockingTool {
	return &blockingTool{BaseTool: tools.NewBaseTool("block", "blocks until cancelled", nil, api.RiskNone)}
}

func (t *blockingTool) Execute(ctx context.Context, args api.Args) (api.ToolResult, error) {
	select {
	case <-ctx.Done():
		return api.ToolResult{}, ctx.Err()
	case <-time.After(5 * time.Second):
		return api.ToolResult{Status: "success", Content: "done"}, nil
	}
}

// blockCallLLM always answers with a single tool call for "block".
type blockCallLLM struct{}

func (blockCallLLM) Stream(ctx context.Context, req LLMRequest) (LLMStream, error) {
	return &blockCallStream{}, nil
}

type blockCallStream struct{ sent bool }

func (s *blockCallStream) Recv(ctx context.Context) (LLMChunk, error) {
	if s.sent {
		return LLMChunk{}, io.EOF
	}
	s.sent = true
	return LLMChunk{
		ToolCall:     &api.LLMToolCall{ID: "call_block", Name: "block", Args: "{}"},
		FinishReason: "tool_calls",
	}, nil
}

func (s *blockCallStream) Close() error { return nil }

// TestCancellationDuringToolExecutionEmitsCancelledState cancels a turn while
// a tool handler is blocked mid-execution: the scheduler record must land in
// cancelled (not error and not success), and the turn must finish with a
// "canceled" done reason instead of a tool completion.
func TestCancellationDuringToolExecutionEmitsCancelledState(t *testing.T) {
	cfg := newTestRunnerConfig(t)
	cfg.LLM = blockCallLLM{}
	require.NoError(t, cfg.Tools.(*tools.Registry).Register(newBlockingTool()))

	runner := NewTurnRunner(cfg)
	session := &api.Session{SessionID: "sess_cancel_exec"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := runner.Run(ctx, session, "run the blocking tool")
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	events := drainEvents(t, stream)

	var sawCancelled, sawSuccess bool
	var doneReason string
	for _, e := range events {
		switch e.Type {
		case api.EventToolState:
			switch SchedulerState(e.ToolState.State) {
			case SchedulerCancelled:
				sawCancelled = true
			case SchedulerSuccess:
				sawSuccess = true
			}
		case api.EventDone:
			doneReason = e.Done.Reason
		}
	}
	assert.True(t, sawCancelled, "expected a tool:cancelled scheduler state")
	assert.False(t, sawSuccess, "a cancelled tool call must not also report success")
	assert.Equal(t, "canceled", doneReason)
}

func TestMaxLoopsExceededEmitsCorrectErrorCode(t *testing.T) {
	cfg := newTestRunnerConfig(t)
	cfg.LLM = loopingToolLLM{}
	cfg.MaxLoops = 1
	require.NoError(t, cfg.Tools.(*tools.Registry).Register(newNoopTool()))

	runner := NewTurnRunner(cfg)
	session := &api.Session{SessionID: "sess_maxloops"}

	stream, err := runner.Run(context.Background(), session, "go forever")
	require.NoError(t, err)

	events := drainEvents(t, stream)
	var sawError bool
	var errCode string
	for _, e := range events {
		if e.Type == api.EventError {
			sawError = true
			errCode = e.Error.Code
		}
	}
	assert.True(t, sawError, "expected an execution:error event once the loop bound is hit")
	assert.Equal(t, api.ErrMaxLoopsExceeded, errCode)
}

// TestMaxLoopsZeroFailsImmediatelyWithNoLLMCall checks the boundary case
// where a turn is explicitly configured with MaxLoops: 0: it must return
// max_loops_exceeded immediately, with no LLM call made, distinguishing it
// from the MaxLoopsUnset sentinel used elsewhere in this file's default config.
func TestMaxLoopsZeroFailsImmediatelyWithNoLLMCall(t *testing.T) {
	cfg := newTestRunnerConfig(t)
	cfg.LLM = loopingToolLLM{}
	cfg.MaxLoops = 0

	runner := NewTurnRunner(cfg)
	session := &api.Session{SessionID: "sess_maxloops_zero"}

	stream, err := runner.Run(context.Background(), session, "go forever")
	require.NoError(t, err)

	events := drainEvents(t, stream)
	var sawError, sawDelta, sawToolCall bool
	var errCode string
	for _, e := range events {
		switch e.Type {
		case api.EventError:
			sawError = true
			errCode = e.Error.Code
		case api.EventDelta:
			sawDelta = true
		case api.EventToolCall:
			sawToolCall = true
		}
	}
	assert.True(t, sawError, "expected an execution:error event with no iterations run")
	assert.Equal(t, api.ErrMaxLoopsExceeded, errCode)
	assert.False(t, sawDelta, "no LLM call should have been made, so no delta events")
	assert.False(t, sawToolCall, "no tool call should have been dispatched")
}
