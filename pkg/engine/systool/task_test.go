package systool

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/engine/api"
)

// fakeEventStream replays a fixed slice of events then returns io.EOF.
type fakeEventStream struct {
	events []api.Event
	pos    int
}

func (s *fakeEventStream) Recv(ctx context.Context) (api.Event, error) {
	if s.pos >= len(s.events) {
		return api.Event{}, io.EOF
	}
	e := s.events[s.pos]
	s.pos++
	return e, nil
}

func (s *fakeEventStream) Close() error { return nil }

// fakeEngine is a minimal api.Engine stub: Send/Resume return canned streams,
// just enough to drive TaskTool.Execute without the full runtime.
type fakeEngine struct {
	sendStream   *fakeEventStream
	resumeStream *fakeEventStream
	sessionID    string
	sendCalls    int
	resumeCalls  int
	startOpts    api.StartOptions
}

func (e *fakeEngine) StartSession(ctx context.Context, opts api.StartOptions) (string, error) {
	e.startOpts = opts
	return e.sessionID, nil
}
func (e *fakeEngine) GetSession(ctx context.Context, sessionID string) (api.SessionInfo, error) {
	return api.SessionInfo{SessionID: sessionID}, nil
}
func (e *fakeEngine) ListSessions(ctx context.Context) ([]api.SessionInfo, error) { return nil, nil }
func (e *fakeEngine) Send(ctx context.Context, sessionID, message string) (api.EventStream, error) {
	e.sendCalls++
	return e.sendStream, nil
}
func (e *fakeEngine) Resume(ctx context.Context, sessionID string, decision api.Decision) (api.EventStream, error) {
	e.resumeCalls++
	return e.resumeStream, nil
}

func TestTaskToolRequiresPrompt(t *testing.T) {
	tool := &TaskTool{Engine: &fakeEngine{}}
	result, err := tool.Execute(context.Background(), api.Args{})
	require.NoError(t, err)
	assert.Equal(t, "error", result.Status)
}

func TestTaskToolRequiresEngine(t *testing.T) {
	tool := &TaskTool{}
	result, err := tool.Execute(context.Background(), api.Args{"prompt": "do x"})
	require.NoError(t, err)
	assert.Equal(t, "error", result.Status)
}

func TestTaskToolCollectsFinalTextAndToolTrace(t *testing.T) {
	eng := &fakeEngine{
		sessionID: "session_sub1",
		sendStream: &fakeEventStream{events: []api.Event{
			{Type: api.EventToolCall, ToolCall: &api.ToolCallPayload{ToolName: "list_files"}},
			{Type: api.EventDelta, Delta: &api.DeltaPayload{Text: "found 3 files", Source: api.DeltaText}},
			{Type: api.EventDelta, Delta: &api.DeltaPayload{Text: "ignored-tool-arg-noise", Source: api.DeltaToolArg}},
			{Type: api.EventDone, Done: &api.DonePayload{Reason: "completed"}},
		}},
	}
	tool := &TaskTool{Engine: eng}

	result, err := tool.Execute(context.Background(), api.Args{"prompt": "list the files"})
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "found 3 files", result.Content)

	data, ok := result.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"list_files"}, data["tool_calls"])
	assert.Equal(t, "completed", data["outcome"])
	assert.Equal(t, 0, eng.resumeCalls, "full-auto sub-agent should never hit an approval pause")
}

func TestTaskToolDefaultsToFullAutoApproval(t *testing.T) {
	eng := &fakeEngine{
		sessionID:  "session_sub2",
		sendStream: &fakeEventStream{events: []api.Event{{Type: api.EventDone, Done: &api.DonePayload{Reason: "completed"}}}},
	}
	tool := &TaskTool{Engine: eng}
	_, err := tool.Execute(context.Background(), api.Args{"prompt": "x"})
	require.NoError(t, err)
	assert.Equal(t, api.ModeFullAuto, eng.startOpts.ApprovalMode)
}

func TestTaskToolRejectsUnexpectedApproval(t *testing.T) {
	eng := &fakeEngine{
		sessionID: "session_sub3",
		sendStream: &fakeEventStream{events: []api.Event{
			{Type: api.EventApproval, Approval: &api.ApprovalPayload{RequestID: "req1", ToolCallID: "call1"}},
		}},
		resumeStream: &fakeEventStream{events: []api.Event{{Type: api.EventDone, Done: &api.DonePayload{Reason: "rejected"}}}},
	}
	// Override ApprovalMode to force the (otherwise unreachable) approval path.
	tool := &TaskTool{Engine: eng, ApprovalMode: api.ModeSuggest}

	result, err := tool.Execute(context.Background(), api.Args{"prompt": "write something"})
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, 1, eng.resumeCalls)
	assert.Contains(t, result.Content, "rejected")
}
