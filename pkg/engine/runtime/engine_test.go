package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/engine/api"
	"agentcore/pkg/engine/policy"
	"agentcore/pkg/engine/tools"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{
		LLM:           &MockLLM{},
		Tools:         tools.NewRegistry(),
		Policy:        policy.NewDefaultPolicy(),
		WorkspaceRoot: t.TempDir(),
		MaxLoops:      MaxLoopsUnset,
	})
	require.NoError(t, err)
	return e
}

func TestEngineLoadHistoryReplacesMessages(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	sessionID, err := e.StartSession(ctx, api.StartOptions{})
	require.NoError(t, err)

	seed := []api.LLMMessage{
		{Role: "system", Content: "old system prompt"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	require.NoError(t, e.LoadHistory(ctx, sessionID, seed, LoadHistoryOptions{DropSystemMessages: true}))

	info, err := e.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, info.MessageCount)
}

func TestEngineLoadHistoryCapsLength(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	sessionID, err := e.StartSession(ctx, api.StartOptions{})
	require.NoError(t, err)

	var seed []api.LLMMessage
	for i := 0; i < 10; i++ {
		seed = append(seed, api.LLMMessage{Role: "user", Content: "msg"})
	}
	require.NoError(t, e.LoadHistory(ctx, sessionID, seed, LoadHistoryOptions{MaxMessages: 3}))

	info, err := e.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 3, info.MessageCount)
}

func TestEngineClearContextResetsHistory(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	sessionID, err := e.StartSession(ctx, api.StartOptions{ActiveSkill: "code-reviewer"})
	require.NoError(t, err)
	require.NoError(t, e.LoadHistory(ctx, sessionID, []api.LLMMessage{
		{Role: "user", Content: "hi"},
	}, LoadHistoryOptions{}))

	require.NoError(t, e.ClearContext(ctx, sessionID))

	info, err := e.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, info.MessageCount)
	assert.Equal(t, "code-reviewer", info.ActiveSkill, "clearing context must not drop the active skill")
}

func TestEngineSetLLMSwapsClient(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetLLM(&MockLLM{}))
	assert.NotNil(t, e.cfg.LLM)
}

func TestEngineSetLLMRefusesDuringActiveTurn(t *testing.T) {
	e := newTestEngine(t)
	e.activeTurns["session_busy"] = &TurnRunner{}
	err := e.SetLLM(&MockLLM{})
	assert.Error(t, err)
}
