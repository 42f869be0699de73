package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/engine/api"
)

type fakeTool struct {
	name string
	risk api.RiskLevel
}

func (f fakeTool) Name() string        { return f.name }
func (f fakeTool) Risk() api.RiskLevel { return f.risk }

func TestAllowlistAddHasRemove(t *testing.T) {
	al := NewAllowlist()
	assert.False(t, al.Has("shell", "rm"))

	al.Add("shell", "rm")
	assert.True(t, al.Has("shell", "rm"))
	assert.False(t, al.Has("shell", "ls"))

	al.Remove("shell", "rm")
	assert.False(t, al.Has("shell", "rm"))
}

func TestAllowlistClear(t *testing.T) {
	al := NewAllowlist()
	al.Add("shell", "rm")
	al.Add("write_file", "*")
	require.Equal(t, 2, al.Len())

	al.Clear()
	assert.Equal(t, 0, al.Len())
}

func TestPrincipalForShellUsesFirstToken(t *testing.T) {
	assert.Equal(t, "rm", PrincipalFor("shell", map[string]any{"command": "rm -rf /tmp/x"}))
	assert.Equal(t, "*", PrincipalFor("shell", map[string]any{}))
}

func TestPrincipalForFileToolUsesDirectory(t *testing.T) {
	assert.Equal(t, "/tmp/project", PrincipalFor("write_file", map[string]any{"path": "/tmp/project/a.go"}))
}

func TestGateYoloNeverAsks(t *testing.T) {
	g := NewGate(NewDefaultPolicy())
	pctx := api.PolicyContext{ApprovalMode: api.ModeFullAuto}
	tool := fakeTool{name: "shell", risk: api.RiskHigh}
	assert.False(t, g.NeedApproval(context.Background(), pctx, tool, api.Args{"command": "rm -rf /"}))
}

func TestGateReadOnlyNeverAsks(t *testing.T) {
	g := NewGate(NewDefaultPolicy())
	pctx := api.PolicyContext{ApprovalMode: api.ModeSuggest}
	tool := fakeTool{name: "read_file"}
	assert.False(t, g.NeedApproval(context.Background(), pctx, tool, api.Args{}))
}

func TestGateAutoEditSkipsApprovalForEditCategory(t *testing.T) {
	g := NewGate(NewDefaultPolicy())
	pctx := api.PolicyContext{ApprovalMode: api.ModeAuto}
	tool := fakeTool{name: "write_file"}
	assert.False(t, g.NeedApproval(context.Background(), pctx, tool, api.Args{"path": "a.txt"}))
}

func TestGateAllowlistShortCircuits(t *testing.T) {
	g := NewGate(NewDefaultPolicy())
	pctx := api.PolicyContext{ApprovalMode: api.ModeSuggest}
	tool := fakeTool{name: "shell", risk: api.RiskHigh}
	args := api.Args{"command": "ls -la"}

	assert.True(t, g.NeedApproval(context.Background(), pctx, tool, args))

	g.Remember("shell", args)
	assert.False(t, g.NeedApproval(context.Background(), pctx, tool, args))

	// A different command (different principal) still asks.
	assert.True(t, g.NeedApproval(context.Background(), pctx, tool, api.Args{"command": "rm -rf /tmp"}))
}

func TestGateFallsThroughToPolicyForDefault(t *testing.T) {
	g := NewGate(NewDefaultPolicy())
	pctx := api.PolicyContext{ApprovalMode: api.ModeSuggest}
	tool := fakeTool{name: "custom_tool"}
	assert.True(t, g.NeedApproval(context.Background(), pctx, tool, api.Args{}))
}
