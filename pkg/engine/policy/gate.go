package policy

import (
	"context"

	"agentcore/pkg/engine/api"
)

// readOnlyTools never require approval regardless of mode or risk: they
// cannot mutate state, only the engine's internal bookkeeping around them can.
var readOnlyTools = map[string]bool{
	"ls": true, "read_file": true, "glob": true, "grep": true,
	"lsp_diagnostics": true, "read_todos": true, "read_skill": true,
	"list_skills": true, "read_memory": true, "understand_intent": true,
}

// editCategoryTools are auto-approved under ModeAuto ("auto_edit"): local
// file edits the user has implicitly trusted by choosing that mode, as
// opposed to shell commands or anything touching process/network state.
var editCategoryTools = map[string]bool{
	"write_file": true, "edit_file": true,
}

// Gate is the Approval Gate: it decides whether a proposed tool call must be
// confirmed by the user before the Tool Scheduler may execute it. It layers
// the Allowlist on top of a Policy so "always allow" decisions recorded
// earlier in the session short-circuit future identical calls.
type Gate struct {
	Policy    Policy
	Allowlist *Allowlist
}

// NewGate builds a Gate around a Policy, starting with a fresh Allowlist.
func NewGate(p Policy) *Gate {
	return &Gate{Policy: p, Allowlist: NewAllowlist()}
}

// NeedApproval applies the approval decision in order:
//  1. ModeFullAuto ("yolo") never asks.
//  2. Read-only tools never ask.
//  3. ModeAuto ("auto_edit") never asks for the edit category.
//  4. A matching Allowlist entry from an earlier "always" decision never asks.
//  5. Otherwise defer to the underlying Policy's risk-based judgment.
func (g *Gate) NeedApproval(ctx context.Context, pctx api.PolicyContext, tool Tool, args api.Args) bool {
	if pctx.ApprovalMode == api.ModeFullAuto {
		return false
	}
	if readOnlyTools[tool.Name()] {
		return false
	}
	if pctx.ApprovalMode == api.ModeAuto && editCategoryTools[tool.Name()] {
		return false
	}
	if g.Allowlist.Has(tool.Name(), PrincipalFor(tool.Name(), args)) {
		return false
	}
	return g.Policy.NeedApproval(ctx, pctx, tool, args)
}

// Remember applies a DecisionAlways outcome: the (tool, principal) pair for
// this call is recorded so future identical calls skip approval for the rest
// of the session.
func (g *Gate) Remember(toolName string, args api.Args) {
	g.Allowlist.Add(toolName, PrincipalFor(toolName, args))
}
