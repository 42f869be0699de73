package api

import "context"

// ToolMeta carries the request-scoped fields of a tool invocation that don't
// fit the (ctx, Args) signature every Tool.Execute already has: which
// session/call produced this invocation, what approval mode governs it, and
// where its working directory is rooted. Tools that need none of this (the
// vast majority) simply never look at it.
type ToolMeta struct {
	SessionID     string
	CallID        string
	WorkspaceRoot string
	ApprovalMode  ApprovalMode
}

type toolMetaKey struct{}

// WithToolMeta attaches a ToolMeta to ctx for the duration of one tool call.
func WithToolMeta(ctx context.Context, meta ToolMeta) context.Context {
	return context.WithValue(ctx, toolMetaKey{}, meta)
}

// ToolMetaFromContext returns the ToolMeta attached by the Scheduler, if any.
func ToolMetaFromContext(ctx context.Context) (ToolMeta, bool) {
	meta, ok := ctx.Value(toolMetaKey{}).(ToolMeta)
	return meta, ok
}
