package systool

import (
	"context"
	"fmt"
	"io"
	"strings"

	"agentcore/pkg/engine/api"
)

// TaskTool lets an assistant spawn a sub-agent: a fresh session that shares
// the parent's Engine (same LLM, Tool Registry, policy) but owns its own
// context, scheduler, and event stream. The parent call blocks until the
// sub-agent's run completes, mirroring a normal (synchronous) tool call.
type TaskTool struct {
	Engine api.Engine

	// ApprovalMode governs the sub-agent's session. A sub-agent runs inside a
	// tool handler with no interactive approval callback available to it, so
	// this defaults to ModeFullAuto: a sub-agent that paused mid-run waiting
	// on a human would hang the parent's tool call indefinitely.
	ApprovalMode api.ApprovalMode
}

func (t *TaskTool) Name() string        { return "task" }
func (t *TaskTool) Description() string { return "Delegate a self-contained task to a sub-agent" }
func (t *TaskTool) Risk() api.RiskLevel { return api.RiskLow }

func (t *TaskTool) Schema() api.ToolSchema {
	return api.ToolSchema{
		Name:        t.Name(),
		Description: t.Description() + ". The sub-agent runs to completion (or its own max-loop/context-overflow limit) before this call returns; it cannot ask the user for approval, so prefer it for read-only or low-risk work.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "The task for the sub-agent to perform, as a complete, self-contained instruction",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Short label for this task, shown in place of the full prompt in logs",
				},
			},
			"required": []string{"prompt"},
		},
	}
}

func (t *TaskTool) Execute(ctx context.Context, args api.Args) (api.ToolResult, error) {
	prompt, _ := args["prompt"].(string)
	if strings.TrimSpace(prompt) == "" {
		return api.ToolResult{Status: "error", Error: "prompt argument required"}, nil
	}
	label, _ := args["description"].(string)
	if label == "" {
		label = prompt
	}

	if t.Engine == nil {
		return api.ToolResult{Status: "error", Error: "task tool is not wired to an engine"}, nil
	}

	mode := t.ApprovalMode
	if mode == "" {
		mode = api.ModeFullAuto
	}

	subSessionID, err := t.Engine.StartSession(ctx, api.StartOptions{ApprovalMode: mode})
	if err != nil {
		return api.ToolResult{Status: "error", Error: fmt.Sprintf("starting sub-agent session: %v", err)}, nil
	}

	stream, err := t.Engine.Send(ctx, subSessionID, prompt)
	if err != nil {
		return api.ToolResult{Status: "error", Error: fmt.Sprintf("starting sub-agent run: %v", err)}, nil
	}

	outcome, err := t.drain(ctx, subSessionID, stream)
	if err != nil {
		return api.ToolResult{Status: "error", Error: err.Error()}, nil
	}

	data := map[string]any{
		"sub_session_id": subSessionID,
		"tool_calls":     outcome.toolCalls,
		"outcome":        outcome.reason,
	}
	content := fmt.Sprintf("Task %q completed (%s).", label, outcome.reason)
	if outcome.text != "" {
		content = outcome.text
	}
	if outcome.reason != "" && outcome.reason != "completed" {
		content = fmt.Sprintf("%s\n\n[sub-agent ended: %s]", content, outcome.reason)
	}
	return api.ToolResult{Content: content, Status: "success", Data: data}, nil
}

type taskOutcome struct {
	text      string
	reason    string
	toolCalls []string
}

// drain reads a sub-agent's event stream to completion, collecting its final
// assistant text and a trace of tool names it invoked. Tool-call argument and
// reasoning deltas are skipped; only the final assistant text is surfaced to
// the parent, since the parent's own event stream has no channel to
// re-broadcast a nested turn's events live. drain owns closing the stream,
// including any replacement stream obtained by a mid-run Resume.
func (t *TaskTool) drain(ctx context.Context, subSessionID string, stream api.EventStream) (taskOutcome, error) {
	defer func() { _ = stream.Close() }()

	var out taskOutcome
	var text strings.Builder

	for {
		e, err := stream.Recv(ctx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return out, fmt.Errorf("sub-agent stream: %w", err)
		}

		switch e.Type {
		case api.EventDelta:
			if e.Delta != nil && e.Delta.Source == api.DeltaText {
				text.WriteString(e.Delta.Text)
			}
		case api.EventToolCall:
			if e.ToolCall != nil {
				out.toolCalls = append(out.toolCalls, e.ToolCall.ToolName)
			}
		case api.EventApproval:
			// A full-auto sub-agent should never reach here; if the caller
			// overrode ApprovalMode into a mode that can pause, there is no
			// human to ask inside a tool handler, so reject and let the
			// sub-agent's turn end rather than block the parent forever.
			if e.Approval != nil {
				decision := api.Decision{
					Kind:       api.DecisionReject,
					RequestID:  e.Approval.RequestID,
					ToolCallID: e.Approval.ToolCallID,
				}
				_ = stream.Close()
				next, err := t.Engine.Resume(ctx, subSessionID, decision)
				if err != nil {
					return out, fmt.Errorf("rejecting sub-agent approval: %w", err)
				}
				stream = next
			}
		case api.EventError:
			if e.Error != nil {
				out.reason = fmt.Sprintf("error: %s", e.Error.Message)
			}
		case api.EventDone:
			if e.Done != nil && out.reason == "" {
				out.reason = e.Done.Reason
			}
		}
	}

	out.text = strings.TrimSpace(text.String())
	if out.reason == "" {
		out.reason = "completed"
	}
	return out, nil
}
