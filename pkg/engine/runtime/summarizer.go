package runtime

import (
	"context"
	"strconv"
	"strings"

	"agentcore/pkg/engine/api"
	"agentcore/pkg/engine/tokencount"
	"agentcore/pkg/logger"
)

// SummarizerConfig configures the Output Summarizer.
type SummarizerConfig struct {
	// TokenThreshold: tool output estimated above this many tokens gets
	// shrunk. 0 disables summarization (results pass through unchanged).
	TokenThreshold int

	// HeadLines/TailLines bound the fallback truncation when the LLM
	// summarization call itself fails or is unavailable.
	HeadLines int
	TailLines int
}

// DefaultSummarizerConfig mirrors the compressor's conservative defaults:
// shrink only once a result is large enough to meaningfully affect context
// budget, and keep enough head/tail to preserve the shape of the output.
func DefaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		TokenThreshold: 2000,
		HeadLines:      40,
		TailLines:      40,
	}
}

// summarizeInstruction is the fixed prompt sent to the LLM for tool-output
// shrinking, parallel to compress.go's fixed compression prompt.
const summarizeInstruction = "Summarize the following tool output, preserving any errors, " +
	"warnings, file paths, and line numbers verbatim. Be concise; drop repeated or " +
	"irrelevant detail. Respond with the summary only."

// Summarizer shrinks oversized tool output before it enters the session
// history, so a single large command output (a full test run, a huge file
// read) doesn't dominate the token budget for the rest of the conversation.
type Summarizer struct {
	LLM       LLM
	Estimator tokencount.Estimator
	Cfg       SummarizerConfig
}

// NewSummarizer builds a Summarizer. A nil Estimator falls back to
// tokencount's character heuristic.
func NewSummarizer(llm LLM, est tokencount.Estimator, cfg SummarizerConfig) *Summarizer {
	if est == nil {
		est = tokencount.New("")
	}
	return &Summarizer{LLM: llm, Estimator: est, Cfg: cfg}
}

// Summarize returns content unchanged if it's under the configured
// threshold. Otherwise it tries an LLM summarization call; if that fails
// (or no LLM is configured) it falls back to head-tail truncation that
// keeps lines containing "error"/"warning" markers from being dropped.
func (s *Summarizer) Summarize(ctx context.Context, toolName, content string) string {
	if s == nil || s.Cfg.TokenThreshold <= 0 || content == "" {
		return content
	}
	if s.Estimator.Count(content) <= s.Cfg.TokenThreshold {
		return content
	}

	if s.LLM != nil {
		if summary, err := s.summarizeWithLLM(ctx, toolName, content); err == nil && summary != "" {
			return summary
		} else if err != nil {
			logger.Warn("Summarizer", "LLM summarization failed, falling back to truncation", map[string]interface{}{
				"tool":  toolName,
				"error": err.Error(),
			})
		}
	}

	return s.truncateHeadTail(content)
}

func (s *Summarizer) summarizeWithLLM(ctx context.Context, toolName, content string) (string, error) {
	var sb strings.Builder
	sb.WriteString(summarizeInstruction)
	sb.WriteString("\n\nTool: ")
	sb.WriteString(toolName)
	sb.WriteString("\n\nOutput:\n")
	sb.WriteString(content)

	req := LLMRequest{
		Messages: []api.LLMMessage{
			{Role: "user", Content: sb.String()},
		},
		MaxTokens: 600,
	}

	stream, err := s.LLM.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var out strings.Builder
	for {
		chunk, err := stream.Recv(ctx)
		if err != nil {
			break
		}
		out.WriteString(chunk.Delta)
	}
	return strings.TrimSpace(out.String()), nil
}

// truncateHeadTail keeps the first HeadLines and last TailLines of content,
// always retaining any line that looks like an error or warning marker even
// if it falls in the dropped middle section.
func (s *Summarizer) truncateHeadTail(content string) string {
	lines := strings.Split(content, "\n")
	head, tail := s.Cfg.HeadLines, s.Cfg.TailLines
	if head <= 0 {
		head = 40
	}
	if tail <= 0 {
		tail = 40
	}
	if len(lines) <= head+tail {
		return content
	}

	var flagged []string
	for _, l := range lines[head : len(lines)-tail] {
		lower := strings.ToLower(l)
		if strings.Contains(lower, "error") || strings.Contains(lower, "warning") || strings.Contains(lower, "panic") {
			flagged = append(flagged, l)
		}
	}

	var out strings.Builder
	out.WriteString(strings.Join(lines[:head], "\n"))
	out.WriteString("\n")
	droppedCount := len(lines) - head - tail
	if len(flagged) > 0 {
		out.WriteString("... [")
		out.WriteString(strconv.Itoa(droppedCount))
		out.WriteString(" lines truncated, flagged lines below] ...\n")
		out.WriteString(strings.Join(flagged, "\n"))
		out.WriteString("\n")
	} else {
		out.WriteString("... [")
		out.WriteString(strconv.Itoa(droppedCount))
		out.WriteString(" lines truncated] ...\n")
	}
	out.WriteString(strings.Join(lines[len(lines)-tail:], "\n"))
	return out.String()
}
