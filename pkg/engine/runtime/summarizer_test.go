package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/engine/tokencount"
)

func TestSummarizePassesThroughSmallOutput(t *testing.T) {
	s := NewSummarizer(nil, tokencount.New("gpt-4o"), DefaultSummarizerConfig())
	out := s.Summarize(context.Background(), "shell", "short output")
	assert.Equal(t, "short output", out)
}

func TestSummarizeDisabledWhenThresholdZero(t *testing.T) {
	cfg := DefaultSummarizerConfig()
	cfg.TokenThreshold = 0
	s := NewSummarizer(nil, tokencount.New("gpt-4o"), cfg)
	big := strings.Repeat("line\n", 5000)
	assert.Equal(t, big, s.Summarize(context.Background(), "shell", big))
}

func TestSummarizeFallsBackToTruncationWithoutLLM(t *testing.T) {
	cfg := SummarizerConfig{TokenThreshold: 10, HeadLines: 2, TailLines: 2}
	s := NewSummarizer(nil, tokencount.New("gpt-4o"), cfg)

	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, "line")
	}
	lines[50] = "ERROR: something broke"
	content := strings.Join(lines, "\n")

	out := s.Summarize(context.Background(), "shell", content)
	require.NotEqual(t, content, out)
	assert.Contains(t, out, "truncated")
	assert.Contains(t, out, "ERROR: something broke")
}

func TestSummarizeUsesLLMWhenAvailable(t *testing.T) {
	cfg := SummarizerConfig{TokenThreshold: 10, HeadLines: 2, TailLines: 2}
	mock := &MockLLM{}
	s := NewSummarizer(mock, tokencount.New("gpt-4o"), cfg)

	content := strings.Repeat("verbose tool output line\n", 50)
	out := s.Summarize(context.Background(), "shell", content)
	assert.NotEmpty(t, out)
}
