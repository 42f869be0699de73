package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestStatsRecordLoopAndSnapshot(t *testing.T) {
	s := NewStats(nil)
	s.RecordLoop()
	s.RecordLoop()
	snap := s.GetSnapshot()
	assert.Equal(t, 2, snap.Loops)
}

func TestStatsRecordToolCallTracksErrors(t *testing.T) {
	s := NewStats(nil)
	s.RecordToolCall("shell", "success", 10*time.Millisecond)
	s.RecordToolCall("shell", "error", 5*time.Millisecond)
	snap := s.GetSnapshot()
	assert.Equal(t, 2, snap.ToolCalls)
	assert.Equal(t, 1, snap.ToolErrors)
}

func TestStatsRecordTokensAccumulates(t *testing.T) {
	s := NewStats(nil)
	s.RecordTokens(100, 50, 0.01)
	s.RecordTokens(200, 75, 0.02)
	snap := s.GetSnapshot()
	assert.Equal(t, 300, snap.PromptTokens)
	assert.Equal(t, 125, snap.ResponseTokens)
	assert.InDelta(t, 0.03, snap.CumulativeCost, 1e-9)
}

func TestStatsNextPhraseRotates(t *testing.T) {
	s := NewStats(nil)
	first := s.NextPhrase()
	second := s.NextPhrase()
	assert.NotEqual(t, first, second)
}

func TestStatsWithPrometheusRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewStats(reg)
	s.RecordLoop()
	s.RecordToolCall("shell", "success", time.Millisecond)
	s.RecordTokens(10, 5, 0.001)

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestStatsNilReceiverIsSafe(t *testing.T) {
	var s *Stats
	assert.NotPanics(t, func() {
		s.RecordLoop()
		s.RecordToolCall("x", "success", time.Millisecond)
		s.RecordTokens(1, 1, 0.0)
		_ = s.NextPhrase()
		_ = s.GetSnapshot()
	})
}
