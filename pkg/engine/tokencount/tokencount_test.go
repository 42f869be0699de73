package tokencount

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/pkg/engine/api"
)

func TestNewFallsBackWhenModelUnknown(t *testing.T) {
	est := New("not-a-real-model-xyz")
	require.NotNil(t, est)
	assert.Greater(t, est.Count("hello world"), 0)
}

func TestCountIsMonotonic(t *testing.T) {
	est := New("gpt-4o")
	short := est.Count("hello")
	long := est.Count(strings.Repeat("hello world ", 50))
	assert.Greater(t, long, short)
}

func TestCountEmptyIsZero(t *testing.T) {
	est := New("gpt-4o")
	assert.Equal(t, 0, est.Count(""))
}

func TestCountMessagesIncludesOverhead(t *testing.T) {
	est := New("gpt-4o")
	messages := []api.LLMMessage{
		{Role: "user", Content: "hi"},
	}
	withOverhead := est.CountMessages(messages)
	bare := est.Count("user") + est.Count("hi")
	assert.Greater(t, withOverhead, bare)
}

func TestCountMessagesDeterministic(t *testing.T) {
	est := New("gpt-4o")
	messages := []api.LLMMessage{
		{Role: "user", Content: "same input every time"},
		{Role: "assistant", Content: "reply text"},
	}
	a := est.CountMessages(messages)
	b := est.CountMessages(messages)
	assert.Equal(t, a, b)
}

func TestHeuristicEstimatorMonotonic(t *testing.T) {
	var est Estimator = heuristicEstimator{}
	assert.Less(t, est.Count("abcd"), est.Count(strings.Repeat("abcd", 10)))
	assert.Equal(t, 0, est.Count(""))
}
