package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolArgsPlainJSON(t *testing.T) {
	args, err := ParseToolArgs(`{"path": "a.txt", "count": 3}`)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", args["path"])
	assert.Equal(t, float64(3), args["count"])
}

func TestParseToolArgsEmpty(t *testing.T) {
	args, err := ParseToolArgs("")
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestParseToolArgsDoubleEscaped(t *testing.T) {
	raw := `{"content": "line1\\nline2"}`
	args, err := ParseToolArgs(raw)
	require.NoError(t, err)
	assert.Contains(t, args["content"].(string), "line1")
}

func TestParseToolArgsInvalidJSONFails(t *testing.T) {
	_, err := ParseToolArgs(`{not json`)
	assert.Error(t, err)
}

func TestParseToolArgsNestedJSONInString(t *testing.T) {
	raw := `{"payload": "{\"inner\": 1}"}`
	args, err := ParseToolArgs(raw)
	require.NoError(t, err)
	inner, ok := args["payload"].(map[string]any)
	require.True(t, ok, "expected payload to be materialized as an object, got %T", args["payload"])
	assert.Equal(t, float64(1), inner["inner"])
}

func TestParseToolArgsNonJSONStringPassesThrough(t *testing.T) {
	args, err := ParseToolArgs("just a plain string")
	require.NoError(t, err)
	assert.Equal(t, "just a plain string", args["input"])
}

func TestToolRecordDurationMeasuredFromExecuting(t *testing.T) {
	rec := &toolRecord{}
	assert.Equal(t, int64(0), rec.durationMS())

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec = &toolRecord{StartedAt: start, ExecutedAt: start.Add(2 * time.Second), FinishedAt: start.Add(2*time.Second + 250*time.Millisecond)}
	assert.Equal(t, int64(250), rec.durationMS())
}
