package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuesFromResult(t *testing.T) {
	var decoded map[string]any
	raw := `{"issues":[{"type":"unused_imports","severity":"warning","file":"a.py","line":3},"garbage"]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))

	issues := IssuesFromResult(decoded)
	require.Len(t, issues, 1)
	assert.Equal(t, "unused_imports", issues[0].Type)
	assert.Equal(t, 3, issues[0].Line)
}

func TestDecodeIssuesIsLenient(t *testing.T) {
	var decoded map[string]any
	raw := `{"issues":[
		{"type":"unused_imports","file":"a.py","line":"12","column":4.0},
		{"type":"sql_injection","file":"b.py","line":"near the top","severity":2},
		42
	]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))

	issues, skipped := DecodeIssues(decoded)
	require.Len(t, issues, 2)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 12, issues[0].Line)
	assert.Equal(t, 4, issues[0].Column)
	assert.Equal(t, "b.py", issues[1].File)
	assert.Zero(t, issues[1].Line)
	assert.Equal(t, "2", issues[1].Severity)

	typed, skipped := DecodeIssues(map[string]any{"issues": []any{Issue{Type: "x"}}})
	assert.Zero(t, skipped)
	assert.Equal(t, []Issue{{Type: "x"}}, typed)
}

func TestIssuesFromResultNested(t *testing.T) {
	result := map[string]any{
		"detection_results": map[string]any{
			"issues": []any{map[string]any{"type": "sql_injection", "severity": "error"}},
		},
	}
	issues := IssuesFromResult(result)
	require.Len(t, issues, 1)
	assert.Equal(t, "error", issues[0].Severity)

	assert.Empty(t, IssuesFromResult(map[string]any{"issues": []any{}}))
	assert.Nil(t, IssuesFromResult(nil))
}

func TestResultSucceeded(t *testing.T) {
	assert.True(t, ResultSucceeded(TaskStatusCompleted, map[string]any{"issues": []any{}}))
	assert.False(t, ResultSucceeded(TaskStatusCompleted, map[string]any{"success": false}))
	assert.False(t, ResultSucceeded(TaskStatusFailed, map[string]any{"success": true}))
}

func TestPriorityOrderingValues(t *testing.T) {
	assert.Less(t, int(PriorityLow), int(PriorityNormal))
	assert.Less(t, int(PriorityHigh), int(PriorityUrgent))
	assert.Equal(t, PriorityUrgent, ParsePriority(" URGENT "))
	assert.Equal(t, PriorityNormal, ParsePriority("whatever"))
}
