package domain

import "github.com/spf13/cast"

// IssuesFromResult extracts findings from a detection result. Agents report
// them either under "issues" or nested in "detection_results.issues".
// Entries that are not objects are skipped.
func IssuesFromResult(result map[string]any) []Issue {
	issues, _ := DecodeIssues(result)
	return issues
}

// DecodeIssues is IssuesFromResult that also counts the skipped entries.
// Fields are read leniently: a line given as "12" is line 12, and a field
// of the wrong shape is left empty instead of dropping the finding.
func DecodeIssues(result map[string]any) ([]Issue, int) {
	if result == nil {
		return nil, 0
	}
	raw, ok := result["issues"]
	if !ok {
		nested, isMap := result["detection_results"].(map[string]any)
		if !isMap {
			return nil, 0
		}
		raw = nested["issues"]
	}
	if typed, isTyped := raw.([]Issue); isTyped {
		return append([]Issue(nil), typed...), 0
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, 0
	}

	issues := make([]Issue, 0, len(items))
	skipped := 0
	for _, item := range items {
		issue, ok := issueFrom(item)
		if !ok {
			skipped++
			continue
		}
		issues = append(issues, issue)
	}
	return issues, skipped
}

func issueFrom(item any) (Issue, bool) {
	switch v := item.(type) {
	case Issue:
		return v, true
	case *Issue:
		if v == nil {
			return Issue{}, false
		}
		return *v, true
	case map[string]any:
		return Issue{
			Type:     stringField(v, "type"),
			Severity: stringField(v, "severity"),
			Message:  stringField(v, "message"),
			File:     stringField(v, "file"),
			Line:     intField(v, "line"),
			Column:   intField(v, "column"),
			Tool:     stringField(v, "tool"),
		}, true
	default:
		return Issue{}, false
	}
}

func stringField(m map[string]any, key string) string {
	s, err := cast.ToStringE(m[key])
	if err != nil {
		return ""
	}
	return s
}

func intField(m map[string]any, key string) int {
	n, err := cast.ToIntE(m[key])
	if err != nil {
		return 0
	}
	return n
}

// ResultSucceeded treats a completed result as successful unless it says
// otherwise with an explicit "success": false.
func ResultSucceeded(status TaskStatus, result map[string]any) bool {
	if status != TaskStatusCompleted {
		return false
	}
	if v, ok := result["success"].(bool); ok {
		return v
	}
	return true
}
