// Package policy scores the risk of a planned fix and decides when a human
// must review it.
package policy

import (
	"path/filepath"
	"strings"

	"codeagent/internal/domain"
)

const (
	riskLow    = 0.2
	riskMedium = 0.5
	riskHigh   = 0.8

	// ReviewThreshold is the risk above which a fix always needs review.
	ReviewThreshold = 0.5
)

// SecuritySensitive lists issue types that always go to a human.
var SecuritySensitive = map[string]struct{}{
	"hardcoded_secrets":      {},
	"sql_injection":          {},
	"command_injection":      {},
	"unsafe_deserialization": {},
	"unsafe_eval":            {},
	"path_traversal":         {},
	"xss":                    {},
}

type Engine struct {
	reviewThreshold float64
}

func New() *Engine {
	return &Engine{reviewThreshold: ReviewThreshold}
}

// EvaluateRisk averages fix type, file importance and change volume risk,
// clamped to [0,1].
func (e *Engine) EvaluateRisk(plan domain.FixPlan) float64 {
	score := (fixTypeRisk(plan.FixType) + fileRisk(plan.FilePath) + changeRisk(plan.ChangesCount)) / 3
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

func (e *Engine) ShouldRequireHumanReview(issue domain.Issue, risk float64) bool {
	if risk > e.reviewThreshold {
		return true
	}
	if _, ok := SecuritySensitive[issue.Type]; ok {
		return true
	}
	return strings.EqualFold(issue.Severity, "error")
}

func fixTypeRisk(fixType string) float64 {
	switch fixType {
	case "auto_remove", "auto_format":
		return riskLow
	case "ai_assisted", "ai_refactor":
		return riskMedium
	}
	return riskHigh
}

func fileRisk(path string) float64 {
	if path == "" {
		return riskMedium
	}
	lower := strings.ToLower(filepath.ToSlash(path))
	base := filepath.Base(lower)
	if strings.HasPrefix(base, "test_") ||
		strings.Contains(base, "_test.") ||
		strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") ||
		strings.Contains(lower, "/tests/") ||
		strings.HasPrefix(lower, "tests/") {
		return riskLow
	}
	if strings.Contains(lower, "main") || strings.Contains(lower, "core") {
		return riskHigh
	}
	return riskMedium
}

func changeRisk(changes int) float64 {
	switch {
	case changes <= 5:
		return riskLow
	case changes <= 20:
		return riskMedium
	}
	return riskHigh
}
