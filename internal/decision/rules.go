package decision

import (
	"fmt"
	"path/filepath"
	"strings"

	"codeagent/internal/domain"
)

const (
	SourceSimpleRules    = "simple_rules"
	SourceMediumRules    = "medium_rules"
	SourceComplexRules   = "complex_rules"
	SourceSeverityBased  = "severity_based"
	SourceContext        = "context_analysis"
	SourceAI             = "ai_analysis"
	SourceConservative   = "conservative_default"
	strategyManualReview = "manual_review"
	strategyAIAssisted   = "ai_assisted"
)

type rule struct {
	category   domain.DecisionCategory
	confidence float64
	source     string
	strategies map[string]string
	fallback   string
}

var simpleRule = rule{
	category:   domain.CategoryAutoFixable,
	confidence: 0.9,
	source:     SourceSimpleRules,
	strategies: map[string]string{
		"unused_imports":      "auto_remove",
		"unused_variables":    "auto_remove",
		"trailing_whitespace": "auto_format",
		"missing_newline":     "auto_format",
		"line_too_long":       "auto_format",
		"import_order":        "auto_format",
		"bad_indentation":     "auto_format",
		"formatting":          "auto_format",
	},
}

var mediumRule = rule{
	category:   domain.CategoryAIAssisted,
	confidence: 0.7,
	source:     SourceMediumRules,
	strategies: map[string]string{
		"type_errors":            "ai_assisted",
		"missing_type_hints":     "ai_assisted",
		"naming_convention":      "ai_refactor",
		"duplicate_code":         "ai_refactor",
		"deprecated_api":         "ai_assisted",
		"exception_handling":     "ai_assisted",
		"missing_error_handling": "ai_assisted",
		"complex_function":       "ai_refactor",
	},
}

var complexRule = rule{
	category:   domain.CategoryManualReview,
	confidence: 0.8,
	source:     SourceComplexRules,
	strategies: map[string]string{
		"hardcoded_secrets":      strategyManualReview,
		"sql_injection":          strategyManualReview,
		"command_injection":      strategyManualReview,
		"unsafe_deserialization": strategyManualReview,
		"race_condition":         strategyManualReview,
		"memory_leak":            strategyManualReview,
		"architecture_issue":     strategyManualReview,
		"security_vulnerability": strategyManualReview,
		"unsafe_eval":            strategyManualReview,
	},
}

var ruleTables = []rule{simpleRule, mediumRule, complexRule}

// ruleTier classifies by issue type, falling back to severity.
func ruleTier(issue domain.Issue) domain.Decision {
	for _, r := range ruleTables {
		if strategy, ok := r.strategies[issue.Type]; ok {
			return domain.Decision{
				Issue:      issue,
				Category:   r.category,
				Strategy:   strategy,
				Confidence: r.confidence,
				RuleSource: r.source,
				Reason:     fmt.Sprintf("issue type %q matched %s", issue.Type, r.source),
			}
		}
	}

	d := domain.Decision{Issue: issue, RuleSource: SourceSeverityBased}
	switch strings.ToLower(issue.Severity) {
	case "error":
		d.Category, d.Strategy, d.Confidence = domain.CategoryManualReview, strategyManualReview, 0.6
		d.Reason = "unknown issue type with error severity"
	case "warning":
		d.Category, d.Strategy, d.Confidence = domain.CategoryAIAssisted, strategyAIAssisted, 0.5
		d.Reason = "unknown issue type with warning severity"
	default:
		d.Category, d.Strategy, d.Confidence = domain.CategoryAIAssisted, strategyAIAssisted, 0.3
		d.Reason = "unknown issue type, default severity rule"
	}
	return d
}

// contextTier looks at the file, message and position of the finding.
func contextTier(issue domain.Issue) domain.Decision {
	d := domain.Decision{Issue: issue, RuleSource: SourceContext}
	msg := strings.ToLower(issue.Message)
	ext := strings.ToLower(filepath.Ext(issue.File))

	switch {
	case ext == ".py" && strings.Contains(msg, "unused import"):
		d.Category, d.Strategy, d.Confidence = domain.CategoryAutoFixable, "auto_remove", 0.8
		d.Reason = "unused import in a python file"
	case strings.Contains(msg, "format") || strings.Contains(msg, "indent"):
		d.Category, d.Strategy, d.Confidence = domain.CategoryAutoFixable, "auto_format", 0.7
		d.Reason = "message describes a formatting problem"
	case issue.Line > 0 && issue.Line <= 10:
		d.Category, d.Strategy, d.Confidence = domain.CategoryAutoFixable, "auto_format", 0.4
		d.Reason = "finding near the top of the file, usually imports or headers"
	default:
		d.Category, d.Strategy, d.Confidence = domain.CategoryAIAssisted, strategyAIAssisted, 0.3
		d.Reason = "no context signal"
	}
	return d
}
