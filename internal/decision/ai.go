package decision

import (
	"context"
	"fmt"
	"strings"

	"codeagent/internal/domain"
)

// Classification is what an AI classifier returns for one finding.
type Classification struct {
	Complexity  string   `json:"complexity"`
	Strategy    string   `json:"strategy"`
	Confidence  float64  `json:"confidence"`
	Reason      string   `json:"reason"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Classifier is the external model behind the AI tier. It may fail; the
// engine then degrades to a manual review decision.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, prompt string) (Classification, error)

func (f ClassifierFunc) Classify(ctx context.Context, prompt string) (Classification, error) {
	return f(ctx, prompt)
}

// BuildPrompt renders the classification request for one issue.
func BuildPrompt(issue domain.Issue) string {
	var b strings.Builder
	b.WriteString("Classify how this code quality finding should be remediated.\n\n")
	fmt.Fprintf(&b, "Type: %s\n", valueOr(issue.Type, "unknown"))
	fmt.Fprintf(&b, "Severity: %s\n", valueOr(issue.Severity, "unknown"))
	fmt.Fprintf(&b, "Message: %s\n", valueOr(issue.Message, "(none)"))
	if issue.File != "" {
		fmt.Fprintf(&b, "File: %s\n", issue.File)
	}
	if issue.Line > 0 {
		fmt.Fprintf(&b, "Line: %d\n", issue.Line)
	}
	if issue.Tool != "" {
		fmt.Fprintf(&b, "Reported by: %s\n", issue.Tool)
	}
	b.WriteString(`
Answer with a single JSON object and nothing else:
{"complexity": "simple|medium|complex", "strategy": "<fix strategy>", "confidence": <0..1>, "reason": "<one sentence>", "suggestions": ["<step>"]}
simple means a mechanical fix a tool can apply, medium means an assisted code change, complex means a human must review it.`)
	return b.String()
}

func aiTier(ctx context.Context, c Classifier, issue domain.Issue) domain.Decision {
	fallback := domain.Decision{
		Issue:      issue,
		Category:   domain.CategoryManualReview,
		Strategy:   strategyManualReview,
		Confidence: 0.1,
		RuleSource: SourceAI,
	}
	if c == nil {
		fallback.Reason = "ai analysis unavailable: no classifier configured"
		return fallback
	}

	out, err := c.Classify(ctx, BuildPrompt(issue))
	if err != nil {
		fallback.Reason = "ai analysis failed: " + err.Error()
		return fallback
	}

	category, ok := categoryForComplexity(out.Complexity)
	if !ok {
		fallback.Reason = fmt.Sprintf("ai analysis returned unknown complexity %q", out.Complexity)
		return fallback
	}
	strategy := strings.TrimSpace(out.Strategy)
	if strategy == "" {
		strategy = defaultStrategy(category)
	}
	confidence := out.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	reason := strings.TrimSpace(out.Reason)
	if reason == "" {
		reason = "ai analysis"
	}
	return domain.Decision{
		Issue:      issue,
		Category:   category,
		Strategy:   strategy,
		Confidence: confidence,
		RuleSource: SourceAI,
		Reason:     reason,
	}
}

func categoryForComplexity(v string) (domain.DecisionCategory, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "simple":
		return domain.CategoryAutoFixable, true
	case "medium":
		return domain.CategoryAIAssisted, true
	case "complex":
		return domain.CategoryManualReview, true
	}
	return "", false
}

func defaultStrategy(c domain.DecisionCategory) string {
	switch c {
	case domain.CategoryAutoFixable:
		return "auto_format"
	case domain.CategoryAIAssisted:
		return strategyAIAssisted
	}
	return strategyManualReview
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
