package decision

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"codeagent/internal/domain"
)

func newEngine(t *testing.T, c Classifier) *Engine {
	t.Helper()
	return New(Config{}, c, nil, zaptest.NewLogger(t), nil)
}

func fixed(out Classification, err error, calls *atomic.Int32) Classifier {
	return ClassifierFunc(func(context.Context, string) (Classification, error) {
		if calls != nil {
			calls.Add(1)
		}
		return out, err
	})
}

func TestRuleTierDeterminism(t *testing.T) {
	e := newEngine(t, nil)
	ctx := context.Background()

	got := e.AnalyzeComplexity(ctx, []domain.Issue{{Type: "unused_imports"}})
	require.Len(t, got, 1)
	assert.Equal(t, domain.CategoryAutoFixable, got[0].Category)
	assert.Equal(t, SourceSimpleRules, got[0].RuleSource)
	assert.Equal(t, 0.9, got[0].Confidence)
	assert.Equal(t, "auto_remove", got[0].Strategy)

	got = e.AnalyzeComplexity(ctx, []domain.Issue{{Type: "hardcoded_secrets"}})
	assert.Equal(t, domain.CategoryManualReview, got[0].Category)
	assert.Equal(t, SourceComplexRules, got[0].RuleSource)

	got = e.AnalyzeComplexity(ctx, []domain.Issue{{Type: "totally_unknown", Severity: "error"}})
	assert.Equal(t, domain.CategoryManualReview, got[0].Category)
	assert.Equal(t, SourceSeverityBased, got[0].RuleSource)
	assert.Equal(t, 0.6, got[0].Confidence)
}

func TestMediumRuleBeatsWeakerTiers(t *testing.T) {
	e := newEngine(t, fixed(Classification{}, errors.New("offline"), nil))
	got := e.AnalyzeComplexity(context.Background(), []domain.Issue{{Type: "duplicate_code", File: "a.go", Line: 40}})
	assert.Equal(t, domain.CategoryAIAssisted, got[0].Category)
	assert.Equal(t, SourceMediumRules, got[0].RuleSource)
	assert.Equal(t, "ai_refactor", got[0].Strategy)
}

func TestConfidentRuleSkipsClassifier(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, fixed(Classification{Complexity: "complex", Confidence: 1}, nil, &calls))

	e.AnalyzeComplexity(context.Background(), []domain.Issue{{Type: "formatting"}, {Type: "trailing_whitespace"}})
	assert.Zero(t, calls.Load())

	e.AnalyzeComplexity(context.Background(), []domain.Issue{{Type: "race_condition"}})
	assert.EqualValues(t, 1, calls.Load())
}

func TestContextTierWins(t *testing.T) {
	e := newEngine(t, nil)
	got := e.AnalyzeComplexity(context.Background(), []domain.Issue{{
		Type:    "W0611",
		Message: "Unused import os",
		File:    "app/views.py",
		Line:    3,
	}})
	assert.Equal(t, domain.CategoryAutoFixable, got[0].Category)
	assert.Equal(t, SourceContext, got[0].RuleSource)
	assert.Equal(t, 0.8, got[0].Confidence)
}

func TestAITierWins(t *testing.T) {
	e := newEngine(t, fixed(Classification{
		Complexity: "complex",
		Strategy:   "manual_review",
		Confidence: 0.92,
		Reason:     "touches auth",
	}, nil, nil))

	got := e.AnalyzeComplexity(context.Background(), []domain.Issue{{Type: "odd_thing", Severity: "warning", Line: 200}})
	assert.Equal(t, domain.CategoryManualReview, got[0].Category)
	assert.Equal(t, SourceAI, got[0].RuleSource)
	assert.Equal(t, "touches auth", got[0].Reason)
}

func TestTieGoesToEarlierTier(t *testing.T) {
	e := newEngine(t, fixed(Classification{Complexity: "complex", Confidence: 0.5}, nil, nil))
	got := e.AnalyzeComplexity(context.Background(), []domain.Issue{{Type: "odd_thing", Severity: "warning", Line: 200}})
	assert.Equal(t, SourceSeverityBased, got[0].RuleSource)
	assert.Equal(t, domain.CategoryAIAssisted, got[0].Category)
}

func TestConfidenceFloor(t *testing.T) {
	cases := map[string]Classifier{
		"no classifier":    nil,
		"failing":          fixed(Classification{}, errors.New("rate limited"), nil),
		"weak answer":      fixed(Classification{Complexity: "simple", Confidence: 0.35}, nil, nil),
		"bad complexity":   fixed(Classification{Complexity: "???", Confidence: 0.99}, nil, nil),
		"negative clamped": fixed(Classification{Complexity: "medium", Confidence: -2}, nil, nil),
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEngine(t, c)
			got := e.AnalyzeComplexity(context.Background(), []domain.Issue{{Type: "mystery", Line: 500}})
			assert.Equal(t, domain.CategoryManualReview, got[0].Category)
			assert.Equal(t, 0.3, got[0].Confidence)
			assert.Equal(t, SourceConservative, got[0].RuleSource)
		})
	}
}

func TestHistoryIsCapped(t *testing.T) {
	e := New(Config{HistoryLimit: 10, HistoryKeep: 5}, nil, nil, zaptest.NewLogger(t), nil)
	issues := make([]domain.Issue, 11)
	for i := range issues {
		issues[i] = domain.Issue{Type: "unused_imports", Line: i + 1}
	}
	e.AnalyzeComplexity(context.Background(), issues)

	hist := e.History()
	require.Len(t, hist, 5)
	assert.Equal(t, 7, hist[0].Issue.Line)
	assert.Equal(t, 11, hist[4].Issue.Line)

	stats := e.Stats()
	assert.Equal(t, 11, stats.Total)
	assert.Equal(t, 11, stats.ByCategory[string(domain.CategoryAutoFixable)])
	assert.False(t, stats.AIEnabled)
}

func TestSelectFixStrategyAndRisk(t *testing.T) {
	e := newEngine(t, nil)
	assert.Equal(t, "auto_format", e.SelectFixStrategy(context.Background(), domain.Issue{Type: "line_too_long"}))
	assert.Equal(t, "manual_review", e.SelectFixStrategy(context.Background(), domain.Issue{Type: "sql_injection"}))

	risk := e.EvaluateRisk(domain.FixPlan{FixType: "auto_format", FilePath: "tests/test_a.py", ChangesCount: 1})
	assert.InDelta(t, 0.2, risk, 1e-9)
	assert.True(t, e.ShouldRequireHumanReview(domain.Issue{Type: "sql_injection"}, risk))
}

func TestSummarize(t *testing.T) {
	e := newEngine(t, nil)
	got := Summarize(e.AnalyzeComplexity(context.Background(), []domain.Issue{
		{Type: "unused_imports"}, {Type: "formatting"}, {Type: "sql_injection"},
	}))
	assert.Equal(t, map[string]int{"auto_fixable": 2, "manual_review": 1}, got)
}

func TestBuildPromptMentionsIssue(t *testing.T) {
	p := BuildPrompt(domain.Issue{Type: "deprecated_api", Severity: "warning", Message: "use x", File: "a.py", Line: 9})
	for _, want := range []string{"deprecated_api", "warning", "use x", "a.py", "Line: 9", `"complexity"`} {
		assert.True(t, strings.Contains(p, want), "prompt missing %q", want)
	}
}
