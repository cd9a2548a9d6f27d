// Package decision classifies findings into remediation tiers. Each issue goes
// through a rule tier, a context tier and an AI tier, stopping at the first
// confident answer.
package decision

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"codeagent/internal/domain"
	"codeagent/internal/metrics"
	"codeagent/internal/policy"
)

// minConfidence is the floor under which any answer becomes a manual review.
const minConfidence = 0.4

type Config struct {
	ConfidenceThreshold float64
	HistoryLimit        int
	HistoryKeep         int
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.8
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 1000
	}
	if c.HistoryKeep <= 0 || c.HistoryKeep > c.HistoryLimit {
		c.HistoryKeep = c.HistoryLimit / 2
	}
	return c
}

type Stats struct {
	HistorySize int            `json:"history_size"`
	Total       int            `json:"total_decisions"`
	ByCategory  map[string]int `json:"by_category"`
	BySource    map[string]int `json:"by_source"`
	AIEnabled   bool           `json:"ai_enabled"`
}

type Engine struct {
	cfg        Config
	classifier Classifier
	policy     *policy.Engine
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu         sync.Mutex
	history    []domain.Decision
	total      int
	byCategory map[string]int
	bySource   map[string]int
}

// New builds an engine. classifier may be nil, which makes the AI tier
// always fall back to manual review.
func New(cfg Config, classifier Classifier, pol *policy.Engine, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if pol == nil {
		pol = policy.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg.withDefaults(),
		classifier: classifier,
		policy:     pol,
		logger:     logger.Named("decision"),
		metrics:    m,
		now:        func() time.Time { return time.Now().UTC() },
		byCategory: make(map[string]int),
		bySource:   make(map[string]int),
	}
}

// AnalyzeComplexity decides each issue independently, in input order.
func (e *Engine) AnalyzeComplexity(ctx context.Context, issues []domain.Issue) []domain.Decision {
	out := make([]domain.Decision, 0, len(issues))
	for _, issue := range issues {
		d := e.decide(ctx, issue)
		e.record(d)
		out = append(out, d)
	}
	return out
}

func (e *Engine) decide(ctx context.Context, issue domain.Issue) domain.Decision {
	candidates := make([]domain.Decision, 0, 3)

	rule := ruleTier(issue)
	if rule.Confidence > e.cfg.ConfidenceThreshold {
		return e.finish(rule)
	}
	candidates = append(candidates, rule)

	ctxTier := contextTier(issue)
	if ctxTier.Confidence > e.cfg.ConfidenceThreshold {
		return e.finish(ctxTier)
	}
	candidates = append(candidates, ctxTier)

	ai := aiTier(ctx, e.classifier, issue)
	e.logger.Debug("ai tier answered",
		zap.String("issue_type", issue.Type),
		zap.String("category", string(ai.Category)),
		zap.Float64("confidence", ai.Confidence),
		zap.String("reason", ai.Reason),
	)
	candidates = append(candidates, ai)

	return e.finish(combine(candidates))
}

// combine picks the most confident candidate; the earliest tier wins ties.
func combine(candidates []domain.Decision) domain.Decision {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best
}

func (e *Engine) finish(d domain.Decision) domain.Decision {
	if d.Confidence < minConfidence {
		d = domain.Decision{
			Issue:      d.Issue,
			Category:   domain.CategoryManualReview,
			Strategy:   strategyManualReview,
			Confidence: 0.3,
			RuleSource: SourceConservative,
			Reason:     "low confidence across all tiers (best: " + d.RuleSource + ")",
		}
	}
	d.DecidedAt = e.now()
	return d
}

func (e *Engine) record(d domain.Decision) {
	e.mu.Lock()
	e.history = append(e.history, d)
	if len(e.history) > e.cfg.HistoryLimit {
		keep := make([]domain.Decision, e.cfg.HistoryKeep)
		copy(keep, e.history[len(e.history)-e.cfg.HistoryKeep:])
		e.history = keep
	}
	e.total++
	e.byCategory[string(d.Category)]++
	e.bySource[d.RuleSource]++
	e.mu.Unlock()

	e.metrics.Decision(string(d.Category), d.RuleSource)
}

// SelectFixStrategy returns only the strategy recommended for issue.
func (e *Engine) SelectFixStrategy(ctx context.Context, issue domain.Issue) string {
	return e.AnalyzeComplexity(ctx, []domain.Issue{issue})[0].Strategy
}

func (e *Engine) EvaluateRisk(plan domain.FixPlan) float64 {
	return e.policy.EvaluateRisk(plan)
}

func (e *Engine) ShouldRequireHumanReview(issue domain.Issue, risk float64) bool {
	return e.policy.ShouldRequireHumanReview(issue, risk)
}

// History returns a copy of the retained decisions, oldest first.
func (e *Engine) History() []domain.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Decision(nil), e.history...)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	byCategory := make(map[string]int, len(e.byCategory))
	for k, v := range e.byCategory {
		byCategory[k] = v
	}
	bySource := make(map[string]int, len(e.bySource))
	for k, v := range e.bySource {
		bySource[k] = v
	}
	return Stats{
		HistorySize: len(e.history),
		Total:       e.total,
		ByCategory:  byCategory,
		BySource:    bySource,
		AIEnabled:   e.classifier != nil,
	}
}

// Summarize counts decisions per category.
func Summarize(decisions []domain.Decision) map[string]int {
	out := make(map[string]int)
	for _, d := range decisions {
		out[string(d.Category)]++
	}
	return out
}
