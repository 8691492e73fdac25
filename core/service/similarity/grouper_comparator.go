// Package similarity decides whether two entity records belong to the same
// project. Deterministic rules run first; the model is consulted only when
// the rule verdict falls between the reject and accept gates.
package similarity

import (
	"context"
	"fmt"
	"strings"

	"grouper_server/core/agent/llm"
	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/core/service/confidence"
	"grouper_server/pkg/logger"
	"grouper_server/pkg/metrics"
)

// Result sources.
const (
	SourceRules       = "rules"
	SourceNoSignals   = "rules:no_signals"
	SourceNoModel     = "rules:no_model"
	SourceModelFailed = "rules:model_failed"
	SourceModel       = "model"
)

// Result is the verdict for one comparison.
type Result struct {
	SameProject        bool              `json:"same_project"`
	Confidence         float64           `json:"confidence"`
	MatchingIndicators map[string]string `json:"matching_indicators"`
	SuggestedName      *string           `json:"suggested_name,omitempty"`
	Reasoning          string            `json:"reasoning"`
	Source             string            `json:"source"`
}

type Config struct {
	AcceptThreshold      float64 `yaml:"accept_threshold"`
	RejectThreshold      float64 `yaml:"reject_threshold"`
	SameProjectThreshold float64 `yaml:"same_project_threshold"`
	Temperature          float32 `yaml:"temperature"`
	MaxTokens            int     `yaml:"max_tokens"`
}

func DefaultConfig() Config {
	return Config{
		AcceptThreshold:      0.85,
		RejectThreshold:      0.15,
		SameProjectThreshold: 0.5,
		Temperature:          0.2,
		MaxTokens:            2000,
	}
}

type Comparator struct {
	llm    out.LLMClient
	policy *confidence.Policy
	cfg    Config
}

// NewComparator builds a comparator. client may be nil, in which case every
// verdict comes from the rules.
func NewComparator(client out.LLMClient, policy *confidence.Policy, cfg Config) *Comparator {
	def := DefaultConfig()
	if cfg.AcceptThreshold == 0 {
		cfg.AcceptThreshold = def.AcceptThreshold
	}
	if cfg.RejectThreshold == 0 {
		cfg.RejectThreshold = def.RejectThreshold
	}
	if cfg.SameProjectThreshold == 0 {
		cfg.SameProjectThreshold = def.SameProjectThreshold
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if policy == nil {
		policy = confidence.NewDefaultPolicy()
	}
	return &Comparator{llm: client, policy: policy, cfg: cfg}
}

// Compare judges two records, with optional known projects for context.
func (c *Comparator) Compare(ctx context.Context, a, b *domain.EntityRecord, known []domain.EntityRecord) (*Result, error) {
	return c.compare(ctx, a, b, nil, known)
}

// CompareProject judges a record against a project's aggregate profile,
// counting the project's aliases as names.
func (c *Comparator) CompareProject(ctx context.Context, rec *domain.EntityRecord, p *domain.Project, known []domain.EntityRecord) (*Result, error) {
	profile := p.Profile()
	return c.compare(ctx, rec, &profile, p.NameAliases, known)
}

func (c *Comparator) compare(ctx context.Context, a, b *domain.EntityRecord, altNames []string, known []domain.EntityRecord) (*Result, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("compare: nil record")
	}
	snap := c.policy.Snapshot()

	judgments := ruleJudgments(a, b, altNames)
	rule := c.ruleResult(snap, a, b, judgments)

	escalate := len(judgments) == 0 ||
		(rule.Confidence > c.cfg.RejectThreshold && rule.Confidence < c.cfg.AcceptThreshold)

	if !escalate {
		metrics.SimilarityStages.WithLabelValues(rule.Source).Inc()
		return rule, nil
	}
	if c.llm == nil {
		if len(judgments) > 0 {
			rule.Source = SourceNoModel
		}
		metrics.SimilarityStages.WithLabelValues(rule.Source).Inc()
		return rule, nil
	}

	res, err := c.modelResult(ctx, snap, a, b, known, rule)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.WithError(err).WithFields(map[string]any{
			"email_a": a.EmailID,
			"email_b": b.EmailID,
		}).Warn("similarity model call failed, using rule verdict")
		rule.Source = SourceModelFailed
		metrics.SimilarityStages.WithLabelValues(rule.Source).Inc()
		return rule, nil
	}
	metrics.SimilarityStages.WithLabelValues(res.Source).Inc()
	return res, nil
}

func (c *Comparator) ruleResult(snap confidence.Snapshot, a, b *domain.EntityRecord, judgments []judgment) *Result {
	res := &Result{MatchingIndicators: make(map[string]string), Source: SourceRules}
	if len(judgments) == 0 {
		res.Source = SourceNoSignals
		res.Reasoning = "no comparable signals"
		return res
	}

	scores := make(map[string]float64, len(judgments))
	var reasons []string
	for _, j := range judgments {
		scores[j.signal] = j.score
		res.MatchingIndicators[j.indicator] = j.value
		reasons = append(reasons, j.indicator+": "+j.value)
	}

	res.Confidence = snap.Adjust(snap.Weighted(scores), res.MatchingIndicators)
	res.SameProject = res.Confidence >= c.cfg.SameProjectThreshold
	res.Reasoning = strings.Join(reasons, ", ")
	if res.SameProject {
		res.SuggestedName = suggestName(a, b)
	}
	return res
}

type modelResponse struct {
	SameProject          bool               `json:"same_project"`
	Confidence           float64            `json:"confidence"`
	MatchingIndicators   map[string]*string `json:"matching_indicators"`
	SuggestedProjectName *string            `json:"suggested_project_name"`
	Reasoning            *string            `json:"reasoning"`
}

func (c *Comparator) modelResult(ctx context.Context, snap confidence.Snapshot, a, b *domain.EntityRecord, known []domain.EntityRecord, rule *Result) (*Result, error) {
	system, prompt := llm.SimilarityPrompt(a, b, known)
	raw, err := llm.Observe(ctx, c.llm, "similarity", system, prompt, out.CompletionOptions{
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	var resp modelResponse
	if err := llm.SimilaritySchema.Decode(raw, &resp); err != nil {
		return nil, err
	}

	// Rule judgments are facts about the extracted values and win over the
	// model's description of the same signal.
	indicators := make(map[string]string, len(resp.MatchingIndicators)+len(rule.MatchingIndicators))
	for k, v := range resp.MatchingIndicators {
		if v != nil && *v != "" {
			indicators[k] = *v
		}
	}
	for k, v := range rule.MatchingIndicators {
		indicators[k] = v
	}

	res := &Result{
		Confidence:         snap.Adjust(resp.Confidence, indicators),
		MatchingIndicators: indicators,
		Source:             SourceModel,
	}
	res.SameProject = resp.SameProject && res.Confidence >= c.cfg.SameProjectThreshold
	if resp.Reasoning != nil {
		res.Reasoning = *resp.Reasoning
	}
	if res.SameProject {
		if resp.SuggestedProjectName != nil && strings.TrimSpace(*resp.SuggestedProjectName) != "" {
			res.SuggestedName = domain.StringPtr(strings.TrimSpace(*resp.SuggestedProjectName))
		} else {
			res.SuggestedName = suggestName(a, b)
		}
	}
	return res, nil
}

func suggestName(a, b *domain.EntityRecord) *string {
	if n := b.Name(); n != "" {
		return domain.StringPtr(n)
	}
	return domain.StringPtr(a.Name())
}

// Match is the best project found for a record.
type Match struct {
	Project *domain.Project
	Result  *Result
}

// FindMatchingProject compares rec with each project and returns the best
// same-project verdict at or above threshold, or nil.
func (c *Comparator) FindMatchingProject(ctx context.Context, rec *domain.EntityRecord, projects []*domain.Project, threshold float64) (*Match, error) {
	var best *Match
	for _, p := range projects {
		res, err := c.CompareProject(ctx, rec, p, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			logger.WithError(err).WithField("project_id", p.ProjectID).Warn("failed to compare with project")
			continue
		}
		if !res.SameProject || res.Confidence < threshold {
			continue
		}
		if best == nil || res.Confidence > best.Result.Confidence {
			best = &Match{Project: p, Result: res}
		}
	}
	return best, nil
}
