// Package learning records user corrections and mines them for patterns
// that are fed back to matching and extraction as soft hints.
package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	// MinOccurrences is the number of corrections of one type that makes a pattern.
	MinOccurrences int `yaml:"min_occurrences"`
	MaxExamples    int `yaml:"max_examples"`
	SummaryLimit   int `yaml:"summary_limit"`
	AnalyzeLimit   int `yaml:"analyze_limit"`
}

func DefaultConfig() Config {
	return Config{
		MinOccurrences: 3,
		MaxExamples:    3,
		SummaryLimit:   10,
		AnalyzeLimit:   100,
	}
}

type Service struct {
	repo  out.CorrectionRepository
	cache out.PatternCache
	cfg   Config

	loads singleflight.Group
}

// NewService builds the learning service. cache may be nil.
func NewService(repo out.CorrectionRepository, cache out.PatternCache, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.MinOccurrences <= 0 {
		cfg.MinOccurrences = def.MinOccurrences
	}
	if cfg.MaxExamples <= 0 {
		cfg.MaxExamples = def.MaxExamples
	}
	if cfg.SummaryLimit <= 0 {
		cfg.SummaryLimit = def.SummaryLimit
	}
	if cfg.AnalyzeLimit <= 0 {
		cfg.AnalyzeLimit = def.AnalyzeLimit
	}
	return &Service{repo: repo, cache: cache, cfg: cfg}
}

// CorrectionInput is one user correction of a grouping decision.
type CorrectionInput struct {
	UserID    uuid.UUID               `json:"-"`
	Type      domain.CorrectionType   `json:"correction_type"`
	EmailID   *string                 `json:"email_id,omitempty"`
	ProjectID *string                 `json:"project_id,omitempty"`
	Original  domain.GroupingSnapshot `json:"original_result"`
	Corrected domain.GroupingSnapshot `json:"corrected_result"`
	Reason    string                  `json:"reason,omitempty"`
}

// RecordCorrection stores a correction with its learning features.
func (s *Service) RecordCorrection(ctx context.Context, in CorrectionInput) (*domain.Correction, error) {
	if !in.Type.Valid() {
		return nil, apperr.InvalidInput("correction_type", string(in.Type))
	}
	c := &domain.Correction{
		UserID:           in.UserID,
		CorrectionType:   in.Type,
		EmailID:          in.EmailID,
		ProjectID:        in.ProjectID,
		OriginalResult:   in.Original,
		CorrectedResult:  in.Corrected,
		LearningFeatures: Features(in.Original, in.Corrected),
		Reason:           in.Reason,
		CreatedAt:        time.Now(),
	}
	if err := s.repo.CreateCorrection(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store correction: %w", err)
	}
	logger.WithContext(ctx).WithFields(map[string]any{
		"correction_id": c.ID,
		"type":          c.CorrectionType,
	}).Info("correction recorded")
	return c, nil
}

// FeedbackInput is a user rating of a model decision.
type FeedbackInput struct {
	UserID       uuid.UUID `json:"-"`
	CorrectionID *int64    `json:"correction_id,omitempty"`
	EmailID      *string   `json:"email_id,omitempty"`
	FeedbackType string    `json:"feedback_type"`
	Rating       int       `json:"rating"`
	Comments     string    `json:"comments,omitempty"`
}

// SubmitFeedback stores a rating between 1 and 5.
func (s *Service) SubmitFeedback(ctx context.Context, in FeedbackInput) (*domain.ModelFeedback, error) {
	if strings.TrimSpace(in.FeedbackType) == "" {
		return nil, apperr.MissingField("feedback_type")
	}
	if in.Rating < 1 || in.Rating > 5 {
		return nil, apperr.InvalidInput("rating", "must be between 1 and 5")
	}
	if in.CorrectionID != nil {
		if _, err := s.repo.GetCorrection(ctx, in.UserID, *in.CorrectionID); err != nil {
			return nil, apperr.NotFound(fmt.Sprintf("correction %d", *in.CorrectionID))
		}
	}
	f := &domain.ModelFeedback{
		UserID:       in.UserID,
		CorrectionID: in.CorrectionID,
		EmailID:      in.EmailID,
		FeedbackType: strings.TrimSpace(in.FeedbackType),
		Rating:       in.Rating,
		Comments:     in.Comments,
	}
	if err := s.repo.CreateFeedback(ctx, f); err != nil {
		return nil, fmt.Errorf("failed to store feedback: %w", err)
	}
	return f, nil
}

// AnalyzeCorrections summarizes the newest unprocessed corrections and
// surfaces every correction type seen at least MinOccurrences times.
func (s *Service) AnalyzeCorrections(ctx context.Context, userID uuid.UUID, limit int) (*domain.CorrectionAnalysis, error) {
	if limit <= 0 {
		limit = s.cfg.AnalyzeLimit
	}
	corrections, err := s.repo.ListUnprocessed(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list corrections: %w", err)
	}
	return s.analyze(userID, corrections), nil
}

func (s *Service) analyze(userID uuid.UUID, corrections []*domain.Correction) *domain.CorrectionAnalysis {
	a := &domain.CorrectionAnalysis{
		TotalCorrections: len(corrections),
		CorrectionTypes:  make(map[domain.CorrectionType]int),
		NameVariations:   []domain.NameVariation{},
		AddressPatterns:  []domain.FieldDiff{},
		Patterns:         []domain.LearningPattern{},
	}

	var types []domain.CorrectionType
	byType := make(map[domain.CorrectionType][]*domain.Correction)
	for _, c := range corrections {
		a.CorrectionIDs = append(a.CorrectionIDs, c.ID)
		if _, ok := byType[c.CorrectionType]; !ok {
			types = append(types, c.CorrectionType)
		}
		byType[c.CorrectionType] = append(byType[c.CorrectionType], c)
		a.CorrectionTypes[c.CorrectionType]++

		f := c.LearningFeatures
		if f.OriginalProjectName != "" && f.CorrectedProjectName != "" && len(a.NameVariations) < s.cfg.SummaryLimit {
			a.NameVariations = append(a.NameVariations, domain.NameVariation{
				Original:  f.OriginalProjectName,
				Corrected: f.CorrectedProjectName,
			})
		}
		if f.OriginalAddress != "" && f.CorrectedAddress != "" && len(a.AddressPatterns) < s.cfg.SummaryLimit {
			a.AddressPatterns = append(a.AddressPatterns, domain.FieldDiff{
				Original:  f.OriginalAddress,
				Corrected: f.CorrectedAddress,
			})
		}
	}

	for _, t := range types {
		list := byType[t]
		if len(list) < s.cfg.MinOccurrences {
			continue
		}
		p := domain.LearningPattern{
			UserID:      userID,
			PatternType: domain.PatternCorrectionType,
			Key:         string(t),
			Occurrences: len(list),
			Confidence:  s.patternConfidence(len(list)),
			IsActive:    true,
		}
		for _, c := range list {
			if len(p.Examples) == s.cfg.MaxExamples {
				break
			}
			p.Examples = append(p.Examples, domain.FieldDiff{
				Original:  nullable(c.OriginalResult.ProjectName),
				Corrected: nullable(c.CorrectedResult.ProjectName),
			})
		}
		a.Patterns = append(a.Patterns, p)
	}
	return a
}

// patternConfidence grows with occurrences and reaches 1 at three times the minimum.
func (s *Service) patternConfidence(n int) float64 {
	c := float64(n) / float64(3*s.cfg.MinOccurrences)
	if c > 1 {
		return 1
	}
	return c
}

// Learn analyzes unprocessed corrections, persists the mined patterns and
// name variations, and marks the analyzed corrections processed.
func (s *Service) Learn(ctx context.Context, userID uuid.UUID, limit int) (*domain.CorrectionAnalysis, error) {
	if limit <= 0 {
		limit = s.cfg.AnalyzeLimit
	}
	corrections, err := s.repo.ListUnprocessed(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list corrections: %w", err)
	}
	a := s.analyze(userID, corrections)
	if len(corrections) == 0 {
		return a, nil
	}

	existing, err := s.repo.ListPatterns(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	known := make(map[string]*domain.LearningPattern, len(existing))
	for _, p := range existing {
		known[string(p.PatternType)+"|"+p.Key] = p
	}

	for i := range a.Patterns {
		p := a.Patterns[i]
		if cur := known[string(p.PatternType)+"|"+p.Key]; cur != nil {
			p.Occurrences += cur.Occurrences
			p.Confidence = s.patternConfidence(p.Occurrences)
			p.UsageCount = cur.UsageCount
		}
		if err := s.repo.UpsertPattern(ctx, &p); err != nil {
			return nil, fmt.Errorf("failed to store pattern: %w", err)
		}
	}
	for _, p := range nameVariationPatterns(userID, corrections) {
		if cur := known[string(p.PatternType)+"|"+p.Key]; cur != nil {
			p.Occurrences += cur.Occurrences
			p.Variations = mergeVariations(cur.Variations, p.Variations)
			p.UsageCount = cur.UsageCount
		}
		p.Confidence = s.patternConfidence(p.Occurrences)
		if err := s.repo.UpsertPattern(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to store name variation: %w", err)
		}
	}

	if _, err := s.MarkProcessed(ctx, userID, a.CorrectionIDs); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, userID); err != nil {
			logger.WithError(err).WithField("user_id", userID).Warn("failed to invalidate pattern cache")
		}
	}

	logger.WithContext(ctx).WithFields(map[string]any{
		"user_id":     userID,
		"corrections": len(corrections),
		"patterns":    len(a.Patterns),
	}).Info("corrections learned")
	return a, nil
}

// nameVariationPatterns groups renames by the corrected name.
func nameVariationPatterns(userID uuid.UUID, corrections []*domain.Correction) []*domain.LearningPattern {
	var order []string
	byKey := make(map[string]*domain.LearningPattern)
	for _, c := range corrections {
		f := c.LearningFeatures
		orig, corr := strings.TrimSpace(f.OriginalProjectName), strings.TrimSpace(f.CorrectedProjectName)
		if orig == "" || corr == "" || domain.Normalize(orig) == domain.Normalize(corr) {
			continue
		}
		key := domain.Normalize(corr)
		p, ok := byKey[key]
		if !ok {
			p = &domain.LearningPattern{
				UserID:      userID,
				PatternType: domain.PatternNameVariation,
				Key:         corr,
				IsActive:    true,
			}
			byKey[key] = p
			order = append(order, key)
		}
		p.Occurrences++
		p.Variations = mergeVariations(p.Variations, []string{orig})
		p.Examples = append(p.Examples, domain.FieldDiff{Original: orig, Corrected: corr})
		if len(p.Examples) > 3 {
			p.Examples = p.Examples[:3]
		}
	}
	out := make([]*domain.LearningPattern, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func mergeVariations(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if n := domain.Normalize(v); n != "" && !seen[n] {
				seen[n] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// MarkProcessed marks corrections processed. Ids already processed are skipped.
func (s *Service) MarkProcessed(ctx context.Context, userID uuid.UUID, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := s.repo.MarkProcessed(ctx, userID, ids, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to mark corrections processed: %w", err)
	}
	return n, nil
}

// Patterns returns the user's active patterns, served from the cache when
// possible. Concurrent misses share one repository load.
func (s *Service) Patterns(ctx context.Context, userID uuid.UUID) ([]*domain.LearningPattern, error) {
	if s.cache != nil {
		patterns, ok, err := s.cache.GetPatterns(ctx, userID)
		if err != nil {
			logger.WithError(err).WithField("user_id", userID).Warn("pattern cache read failed")
		} else if ok {
			return patterns, nil
		}
	}

	v, err, _ := s.loads.Do(userID.String(), func() (interface{}, error) {
		patterns, err := s.repo.ListPatterns(ctx, userID, "")
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.SetPatterns(ctx, userID, patterns); err != nil {
				logger.WithError(err).WithField("user_id", userID).Warn("pattern cache write failed")
			}
		}
		return patterns, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}
	return v.([]*domain.LearningPattern), nil
}

// NameVariations returns learned renames as original/corrected pairs. The
// project matcher treats them as partial name matches.
func (s *Service) NameVariations(ctx context.Context, userID uuid.UUID) ([]domain.NameVariation, error) {
	patterns, err := s.Patterns(ctx, userID)
	if err != nil {
		return nil, err
	}
	var vars []domain.NameVariation
	for _, p := range patterns {
		if p.PatternType != domain.PatternNameVariation || !p.IsActive {
			continue
		}
		for _, v := range p.Variations {
			vars = append(vars, domain.NameVariation{Original: v, Corrected: p.Key})
		}
	}
	return vars, nil
}

// NameHints renders learned renames for the extraction prompt, most
// frequent first.
func (s *Service) NameHints(ctx context.Context, userID uuid.UUID) ([]string, error) {
	patterns, err := s.Patterns(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]*domain.LearningPattern, 0, len(patterns))
	for _, p := range patterns {
		if p.PatternType == domain.PatternNameVariation && p.IsActive {
			names = append(names, p)
		}
	}
	sort.SliceStable(names, func(i, j int) bool { return names[i].Occurrences > names[j].Occurrences })

	var hints []string
	for _, p := range names {
		for _, v := range p.Variations {
			hints = append(hints, fmt.Sprintf("%q means %q", v, p.Key))
		}
	}
	return hints, nil
}
