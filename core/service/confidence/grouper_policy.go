package confidence

import (
	"sync"

	"grouper_server/core/domain"
)

// Level is the categorical confidence bucket.
type Level string

const (
	LevelHigh       Level = "high"
	LevelMediumHigh Level = "medium_high"
	LevelMedium     Level = "medium"
	LevelLowMedium  Level = "low_medium"
	LevelLow        Level = "low"
)

// Tuning holds the static scoring knobs set at startup.
type Tuning struct {
	Weights       Weights
	UnknownWeight float64
	Adjustments   Adjustments
}

// DefaultTuning returns stock weights and nudges.
func DefaultTuning() Tuning {
	return Tuning{
		Weights:       DefaultWeights(),
		UnknownWeight: DefaultUnknownWeight,
		Adjustments:   DefaultAdjustments(),
	}
}

// Snapshot is an immutable view of the policy used for one decision.
type Snapshot struct {
	Thresholds domain.Thresholds
	tuning     Tuning
}

// NewSnapshot builds a snapshot directly, mostly for tests and one-off evaluation.
func NewSnapshot(t domain.Thresholds, tuning Tuning) Snapshot {
	return Snapshot{Thresholds: t, tuning: tuning}
}

func (s Snapshot) CanAutoGroup(c float64) bool      { return c >= s.Thresholds.AutoGrouping }
func (s Snapshot) IsHighConfidence(c float64) bool  { return c >= s.Thresholds.HighConfidence }
func (s Snapshot) IsLowConfidence(c float64) bool   { return c < s.Thresholds.LowConfidence }
func (s Snapshot) NeedsManualReview(c float64) bool { return c < s.Thresholds.ManualReview }
func (s Snapshot) CanCreateProject(c float64) bool  { return c >= s.Thresholds.ProjectCreation }

// Level buckets c against the thresholds.
func (s Snapshot) Level(c float64) Level {
	t := s.Thresholds
	switch {
	case c >= t.HighConfidence:
		return LevelHigh
	case c >= t.AutoGrouping:
		return LevelMediumHigh
	case c >= t.ManualReview:
		return LevelMedium
	case c >= t.LowConfidence:
		return LevelLowMedium
	default:
		return LevelLow
	}
}

// Decision is the full decision surface for one confidence value.
type Decision struct {
	Confidence        float64 `json:"confidence"`
	CanAutoGroup      bool    `json:"can_auto_group"`
	IsHighConfidence  bool    `json:"is_high_confidence"`
	IsLowConfidence   bool    `json:"is_low_confidence"`
	NeedsManualReview bool    `json:"needs_manual_review"`
	CanCreateProject  bool    `json:"can_create_project"`
	Level             Level   `json:"confidence_level"`
}

// Evaluate derives every decision for c.
func (s Snapshot) Evaluate(c float64) Decision {
	return Decision{
		Confidence:        c,
		CanAutoGroup:      s.CanAutoGroup(c),
		IsHighConfidence:  s.IsHighConfidence(c),
		IsLowConfidence:   s.IsLowConfidence(c),
		NeedsManualReview: s.NeedsManualReview(c),
		CanCreateProject:  s.CanCreateProject(c),
		Level:             s.Level(c),
	}
}

// Weighted combines signal scores with the snapshot's weights.
func (s Snapshot) Weighted(scores map[string]float64) float64 {
	return WeightedConfidence(scores, s.tuning.Weights, s.tuning.UnknownWeight)
}

// Adjust applies indicator nudges with the snapshot's adjustments.
func (s Snapshot) Adjust(base float64, indicators map[string]string) float64 {
	return AdjustForIndicators(base, indicators, s.tuning.Adjustments)
}

// Policy owns the process-wide threshold table. Readers take a Snapshot and
// use it for a whole decision; updates only affect later snapshots.
type Policy struct {
	mu         sync.RWMutex
	thresholds domain.Thresholds
	tuning     Tuning
}

// NewPolicy creates a policy. Zero-valued tuning fields fall back to defaults.
func NewPolicy(t domain.Thresholds, tuning Tuning) (*Policy, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	def := DefaultTuning()
	if len(tuning.Weights) == 0 {
		tuning.Weights = def.Weights
	}
	if tuning.UnknownWeight == 0 {
		tuning.UnknownWeight = def.UnknownWeight
	}
	if tuning.Adjustments == (Adjustments{}) {
		tuning.Adjustments = def.Adjustments
	}
	return &Policy{thresholds: t, tuning: tuning}, nil
}

// NewDefaultPolicy creates a policy with stock thresholds and tuning.
func NewDefaultPolicy() *Policy {
	p, _ := NewPolicy(domain.DefaultThresholds(), DefaultTuning())
	return p
}

// Snapshot returns a consistent view of the current table.
func (p *Policy) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{Thresholds: p.thresholds, tuning: p.tuning}
}

// Thresholds returns the current table.
func (p *Policy) Thresholds() domain.Thresholds {
	return p.Snapshot().Thresholds
}

// Update applies a partial update after validation and returns the new table.
func (p *Policy) Update(u domain.ThresholdUpdate) (domain.Thresholds, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := u.Apply(p.thresholds)
	if err := next.Validate(); err != nil {
		return p.thresholds, err
	}
	p.thresholds = next
	return next, nil
}

// Replace swaps the whole table, used when reloading from the shared store.
func (p *Policy) Replace(t domain.Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.thresholds = t
	p.mu.Unlock()
	return nil
}
