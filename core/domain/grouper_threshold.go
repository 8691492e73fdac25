package domain

import "fmt"

// Thresholds is the named cutoff table driving confidence decisions.
type Thresholds struct {
	AutoGrouping    float64 `json:"auto_grouping" yaml:"auto_grouping"`
	HighConfidence  float64 `json:"high_confidence" yaml:"high_confidence"`
	LowConfidence   float64 `json:"low_confidence" yaml:"low_confidence"`
	ManualReview    float64 `json:"manual_review" yaml:"manual_review"`
	ProjectCreation float64 `json:"project_creation" yaml:"project_creation"`
}

// DefaultThresholds returns the stock cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoGrouping:    0.8,
		HighConfidence:  0.9,
		LowConfidence:   0.5,
		ManualReview:    0.6,
		ProjectCreation: 0.7,
	}
}

// Validate checks ranges and ordering between cutoffs.
func (t Thresholds) Validate() error {
	named := []struct {
		name  string
		value float64
	}{
		{"auto_grouping", t.AutoGrouping},
		{"high_confidence", t.HighConfidence},
		{"low_confidence", t.LowConfidence},
		{"manual_review", t.ManualReview},
		{"project_creation", t.ProjectCreation},
	}
	for _, n := range named {
		if n.value < 0 || n.value > 1 {
			return fmt.Errorf("%s must be within [0,1], got %.2f", n.name, n.value)
		}
	}
	if t.LowConfidence > t.ManualReview {
		return fmt.Errorf("low_confidence (%.2f) must not exceed manual_review (%.2f)", t.LowConfidence, t.ManualReview)
	}
	if t.AutoGrouping > t.HighConfidence {
		return fmt.Errorf("auto_grouping (%.2f) must not exceed high_confidence (%.2f)", t.AutoGrouping, t.HighConfidence)
	}
	return nil
}

// ThresholdUpdate is a partial update; nil fields keep their current value.
type ThresholdUpdate struct {
	AutoGrouping    *float64 `json:"auto_grouping,omitempty"`
	HighConfidence  *float64 `json:"high_confidence,omitempty"`
	LowConfidence   *float64 `json:"low_confidence,omitempty"`
	ManualReview    *float64 `json:"manual_review,omitempty"`
	ProjectCreation *float64 `json:"project_creation,omitempty"`
}

// Apply returns t with the non-nil fields of u applied.
func (u ThresholdUpdate) Apply(t Thresholds) Thresholds {
	if u.AutoGrouping != nil {
		t.AutoGrouping = *u.AutoGrouping
	}
	if u.HighConfidence != nil {
		t.HighConfidence = *u.HighConfidence
	}
	if u.LowConfidence != nil {
		t.LowConfidence = *u.LowConfidence
	}
	if u.ManualReview != nil {
		t.ManualReview = *u.ManualReview
	}
	if u.ProjectCreation != nil {
		t.ProjectCreation = *u.ProjectCreation
	}
	return t
}
