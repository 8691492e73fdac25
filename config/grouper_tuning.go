package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"grouper_server/core/domain"
	"grouper_server/core/service/confidence"
	"grouper_server/core/service/learning"
	"grouper_server/core/service/scan"
	"grouper_server/core/service/similarity"

	"gopkg.in/yaml.v3"
)

// Tuning holds the optional YAML overrides for scoring and thresholds.
// Absent keys keep their defaults.
type Tuning struct {
	Thresholds    ThresholdOverrides `yaml:"thresholds"`
	Weights       map[string]float64 `yaml:"weights"`
	UnknownWeight *float64           `yaml:"unknown_weight"`
	Adjustments   AdjustOverrides    `yaml:"adjustments"`
	Similarity    similarity.Config  `yaml:"similarity"`
	Learning      learning.Config    `yaml:"learning"`
	Scan          scan.Config        `yaml:"scan"`
}

type ThresholdOverrides struct {
	AutoGrouping    *float64 `yaml:"auto_grouping"`
	HighConfidence  *float64 `yaml:"high_confidence"`
	LowConfidence   *float64 `yaml:"low_confidence"`
	ManualReview    *float64 `yaml:"manual_review"`
	ProjectCreation *float64 `yaml:"project_creation"`
}

type AdjustOverrides struct {
	SameAddress      *float64 `yaml:"same_address"`
	SameJobNumber    *float64 `yaml:"same_job_number"`
	SameProjectName  *float64 `yaml:"same_project_name"`
	DifferentAddress *float64 `yaml:"different_address"`
	DifferentClient  *float64 `yaml:"different_client"`
}

// LoadTuning reads the tuning file at path. A missing file yields empty
// overrides.
func LoadTuning(path string) (*Tuning, error) {
	t := &Tuning{}
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse tuning file %s: %w", path, err)
	}
	return t, nil
}

// Thresholds returns the env table with the file's overrides applied.
func (c *Config) Thresholds(t *Tuning) domain.Thresholds {
	base := domain.Thresholds{
		AutoGrouping:    c.AutoGroupingThreshold,
		HighConfidence:  c.HighConfidenceThreshold,
		LowConfidence:   c.LowConfidenceThreshold,
		ManualReview:    c.ManualReviewThreshold,
		ProjectCreation: c.ProjectCreationThreshold,
	}
	if t == nil {
		return base
	}
	return domain.ThresholdUpdate{
		AutoGrouping:    t.Thresholds.AutoGrouping,
		HighConfidence:  t.Thresholds.HighConfidence,
		LowConfidence:   t.Thresholds.LowConfidence,
		ManualReview:    t.Thresholds.ManualReview,
		ProjectCreation: t.Thresholds.ProjectCreation,
	}.Apply(base)
}

// ConfidenceTuning merges the file's weights and nudges over the defaults.
func (t *Tuning) ConfidenceTuning() confidence.Tuning {
	out := confidence.DefaultTuning()
	if t == nil {
		return out
	}
	for signal, w := range t.Weights {
		out.Weights[signal] = w
	}
	if t.UnknownWeight != nil {
		out.UnknownWeight = *t.UnknownWeight
	}
	a := &out.Adjustments
	setIf(&a.SameAddress, t.Adjustments.SameAddress)
	setIf(&a.SameJobNumber, t.Adjustments.SameJobNumber)
	setIf(&a.SameProjectName, t.Adjustments.SameProjectName)
	setIf(&a.DifferentAddress, t.Adjustments.DifferentAddress)
	setIf(&a.DifferentClient, t.Adjustments.DifferentClient)
	return out
}

func setIf(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
