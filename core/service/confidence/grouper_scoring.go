// Package confidence turns signal scores into grouping decisions.
package confidence

import (
	"strings"

	"grouper_server/core/domain"
)

// Signal names used for weighting.
const (
	SignalAddress     = "address"
	SignalJobNumber   = "job_number"
	SignalProjectName = "project_name"
	SignalClient      = "client_match"
)

// Indicator keys and values reported by comparators.
const (
	IndicatorAddress     = "address_match"
	IndicatorJobNumber   = "job_number_match"
	IndicatorProjectName = "project_name_match"
	IndicatorClient      = "client_match"
	IndicatorContent     = "content_similarity"

	ValueSame      = "same"
	ValueDifferent = "different"
	ValuePartial   = "partial"
)

// Weights maps signal names to their weight in the weighted average.
type Weights map[string]float64

// DefaultWeights returns address 0.4, job_number 0.3, project_name 0.2, client_match 0.1.
func DefaultWeights() Weights {
	return Weights{
		SignalAddress:     0.4,
		SignalJobNumber:   0.3,
		SignalProjectName: 0.2,
		SignalClient:      0.1,
	}
}

// DefaultUnknownWeight applies to signals missing from the weight table.
const DefaultUnknownWeight = 0.1

// Adjustments are the directional nudges applied per indicator.
type Adjustments struct {
	SameAddress      float64
	SameJobNumber    float64
	SameProjectName  float64
	DifferentAddress float64
	DifferentClient  float64
}

// DefaultAdjustments returns the stock nudges.
func DefaultAdjustments() Adjustments {
	return Adjustments{
		SameAddress:      0.15,
		SameJobNumber:    0.10,
		SameProjectName:  0.05,
		DifferentAddress: -0.20,
		DifferentClient:  -0.10,
	}
}

// WeightedConfidence averages present signals by weight, renormalizing over
// the signals present. No signals yields 0.
func WeightedConfidence(scores map[string]float64, weights Weights, unknownWeight float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum, total float64
	for signal, score := range scores {
		w, ok := weights[signal]
		if !ok {
			w = unknownWeight
		}
		sum += score * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return Clamp(sum / total)
}

// CombineMethod selects how Combine merges scores.
type CombineMethod string

const (
	CombineAverage  CombineMethod = "average"
	CombineMax      CombineMethod = "max"
	CombineMin      CombineMethod = "min"
	CombineWeighted CombineMethod = "weighted"
)

// Combine merges several scores. The weighted method gives later scores
// linearly larger weights. Unknown methods average.
func Combine(scores []float64, method CombineMethod) float64 {
	if len(scores) == 0 {
		return 0
	}
	switch method {
	case CombineMax:
		best := scores[0]
		for _, s := range scores[1:] {
			if s > best {
				best = s
			}
		}
		return best
	case CombineMin:
		worst := scores[0]
		for _, s := range scores[1:] {
			if s < worst {
				worst = s
			}
		}
		return worst
	case CombineWeighted:
		var sum, total float64
		for i, s := range scores {
			w := float64(i + 1)
			sum += s * w
			total += w
		}
		return sum / total
	default:
		var sum float64
		for _, s := range scores {
			sum += s
		}
		return sum / float64(len(scores))
	}
}

// AdjustForIndicators nudges base by the qualitative indicators and clamps to [0,1].
func AdjustForIndicators(base float64, indicators map[string]string, adj Adjustments) float64 {
	delta := 0.0
	has := func(key, want string) bool {
		return strings.Contains(strings.ToLower(indicators[key]), want)
	}

	if has(IndicatorAddress, ValueSame) {
		delta += adj.SameAddress
	}
	if has(IndicatorJobNumber, ValueSame) {
		delta += adj.SameJobNumber
	}
	if has(IndicatorProjectName, ValueSame) {
		delta += adj.SameProjectName
	}
	if has(IndicatorAddress, ValueDifferent) {
		delta += adj.DifferentAddress
	}
	if has(IndicatorClient, ValueDifferent) {
		delta += adj.DifferentClient
	}
	return Clamp(base + delta)
}

// Clamp bounds v to [0,1].
func Clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FlagLowConfidence marks groups below manual_review for review, and adds
// a second flag below low_confidence. Existing review flags are never cleared.
func FlagLowConfidence(groups []domain.ProjectGroup, t domain.Thresholds) {
	for i := range groups {
		g := &groups[i]
		if g.Confidence < t.ManualReview {
			g.AddFlag(domain.FlagLowConfidence)
			g.NeedsReview = true
		}
		if g.Confidence < t.LowConfidence {
			g.AddFlag(domain.FlagVeryLowConfidence)
		}
	}
}
