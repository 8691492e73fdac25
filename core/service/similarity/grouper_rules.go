package similarity

import (
	"strings"

	"grouper_server/core/domain"
	"grouper_server/core/service/confidence"
)

const (
	partialScore       = 0.7
	nameOverlapMinimum = 0.5
)

// judgment is one per-signal verdict from the rule stage.
type judgment struct {
	signal    string
	indicator string
	value     string
	score     float64
}

// ruleJudgments compares the deterministic signals of two records. Signals
// absent from either side produce no judgment. altNames are extra names the
// second side is known by (project aliases, learned variations).
func ruleJudgments(a, b *domain.EntityRecord, altNames []string) []judgment {
	var out []judgment

	if j, ok := compareAddress(a.NormalizedAddress(), b.NormalizedAddress()); ok {
		out = append(out, j)
	}
	if j, ok := compareJobNumbers(a.NormalizedJobNumbers(), b.NormalizedJobNumbers()); ok {
		out = append(out, j)
	}
	names := append([]string{b.NormalizedName()}, domain.NormalizeSet(altNames)...)
	if j, ok := compareNames(a.NormalizedName(), names); ok {
		out = append(out, j)
	}
	if j, ok := compareClient(a, b); ok {
		out = append(out, j)
	}
	if j, ok := compareKeywords(domain.NormalizeSet(a.Keywords), domain.NormalizeSet(b.Keywords)); ok {
		out = append(out, j)
	}
	return out
}

func compareAddress(a, b string) (judgment, bool) {
	if a == "" || b == "" {
		return judgment{}, false
	}
	j := judgment{signal: confidence.SignalAddress, indicator: confidence.IndicatorAddress}
	switch {
	case a == b:
		j.value, j.score = confidence.ValueSame, 1
	case strings.Contains(a, b) || strings.Contains(b, a):
		j.value, j.score = confidence.ValuePartial, partialScore
	default:
		j.value, j.score = confidence.ValueDifferent, 0
	}
	return j, true
}

func compareJobNumbers(a, b []string) (judgment, bool) {
	if len(a) == 0 || len(b) == 0 {
		return judgment{}, false
	}
	j := judgment{signal: confidence.SignalJobNumber, indicator: confidence.IndicatorJobNumber}
	if intersects(a, b) {
		j.value, j.score = confidence.ValueSame, 1
	} else {
		j.value, j.score = confidence.ValueDifferent, 0
	}
	return j, true
}

func compareNames(a string, names []string) (judgment, bool) {
	if a == "" {
		return judgment{}, false
	}
	j := judgment{signal: confidence.SignalProjectName, indicator: confidence.IndicatorProjectName}
	found := false
	best := 0.0
	for _, n := range names {
		if n == "" {
			continue
		}
		found = true
		switch {
		case n == a:
			j.value, j.score = confidence.ValueSame, 1
			return j, true
		case strings.Contains(a, n) || strings.Contains(n, a):
			best = max(best, partialScore)
		default:
			if overlap := tokenOverlap(a, n); overlap >= nameOverlapMinimum {
				best = max(best, overlap*partialScore)
			}
		}
	}
	if !found {
		return judgment{}, false
	}
	if best > 0 {
		j.value, j.score = confidence.ValuePartial, best
	} else {
		j.value, j.score = confidence.ValueDifferent, 0
	}
	return j, true
}

func compareClient(a, b *domain.EntityRecord) (judgment, bool) {
	j := judgment{signal: confidence.SignalClient, indicator: confidence.IndicatorClient}
	if ea, eb := a.ClientEmail(), b.ClientEmail(); ea != "" && eb != "" {
		if ea == eb {
			j.value, j.score = confidence.ValueSame, 1
		} else {
			j.value, j.score = confidence.ValueDifferent, 0
		}
		return j, true
	}
	na, nb := clientName(a), clientName(b)
	if na == "" || nb == "" {
		return judgment{}, false
	}
	if na == nb {
		j.value, j.score = confidence.ValueSame, 1
	} else {
		j.value, j.score = confidence.ValueDifferent, 0
	}
	return j, true
}

func compareKeywords(a, b []string) (judgment, bool) {
	if len(a) == 0 || len(b) == 0 {
		return judgment{}, false
	}
	overlap := jaccard(a, b)
	j := judgment{signal: confidence.IndicatorContent, indicator: confidence.IndicatorContent, score: overlap}
	switch {
	case overlap == 1:
		j.value = confidence.ValueSame
	case overlap > 0:
		j.value = confidence.ValuePartial
	default:
		j.value = confidence.ValueDifferent
	}
	return j, true
}

func clientName(r *domain.EntityRecord) string {
	if r.ClientInfo == nil {
		return ""
	}
	return domain.Normalize(r.ClientInfo.Name)
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

func jaccard(a, b []string) float64 {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	inter := 0
	union := len(set)
	for _, v := range b {
		if set[v] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenOverlap(a, b string) float64 {
	return jaccard(domain.NormalizeSet(strings.Fields(a)), domain.NormalizeSet(strings.Fields(b)))
}
