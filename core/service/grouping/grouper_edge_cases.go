package grouping

import (
	"fmt"

	"grouper_server/core/domain"
	"grouper_server/core/service/confidence"
	"grouper_server/pkg/metrics"
)

// lowConfidenceCutoff marks groups as ambiguous.
const lowConfidenceCutoff = 0.5

// HandleEdgeCases splits groups whose members name more than one project and
// flags low-confidence groups for review. Address groups are never split: a
// shared address outranks disagreeing names.
func HandleEdgeCases(groups []domain.ProjectGroup, t domain.Thresholds) []domain.ProjectGroup {
	refined := make([]domain.ProjectGroup, 0, len(groups))
	for _, g := range groups {
		if splittable(&g) && distinctNames(g.Members) > 1 {
			refined = append(refined, splitByName(g)...)
			continue
		}
		refined = append(refined, g)
	}

	for i := range refined {
		g := &refined[i]
		if g.Confidence < lowConfidenceCutoff {
			g.AddFlag(domain.FlagLowConfidence)
			g.NeedsReview = true
		}
	}
	confidence.FlagLowConfidence(refined, t)

	for i := range refined {
		for _, f := range refined[i].Flags {
			metrics.GroupsFlagged.WithLabelValues(f).Inc()
		}
	}
	return refined
}

func splittable(g *domain.ProjectGroup) bool {
	for _, ind := range g.KeyIndicators {
		if ind == domain.IndicatorAddress {
			return false
		}
	}
	return len(g.Members) > 1
}

func distinctNames(members []domain.EntityRecord) int {
	names := make(map[string]bool)
	for i := range members {
		if n := members[i].NormalizedName(); n != "" {
			names[n] = true
		}
	}
	return len(names)
}

// splitByName partitions g by normalized project name, keeping the group's
// confidence and indicators. Members without a name form their own part.
func splitByName(g domain.ProjectGroup) []domain.ProjectGroup {
	var order []string
	parts := make(map[string][]domain.EntityRecord)
	for _, m := range g.Members {
		n := m.NormalizedName()
		if _, ok := parts[n]; !ok {
			order = append(order, n)
		}
		parts[n] = append(parts[n], m)
	}

	out := make([]domain.ProjectGroup, 0, len(order))
	for i, n := range order {
		part := newGroup(parts[n], g.Confidence, g.KeyIndicators[0], "")
		part.KeyIndicators = append([]string(nil), g.KeyIndicators...)
		if g.JobNumber != "" && sharesJob(parts[n], g.JobNumber) {
			part.JobNumber = g.JobNumber
		}
		part.GroupID = g.GroupID
		if len(order) > 1 {
			part.GroupID = fmt.Sprintf("%s_%d", g.GroupID, i+1)
		}
		part.Flags = append([]string(nil), g.Flags...)
		part.AddFlag(domain.FlagSplit)
		part.NeedsReview = true
		out = append(out, part)
	}
	return out
}

func sharesJob(members []domain.EntityRecord, job string) bool {
	want := domain.Normalize(job)
	for i := range members {
		for _, j := range members[i].NormalizedJobNumbers() {
			if j == want {
				return true
			}
		}
	}
	return false
}
