package grouping

import (
	"fmt"
	"strings"

	"grouper_server/core/domain"
)

// Pass confidences, strongest identifier first.
const (
	addressConfidence   = 0.9
	jobNumberConfidence = 0.8
	nameConfidence      = 0.7

	// defaultSingleConfidence applies to singletons whose extraction carried
	// no confidence. A zero confidence counts as unset.
	defaultSingleConfidence = 0.5
)

// builder runs the three grouping passes over one batch. A record consumed by
// an earlier pass is invisible to later ones.
type builder struct {
	records  []domain.EntityRecord
	consumed []bool
	groups   []domain.ProjectGroup
}

// PriorityGroups clusters records by shared address, then job number, then
// project name. Passes run strictly in that order; records left over become
// singleton groups at their extraction confidence.
func PriorityGroups(records []domain.EntityRecord) []domain.ProjectGroup {
	b := &builder{
		records:  records,
		consumed: make([]bool, len(records)),
	}
	b.pass(func(r *domain.EntityRecord) []string {
		if addr := r.NormalizedAddress(); addr != "" {
			return []string{addr}
		}
		return nil
	}, addressConfidence, domain.IndicatorAddress)
	b.pass(func(r *domain.EntityRecord) []string {
		return r.NormalizedJobNumbers()
	}, jobNumberConfidence, domain.IndicatorJobNumber)
	b.pass(func(r *domain.EntityRecord) []string {
		if name := r.NormalizedName(); name != "" {
			return []string{name}
		}
		return nil
	}, nameConfidence, domain.IndicatorProjectName)

	for i := range b.records {
		if b.consumed[i] {
			continue
		}
		conf := b.records[i].Confidence
		if conf <= 0 {
			conf = defaultSingleConfidence
		}
		b.consumed[i] = true
		b.groups = append(b.groups, b.group([]int{i}, conf, domain.IndicatorSingle, ""))
	}
	return b.groups
}

func (b *builder) pass(keys func(*domain.EntityRecord) []string, conf float64, indicator string) {
	var order []string
	buckets := make(map[string][]int)
	for i := range b.records {
		if b.consumed[i] {
			continue
		}
		for _, k := range keys(&b.records[i]) {
			if _, ok := buckets[k]; !ok {
				order = append(order, k)
			}
			buckets[k] = append(buckets[k], i)
		}
	}

	for _, k := range order {
		var members []int
		for _, i := range buckets[k] {
			if !b.consumed[i] {
				members = append(members, i)
			}
		}
		if len(members) < 2 {
			continue
		}
		for _, i := range members {
			b.consumed[i] = true
		}
		b.groups = append(b.groups, b.group(members, conf, indicator, k))
	}
}

func (b *builder) group(idx []int, conf float64, indicator, key string) domain.ProjectGroup {
	members := make([]domain.EntityRecord, len(idx))
	for i, j := range idx {
		members[i] = b.records[j]
	}
	job := ""
	if indicator == domain.IndicatorJobNumber {
		job = originalJob(members, key)
	}
	g := newGroup(members, conf, indicator, job)
	g.GroupID = fmt.Sprintf("group_%d", len(b.groups)+1)
	return g
}

// originalJob returns the first member's spelling of the shared job number.
func originalJob(members []domain.EntityRecord, key string) string {
	for i := range members {
		for _, j := range members[i].JobNumbers {
			if domain.Normalize(j) == key {
				return strings.TrimSpace(j)
			}
		}
	}
	return key
}

// newGroup aggregates members into a group with representative fields. job,
// when set, is the group's shared job number.
func newGroup(members []domain.EntityRecord, conf float64, indicator, job string) domain.ProjectGroup {
	g := domain.ProjectGroup{
		JobNumber:     job,
		Confidence:    conf,
		KeyIndicators: []string{indicator},
		Members:       members,
	}
	seenThread := make(map[string]bool)
	seenSender := make(map[string]bool)
	g.Senders = []string{}
	for i := range members {
		m := &members[i]
		g.EmailIDs = append(g.EmailIDs, m.EmailID)
		if m.ThreadID != "" && !seenThread[m.ThreadID] {
			seenThread[m.ThreadID] = true
			g.ThreadIDs = append(g.ThreadIDs, m.ThreadID)
		}
		for _, s := range m.Participants.All() {
			if !seenSender[s] {
				seenSender[s] = true
				g.Senders = append(g.Senders, s)
			}
		}
		if g.Address == "" {
			g.Address = m.Address.String()
		}
		if g.JobNumber == "" && len(m.JobNumbers) > 0 {
			g.JobNumber = m.JobNumbers[0]
		}
	}
	g.ProjectName = groupName(members, g.Address, g.JobNumber)
	return g
}

// groupName picks the first extracted name, then falls back to the address
// and the job number.
func groupName(members []domain.EntityRecord, address, job string) string {
	for i := range members {
		if name := members[i].Name(); name != "" {
			return name
		}
	}
	switch {
	case address != "":
		return "Project at " + address
	case job != "":
		return "Project " + job
	}
	return domain.DefaultProjectName
}
