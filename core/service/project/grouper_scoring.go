package project

import (
	"sort"
	"strings"
	"time"

	"grouper_server/core/domain"
)

// Match score contributions.
const (
	scoreNameExact      = 0.4
	scoreNamePartial    = 0.3
	scoreAlias          = 0.3
	scoreAddressExact   = 0.4
	scoreAddressPartial = 0.3
	scoreJobNumber      = 0.3
	scoreClientEmail    = 0.2
)

// Match reasons.
const (
	ReasonExactName      = "exact_name_match"
	ReasonPartialName    = "partial_name_match"
	ReasonAlias          = "alias_match"
	ReasonLearnedName    = "learned_name_variation"
	ReasonExactAddress   = "exact_address_match"
	ReasonPartialAddress = "partial_address_match"
	ReasonJobNumber      = "job_number_match"
	ReasonClientEmail    = "client_email_match"
	ReasonAlreadyMapped  = "already_mapped"
	ReasonLookup         = "direct_lookup"
)

// candidate is one scored project.
type candidate struct {
	project *domain.Project
	score   float64
	reasons []string
}

// equivalents maps a normalized name to names the user has corrected it to
// or from.
type equivalents map[string][]string

func buildEquivalents(vars []domain.NameVariation) equivalents {
	eq := make(equivalents)
	for _, v := range vars {
		a, b := domain.Normalize(v.Original), domain.Normalize(v.Corrected)
		if a == "" || b == "" || a == b {
			continue
		}
		eq[a] = append(eq[a], b)
		eq[b] = append(eq[b], a)
	}
	return eq
}

func (eq equivalents) related(name string, names ...string) bool {
	for _, other := range eq[name] {
		for _, n := range names {
			if n != "" && other == n {
				return true
			}
		}
	}
	return false
}

// scoreProject scores rec against p. Each signal adds a fixed amount and the
// total is capped at 1.
func scoreProject(rec *domain.EntityRecord, p *domain.Project, eq equivalents) candidate {
	c := candidate{project: p}
	add := func(score float64, reason string) {
		c.score += score
		c.reasons = append(c.reasons, reason)
	}

	if name := rec.NormalizedName(); name != "" {
		pname := domain.Normalize(p.ProjectName)
		nameScored := false
		if pname != "" {
			switch {
			case name == pname:
				add(scoreNameExact, ReasonExactName)
				nameScored = true
			case strings.Contains(pname, name) || strings.Contains(name, pname):
				add(scoreNamePartial, ReasonPartialName)
				nameScored = true
			}
		}
		aliases := domain.NormalizeSet(p.NameAliases)
		for _, alias := range aliases {
			if name == alias || strings.Contains(alias, name) {
				add(scoreAlias, ReasonAlias)
				nameScored = true
				break
			}
		}
		// Learned variations only widen acceptance to a partial match.
		if !nameScored && eq.related(name, append(aliases, pname)...) {
			add(scoreNamePartial, ReasonLearnedName)
		}
	}

	if addr, paddr := rec.NormalizedAddress(), domain.Normalize(p.Address.String()); addr != "" && paddr != "" {
		switch {
		case addr == paddr:
			add(scoreAddressExact, ReasonExactAddress)
		case strings.Contains(paddr, addr) || strings.Contains(addr, paddr):
			add(scoreAddressPartial, ReasonPartialAddress)
		}
	}

	if jobs := rec.NormalizedJobNumbers(); len(jobs) > 0 && len(p.JobNumbers) > 0 {
		known := make(map[string]bool, len(p.JobNumbers))
		for _, j := range p.JobNumbers {
			known[domain.Normalize(j)] = true
		}
		for _, j := range jobs {
			if known[j] {
				add(scoreJobNumber, ReasonJobNumber)
				break
			}
		}
	}

	if email := rec.ClientEmail(); email != "" && email == domain.Normalize(p.ClientEmail) {
		add(scoreClientEmail, ReasonClientEmail)
	}

	if c.score > 1 {
		c.score = 1
	}
	return c
}

// rankCandidates orders by score, then by most recent last_email_at.
func rankCandidates(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return lastEmail(cands[i].project).After(lastEmail(cands[j].project))
	})
}

func lastEmail(p *domain.Project) time.Time {
	if p.LastEmailAt == nil {
		return time.Time{}
	}
	return *p.LastEmailAt
}
