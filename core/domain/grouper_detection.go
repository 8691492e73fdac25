package domain

// MatchOutcome is the terminal state of detecting a project for one record.
type MatchOutcome string

const (
	OutcomeMatched  MatchOutcome = "matched"
	OutcomeCreated  MatchOutcome = "created"
	OutcomeRejected MatchOutcome = "rejected"
)

// DetectionResult reports how a single entity record was resolved.
// Project is nil when the outcome is rejected.
type DetectionResult struct {
	Outcome     MatchOutcome         `json:"outcome"`
	Project     *Project             `json:"project,omitempty"`
	Mapping     *EmailProjectMapping `json:"mapping,omitempty"`
	Confidence  float64              `json:"confidence"`
	NeedsReview bool                 `json:"needs_review"`
	Reasons     []string             `json:"reasons,omitempty"`
}

// ProjectGroup is one cluster produced by batch grouping.
type ProjectGroup struct {
	GroupID       string   `json:"group_id"`
	ProjectName   string   `json:"project_name"`
	Address       string   `json:"address,omitempty"`
	JobNumber     string   `json:"job_number,omitempty"`
	EmailIDs      []string `json:"email_ids"`
	ThreadIDs     []string `json:"thread_ids,omitempty"`
	Senders       []string `json:"senders"`
	Confidence    float64  `json:"confidence"`
	KeyIndicators []string `json:"key_indicators"`
	Flags         []string `json:"flags,omitempty"`
	NeedsReview   bool     `json:"needs_review"`

	// Set once the group is resolved to a stored project.
	ProjectID string       `json:"project_id,omitempty"`
	Outcome   MatchOutcome `json:"outcome,omitempty"`

	Members []EntityRecord `json:"-"`
}

// AddFlag appends flag once.
func (g *ProjectGroup) AddFlag(flag string) {
	for _, f := range g.Flags {
		if f == flag {
			return
		}
	}
	g.Flags = append(g.Flags, flag)
}

// HasFlag reports whether flag is set.
func (g *ProjectGroup) HasFlag(flag string) bool {
	for _, f := range g.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// UnmatchedEmail is an email that could not be placed in any project.
type UnmatchedEmail struct {
	EmailID string `json:"email_id"`
	Reason  string `json:"reason"`
}

// GroupingResult is the outcome of grouping a batch.
type GroupingResult struct {
	ProjectGroups   []ProjectGroup   `json:"project_groups"`
	UnmatchedEmails []UnmatchedEmail `json:"unmatched_emails"`
}

// Group flags
const (
	FlagLowConfidence     = "low_confidence"
	FlagVeryLowConfidence = "very_low_confidence"
	FlagSplit             = "split_from_multiple_projects"
)

// Group indicators
const (
	IndicatorAddress     = "address_match"
	IndicatorJobNumber   = "job_number_match"
	IndicatorProjectName = "project_name_match"
	IndicatorSingle      = "single_email"
	IndicatorThread      = "thread_similarity"
)
