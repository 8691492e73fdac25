package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectOnHold    ProjectStatus = "on_hold"
	ProjectArchived  ProjectStatus = "archived"
)

// Valid reports whether s is a known status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectActive, ProjectCompleted, ProjectOnHold, ProjectArchived:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status may move to next.
// Archived projects only leave that state through explicit reactivation.
func (s ProjectStatus) CanTransitionTo(next ProjectStatus) bool {
	if !next.Valid() || s == next {
		return false
	}
	if s == ProjectArchived {
		return next == ProjectActive
	}
	return true
}

// DefaultProjectName is used when a project is created without a name.
const DefaultProjectName = "Unnamed Project"

// Project is the durable grouping unit for one real-world job or property.
type Project struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    uuid.UUID `json:"user_id"`

	ProjectName string   `json:"project_name"`
	NameAliases []string `json:"name_aliases"`

	Address Address `json:"address"`

	ClientName    string `json:"client_name,omitempty"`
	ClientEmail   string `json:"client_email,omitempty"`
	ClientPhone   string `json:"client_phone,omitempty"`
	ClientCompany string `json:"client_company,omitempty"`

	ProjectType string   `json:"project_type,omitempty"`
	JobNumbers  []string `json:"job_numbers"`
	Keywords    []string `json:"keywords,omitempty"`

	Status ProjectStatus `json:"status"`

	// Stats
	EmailCount  int        `json:"email_count"`
	LastEmailAt *time.Time `json:"last_email_at,omitempty"`

	// Confidence at creation time; provenance only.
	ConfidenceScore    float64 `json:"confidence_score"`
	NeedsReview        bool    `json:"needs_review"`
	CreatedFromEmailID string  `json:"created_from_email_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProjectID builds the stable external key for a new project.
func NewProjectID(userID uuid.UUID) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "proj_" + userID.String() + "_" + hex[:12]
}

// HasName reports whether name equals the project name or any alias, case-insensitively.
func (p *Project) HasName(name string) bool {
	n := Normalize(name)
	if n == "" {
		return false
	}
	if Normalize(p.ProjectName) == n {
		return true
	}
	return p.HasAlias(name)
}

// HasAlias reports whether name is already an alias, case-insensitively.
func (p *Project) HasAlias(name string) bool {
	n := Normalize(name)
	for _, a := range p.NameAliases {
		if Normalize(a) == n {
			return true
		}
	}
	return false
}

// AddAlias appends name unless it already exists. It reports whether the set changed.
func (p *Project) AddAlias(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || p.HasAlias(name) {
		return false
	}
	p.NameAliases = append(p.NameAliases, name)
	return true
}

// MergeJobNumbers adds unseen job numbers. It reports whether the set changed.
func (p *Project) MergeJobNumbers(jobs []string) bool {
	known := make(map[string]bool, len(p.JobNumbers))
	for _, j := range p.JobNumbers {
		known[Normalize(j)] = true
	}
	changed := false
	for _, j := range jobs {
		j = strings.TrimSpace(j)
		if j == "" || known[Normalize(j)] {
			continue
		}
		known[Normalize(j)] = true
		p.JobNumbers = append(p.JobNumbers, j)
		changed = true
	}
	return changed
}

// IsActive reports whether the project accepts new email.
func (p *Project) IsActive() bool {
	return p.Status == ProjectActive
}

// Profile returns the project's aggregate as an entity record for comparison.
func (p *Project) Profile() EntityRecord {
	rec := EntityRecord{
		ProjectName: StringPtr(p.ProjectName),
		JobNumbers:  p.JobNumbers,
		Keywords:    p.Keywords,
		Confidence:  p.ConfidenceScore,
	}
	if !p.Address.IsEmpty() {
		addr := p.Address
		rec.Address = &addr
	}
	if p.ClientName != "" || p.ClientEmail != "" || p.ClientPhone != "" || p.ClientCompany != "" {
		rec.ClientInfo = &ClientInfo{
			Name:    p.ClientName,
			Email:   p.ClientEmail,
			Phone:   p.ClientPhone,
			Company: p.ClientCompany,
		}
	}
	rec.ProjectType = StringPtr(p.ProjectType)
	return rec
}

// AssociationMethod records how an email was tied to a project.
type AssociationMethod string

const (
	AssociationAuto        AssociationMethod = "auto"
	AssociationManual      AssociationMethod = "manual"
	AssociationAI          AssociationMethod = "ai"
	AssociationSimilarity  AssociationMethod = "similarity"
	AssociationMultiSender AssociationMethod = "multi_sender"
)

// Valid reports whether m is a known method.
func (m AssociationMethod) Valid() bool {
	switch m {
	case AssociationAuto, AssociationManual, AssociationAI, AssociationSimilarity, AssociationMultiSender:
		return true
	}
	return false
}

// EmailProjectMapping ties one email to one project. Removal deactivates it.
type EmailProjectMapping struct {
	ID                int64             `json:"id"`
	UserID            uuid.UUID         `json:"user_id"`
	EmailID           string            `json:"email_id"`
	ThreadID          string            `json:"thread_id,omitempty"`
	ProjectID         string            `json:"project_id"`
	Confidence        float64           `json:"confidence"`
	AssociationMethod AssociationMethod `json:"association_method"`
	IsActive          bool              `json:"is_active"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ProjectFilter narrows project listings.
type ProjectFilter struct {
	Status      *ProjectStatus
	NeedsReview *bool
	Limit       int
	Offset      int
}
