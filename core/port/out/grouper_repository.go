package out

import (
	"context"
	"errors"
	"time"

	"grouper_server/core/domain"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned by Get lookups for missing rows. Find lookups
	// return a nil result instead.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = errors.New("duplicate")
)

// AssignEmailParams describes one email-to-project assignment.
type AssignEmailParams struct {
	UserID     uuid.UUID
	ProjectID  string
	EmailID    string
	ThreadID   string
	Confidence float64
	Method     domain.AssociationMethod
	EmailAt    time.Time
}

// ProjectRepository persists projects and their email mappings.
//
// AssignEmail and RemoveEmail are atomic: the mapping write, the recount of
// active mappings and the last_email_at update commit together or not at all.
type ProjectRepository interface {
	Create(ctx context.Context, project *domain.Project) error
	Update(ctx context.Context, project *domain.Project) error
	GetByProjectID(ctx context.Context, userID uuid.UUID, projectID string) (*domain.Project, error)
	ListActive(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error)
	List(ctx context.Context, userID uuid.UUID, filter domain.ProjectFilter) ([]*domain.Project, error)

	FindByName(ctx context.Context, userID uuid.UUID, name string) (*domain.Project, error)
	FindByAddress(ctx context.Context, userID uuid.UUID, address string) (*domain.Project, error)
	FindByJobNumber(ctx context.Context, userID uuid.UUID, jobNumber string) (*domain.Project, error)

	AddAlias(ctx context.Context, userID uuid.UUID, projectID, alias string) (bool, error)
	MergeJobNumbers(ctx context.Context, userID uuid.UUID, projectID string, jobNumbers []string) error
	SetStatus(ctx context.Context, userID uuid.UUID, projectID string, status domain.ProjectStatus) error
	SetNeedsReview(ctx context.Context, userID uuid.UUID, projectID string, needsReview bool) error

	AssignEmail(ctx context.Context, params AssignEmailParams) (*domain.EmailProjectMapping, bool, error)
	RemoveEmail(ctx context.Context, userID uuid.UUID, projectID, emailID string) error
	ActiveMappings(ctx context.Context, userID uuid.UUID, emailID string) ([]*domain.EmailProjectMapping, error)
	MappedEmails(ctx context.Context, userID uuid.UUID, emailIDs []string) (map[string]bool, error)
	CountActiveMappings(ctx context.Context, userID uuid.UUID, projectID string) (int, error)
}

// CorrectionRepository persists corrections, mined patterns and feedback.
type CorrectionRepository interface {
	CreateCorrection(ctx context.Context, c *domain.Correction) error
	GetCorrection(ctx context.Context, userID uuid.UUID, id int64) (*domain.Correction, error)
	ListUnprocessed(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.Correction, error)
	MarkProcessed(ctx context.Context, userID uuid.UUID, ids []int64, at time.Time) (int, error)

	UpsertPattern(ctx context.Context, p *domain.LearningPattern) error
	ListPatterns(ctx context.Context, userID uuid.UUID, patternType domain.PatternType) ([]*domain.LearningPattern, error)

	CreateFeedback(ctx context.Context, f *domain.ModelFeedback) error
}

// ScanJobRepository persists scan jobs and per-user scan filters.
type ScanJobRepository interface {
	CreateJob(ctx context.Context, job *domain.ScanJob) error
	GetJob(ctx context.Context, userID uuid.UUID, id int64) (*domain.ScanJob, error)
	ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.ScanJob, error)
	UpdateStatus(ctx context.Context, id int64, status domain.ScanStatus, errMsg string) error
	// ClaimJob atomically moves a pending or paused job to running. It
	// reports false when another worker owns the job or it is finished.
	ClaimJob(ctx context.Context, id int64) (bool, error)
	Checkpoint(ctx context.Context, job *domain.ScanJob) error

	GetScanConfig(ctx context.Context, userID uuid.UUID) (*domain.ScanConfiguration, error)
	SaveScanConfig(ctx context.Context, cfg *domain.ScanConfiguration) error
}
