package in

import (
	"context"

	"grouper_server/core/domain"
	"grouper_server/core/service/confidence"
	"grouper_server/core/service/extraction"
	"grouper_server/core/service/grouping"
	"grouper_server/core/service/learning"
	"grouper_server/core/service/project"
	"grouper_server/core/service/scan"
	"grouper_server/core/service/similarity"

	"github.com/google/uuid"
)

type ExtractionService interface {
	Extract(ctx context.Context, userID uuid.UUID, email *domain.EmailContent) (*domain.EntityRecord, error)
	ExtractBatch(ctx context.Context, userID uuid.UUID, emails []*domain.EmailContent) []extraction.BatchItem
}

type SimilarityService interface {
	Compare(ctx context.Context, a, b *domain.EntityRecord, known []domain.EntityRecord) (*similarity.Result, error)
}

type ThresholdService interface {
	GetThresholds(ctx context.Context) domain.Thresholds
	UpdateThresholds(ctx context.Context, u domain.ThresholdUpdate) (domain.Thresholds, error)
	Evaluate(ctx context.Context, c float64) confidence.Decision
}

type ProjectService interface {
	// Detection
	DetectProjectForEmail(ctx context.Context, in project.DetectInput) (*domain.DetectionResult, error)

	// Projects
	GetProject(ctx context.Context, userID uuid.UUID, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context, userID uuid.UUID, filter domain.ProjectFilter) ([]*domain.Project, error)
	AddAlias(ctx context.Context, userID uuid.UUID, projectID, alias string) (bool, error)
	SetStatus(ctx context.Context, userID uuid.UUID, projectID string, status domain.ProjectStatus) (*domain.Project, error)
	ClearReview(ctx context.Context, userID uuid.UUID, projectID string) (*domain.Project, error)

	// Mappings
	AssignEmail(ctx context.Context, userID uuid.UUID, projectID string, rec *domain.EntityRecord, conf float64, method domain.AssociationMethod) (*domain.EmailProjectMapping, error)
	EmailMappings(ctx context.Context, userID uuid.UUID, emailID string) ([]*domain.EmailProjectMapping, error)
	RemoveEmail(ctx context.Context, userID uuid.UUID, projectID, emailID string) error
}

type GroupingService interface {
	GroupEmails(ctx context.Context, userID uuid.UUID, emails []*domain.EmailContent, opts grouping.Options) (*domain.GroupingResult, error)
	GroupBatch(ctx context.Context, userID uuid.UUID, records []domain.EntityRecord, opts grouping.Options) (*domain.GroupingResult, error)
}

type LearningService interface {
	RecordCorrection(ctx context.Context, in learning.CorrectionInput) (*domain.Correction, error)
	SubmitFeedback(ctx context.Context, in learning.FeedbackInput) (*domain.ModelFeedback, error)
	AnalyzeCorrections(ctx context.Context, userID uuid.UUID, limit int) (*domain.CorrectionAnalysis, error)
	Learn(ctx context.Context, userID uuid.UUID, limit int) (*domain.CorrectionAnalysis, error)
	MarkProcessed(ctx context.Context, userID uuid.UUID, ids []int64) (int, error)
	Patterns(ctx context.Context, userID uuid.UUID) ([]*domain.LearningPattern, error)
}

type ScanService interface {
	CreateJob(ctx context.Context, in scan.CreateJobInput) (*domain.ScanJob, error)
	GetJob(ctx context.Context, userID uuid.UUID, id int64) (*domain.ScanJob, error)
	ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.ScanJob, error)
	CancelJob(ctx context.Context, userID uuid.UUID, id int64) (*domain.ScanJob, error)
	ResumeJob(ctx context.Context, userID uuid.UUID, id int64) (*domain.ScanJob, error)
	GetScanConfig(ctx context.Context, userID uuid.UUID) (*domain.ScanConfiguration, error)
	SaveScanConfig(ctx context.Context, cfg *domain.ScanConfiguration) error
}

var (
	_ ExtractionService = (*extraction.Extractor)(nil)
	_ SimilarityService = (*similarity.Comparator)(nil)
	_ ThresholdService  = (*confidence.ThresholdService)(nil)
	_ ProjectService    = (*project.Service)(nil)
	_ GroupingService   = (*grouping.Service)(nil)
	_ LearningService   = (*learning.Service)(nil)
	_ ScanService       = (*scan.Service)(nil)
)
