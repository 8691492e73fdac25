// Package scan runs resumable batch scans over a user's mailbox, placing
// every message in a project.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/core/service/extraction"
	"grouper_server/core/service/project"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/logger"
	"grouper_server/pkg/metrics"
	"grouper_server/pkg/resilience"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// errCancelled is the cancellation cause for jobs stopped by a user.
var errCancelled = errors.New("scan cancelled")

// Detector places one entity record in a project.
type Detector interface {
	DetectProjectForEmail(ctx context.Context, in project.DetectInput) (*domain.DetectionResult, error)
}

// BatchExtractor extracts entity records for many emails, isolating failures.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, userID uuid.UUID, emails []*domain.EmailContent) []extraction.BatchItem
}

// MappingLookup reports which emails already belong to a project.
type MappingLookup interface {
	MappedEmails(ctx context.Context, userID uuid.UUID, emailIDs []string) (map[string]bool, error)
}

type Config struct {
	BatchSize int `yaml:"batch_size"`
	PageSize  int `yaml:"page_size"`
	// IncrementalWindow is the lookback of an incremental scan with no prior completed scan.
	IncrementalWindow time.Duration `yaml:"incremental_window"`
	// StaleAfter is how long a running job may go without a checkpoint
	// before ResumeJob treats its worker as gone.
	StaleAfter time.Duration          `yaml:"stale_after"`
	Retry      resilience.RetryPolicy `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         domain.DefaultScanBatchSize,
		PageSize:          100,
		IncrementalWindow: 7 * 24 * time.Hour,
		StaleAfter:        30 * time.Minute,
		Retry:             resilience.DefaultRetryPolicy(),
	}
}

type Deps struct {
	Jobs      out.ScanJobRepository
	Mappings  MappingLookup
	Mail      out.MailProvider
	Tokens    out.TokenStore
	Extractor BatchExtractor
	Detector  Detector
	// Publisher is optional; without it callers run jobs themselves.
	Publisher out.ScanJobPublisher
}

type Service struct {
	jobs      out.ScanJobRepository
	mappings  MappingLookup
	mail      out.MailProvider
	tokens    out.TokenStore
	extractor BatchExtractor
	detector  Detector
	publisher out.ScanJobPublisher
	cfg       Config
	log       zerolog.Logger

	mu      sync.Mutex
	running map[int64]context.CancelCauseFunc
}

func NewService(deps Deps, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.IncrementalWindow <= 0 {
		cfg.IncrementalWindow = def.IncrementalWindow
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = def.Retry
	}
	return &Service{
		jobs:      deps.Jobs,
		mappings:  deps.Mappings,
		mail:      deps.Mail,
		tokens:    deps.Tokens,
		extractor: deps.Extractor,
		detector:  deps.Detector,
		publisher: deps.Publisher,
		cfg:       cfg,
		log:       logger.Zerolog("scan"),
		running:   make(map[int64]context.CancelCauseFunc),
	}
}

// CreateJobInput requests a new scan.
type CreateJobInput struct {
	UserID              uuid.UUID          `json:"-"`
	JobType             domain.ScanJobType `json:"job_type"`
	DateRangeStart      *time.Time         `json:"date_range_start,omitempty"`
	DateRangeEnd        *time.Time         `json:"date_range_end,omitempty"`
	AutoCreate          bool               `json:"auto_create"`
	ConfidenceThreshold float64            `json:"confidence_threshold,omitempty"`
	BatchSize           int                `json:"batch_size,omitempty"`
}

// CreateJob stores a pending scan and, when a publisher is configured,
// enqueues it for the worker.
func (s *Service) CreateJob(ctx context.Context, in CreateJobInput) (*domain.ScanJob, error) {
	switch in.JobType {
	case "":
		in.JobType = domain.ScanRetroactive
	case domain.ScanRetroactive, domain.ScanFull, domain.ScanIncremental:
	default:
		return nil, apperr.InvalidInput("job_type", string(in.JobType))
	}
	if in.DateRangeStart != nil && in.DateRangeEnd != nil && in.DateRangeEnd.Before(*in.DateRangeStart) {
		return nil, apperr.InvalidInput("date_range_end", "must not be before date_range_start")
	}
	if in.ConfidenceThreshold < 0 || in.ConfidenceThreshold > 1 {
		return nil, apperr.InvalidInput("confidence_threshold", "must be between 0 and 1")
	}
	if in.JobType == domain.ScanIncremental && in.DateRangeStart == nil {
		start, err := s.incrementalStart(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		in.DateRangeStart = &start
	}

	cfg, err := s.jobs.GetScanConfig(ctx, in.UserID)
	if err != nil && !errors.Is(err, out.ErrNotFound) {
		return nil, fmt.Errorf("failed to load scan config: %w", err)
	}
	batch := in.BatchSize
	if batch <= 0 {
		batch = s.cfg.BatchSize
	}

	job := &domain.ScanJob{
		UserID:              in.UserID,
		JobType:             in.JobType,
		DateRangeStart:      in.DateRangeStart,
		DateRangeEnd:        in.DateRangeEnd,
		Query:               BuildQuery(in.DateRangeStart, in.DateRangeEnd, cfg),
		Status:              domain.ScanPending,
		BatchSize:           batch,
		AutoCreate:          in.AutoCreate,
		ConfidenceThreshold: in.ConfidenceThreshold,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create scan job: %w", err)
	}
	if err := s.publish(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info().Int64("job_id", job.ID).Str("user_id", job.UserID.String()).Str("query", job.Query).Msg("scan job created")
	return job, nil
}

func (s *Service) incrementalStart(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	jobs, err := s.jobs.ListJobs(ctx, userID, 20)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to list scan jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Status == domain.ScanCompleted && j.CompletedAt != nil {
			return *j.CompletedAt, nil
		}
	}
	return time.Now().Add(-s.cfg.IncrementalWindow), nil
}

func (s *Service) publish(ctx context.Context, job *domain.ScanJob) error {
	if s.publisher == nil {
		return nil
	}
	if err := s.publisher.PublishScanJob(ctx, &out.ScanJobMessage{JobID: job.ID, UserID: job.UserID}); err != nil {
		return fmt.Errorf("failed to enqueue scan job: %w", err)
	}
	return nil
}

// GetJob loads one of the user's scan jobs.
func (s *Service) GetJob(ctx context.Context, userID uuid.UUID, id int64) (*domain.ScanJob, error) {
	job, err := s.jobs.GetJob(ctx, userID, id)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("scan job %d", id))
		}
		return nil, err
	}
	return job, nil
}

// ListJobs lists the user's scan jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.ScanJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.jobs.ListJobs(ctx, userID, limit)
}

// CancelJob stops a job. A running job stops before its next item.
func (s *Service) CancelJob(ctx context.Context, userID uuid.UUID, id int64) (*domain.ScanJob, error) {
	job, err := s.GetJob(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, apperr.Conflict(fmt.Sprintf("scan job %d is already %s", id, job.Status))
	}
	if err := s.jobs.UpdateStatus(ctx, id, domain.ScanCancelled, ""); err != nil {
		return nil, fmt.Errorf("failed to cancel scan job: %w", err)
	}
	s.mu.Lock()
	if cancel, ok := s.running[id]; ok {
		cancel(errCancelled)
	}
	s.mu.Unlock()
	job.Status = domain.ScanCancelled
	return job, nil
}

// ResumeJob requeues a paused or failed job. It continues from its last
// checkpoint. A running job whose worker stopped checkpointing is reclaimed.
func (s *Service) ResumeJob(ctx context.Context, userID uuid.UUID, id int64) (*domain.ScanJob, error) {
	job, err := s.GetJob(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !s.resumable(job) {
		return nil, apperr.Conflict(fmt.Sprintf("scan job %d is %s", id, job.Status))
	}
	if err := s.jobs.UpdateStatus(ctx, id, domain.ScanPending, ""); err != nil {
		return nil, fmt.Errorf("failed to resume scan job: %w", err)
	}
	job.Status = domain.ScanPending
	job.ErrorMessage = ""
	if err := s.publish(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) resumable(job *domain.ScanJob) bool {
	switch job.Status {
	case domain.ScanPaused, domain.ScanFailed:
		return true
	case domain.ScanRunning:
		s.mu.Lock()
		_, local := s.running[job.ID]
		s.mu.Unlock()
		return !local && time.Since(job.UpdatedAt) > s.cfg.StaleAfter
	}
	return false
}

// GetScanConfig returns the user's scan filters, empty when none are saved.
func (s *Service) GetScanConfig(ctx context.Context, userID uuid.UUID) (*domain.ScanConfiguration, error) {
	cfg, err := s.jobs.GetScanConfig(ctx, userID)
	if errors.Is(err, out.ErrNotFound) {
		return &domain.ScanConfiguration{UserID: userID}, nil
	}
	return cfg, err
}

// SaveScanConfig replaces the user's scan filters.
func (s *Service) SaveScanConfig(ctx context.Context, cfg *domain.ScanConfiguration) error {
	return s.jobs.SaveScanConfig(ctx, cfg)
}

// Run executes a job until it completes, is cancelled, or hits an error.
// Quota errors and interrupted contexts pause the job so it can resume;
// other errors fail it and are returned.
func (s *Service) Run(ctx context.Context, jobID int64) error {
	job, err := s.jobs.GetJob(ctx, uuid.Nil, jobID)
	if err != nil {
		return fmt.Errorf("failed to load scan job %d: %w", jobID, err)
	}
	claimed, err := s.jobs.ClaimJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to claim scan job %d: %w", jobID, err)
	}
	if !claimed {
		s.log.Debug().Int64("job_id", jobID).Str("status", string(job.Status)).Msg("skipping scan job")
		return nil
	}
	job.Status = domain.ScanRunning
	job.ErrorMessage = ""

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	log := s.log.With().Int64("job_id", job.ID).Str("user_id", job.UserID.String()).Logger()
	log.Info().Str("page_token", job.PageToken).Int("processed", job.ProcessedItems).Msg("scan started")

	token, err := s.tokens.GetToken(ctx, job.UserID)
	if err == nil {
		err = s.scan(ctx, job, token)
	}
	return s.finish(ctx, job, err, log)
}

func (s *Service) finish(ctx context.Context, job *domain.ScanJob, err error, log zerolog.Logger) error {
	write := context.WithoutCancel(ctx)
	status, msg := domain.ScanCompleted, ""
	var result error
	switch {
	case err == nil:
	case errors.Is(err, errCancelled) || errors.Is(context.Cause(ctx), errCancelled):
		status = domain.ScanCancelled
	case out.IsQuotaExceeded(err):
		status, msg = domain.ScanPaused, err.Error()
	case ctx.Err() != nil:
		status, msg = domain.ScanPaused, "interrupted: "+ctx.Err().Error()
	default:
		status, msg = domain.ScanFailed, err.Error()
		result = err
	}

	if cerr := s.jobs.Checkpoint(write, job); cerr != nil {
		log.Error().Err(cerr).Msg("failed to checkpoint scan job")
	}
	if uerr := s.jobs.UpdateStatus(write, job.ID, status, msg); uerr != nil {
		log.Error().Err(uerr).Msg("failed to update scan job status")
	}
	job.Status = status
	job.ErrorMessage = msg

	ev := log.Info()
	if status == domain.ScanFailed {
		ev = log.Error().Err(err)
	}
	ev.Str("status", string(status)).
		Int("processed", job.ProcessedItems).
		Int("failed", job.FailedItems).
		Msg("scan finished")
	return result
}

func (s *Service) scan(ctx context.Context, job *domain.ScanJob, token *oauth2.Token) error {
	batch := job.BatchSize
	if batch <= 0 {
		batch = s.cfg.BatchSize
	}
	for {
		if err := s.checkCancelled(ctx, job.ID); err != nil {
			return err
		}
		var page *out.ListResult
		err := resilience.Retry(ctx, s.cfg.Retry, out.IsRetryableProviderError, func(ctx context.Context) error {
			var err error
			page, err = s.mail.ListMessages(ctx, token, job.Query, s.cfg.PageSize, job.PageToken)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}

		if seen := job.ProcessedItems + job.FailedItems + len(page.Messages) - job.PageOffset; seen > job.TotalItems {
			job.TotalItems = seen
		}
		if est := int(page.ResultSizeEstimate); est > job.TotalItems {
			job.TotalItems = est
		}

		first := job.PageOffset
		if first > len(page.Messages) {
			first = len(page.Messages)
		}
		for start := first; start < len(page.Messages); start += batch {
			if err := s.checkCancelled(ctx, job.ID); err != nil {
				return err
			}
			end := start + batch
			if end > len(page.Messages) {
				end = len(page.Messages)
			}
			if err := s.processBatch(ctx, job, token, page.Messages[start:end]); err != nil {
				return err
			}
			job.PageOffset = end
			if err := s.jobs.Checkpoint(ctx, job); err != nil {
				return fmt.Errorf("failed to checkpoint scan job: %w", err)
			}
		}

		job.PageToken = page.NextPageToken
		job.PageOffset = 0
		if err := s.jobs.Checkpoint(ctx, job); err != nil {
			return fmt.Errorf("failed to checkpoint scan job: %w", err)
		}
		if job.PageToken == "" {
			return nil
		}
	}
}

// checkCancelled stops on a cancelled context or a job cancelled from
// another process.
func (s *Service) checkCancelled(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return err
	}
	cur, err := s.jobs.GetJob(ctx, uuid.Nil, id)
	if err != nil {
		return fmt.Errorf("failed to reload scan job: %w", err)
	}
	if cur.Status == domain.ScanCancelled {
		return errCancelled
	}
	return nil
}

// processBatch handles one sub-batch. Already mapped emails are skipped.
// Counters on job change only for items that finished.
func (s *Service) processBatch(ctx context.Context, job *domain.ScanJob, token *oauth2.Token, refs []out.MessageRef) error {
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	mapped, err := s.mappings.MappedEmails(ctx, job.UserID, ids)
	if err != nil {
		return fmt.Errorf("failed to check mapped emails: %w", err)
	}

	var emails []*domain.EmailContent
	processed, failed, summary := 0, 0, domain.ScanSummary{}
	for _, r := range refs {
		if mapped[r.ID] {
			processed++
			summary.Skipped++
			continue
		}
		var msg *domain.EmailContent
		err := resilience.Retry(ctx, s.cfg.Retry, out.IsRetryableProviderError, func(ctx context.Context) error {
			var err error
			msg, err = s.mail.GetMessage(ctx, token, r.ID)
			return err
		})
		if err != nil {
			if out.IsQuotaExceeded(err) || ctx.Err() != nil {
				return err
			}
			s.log.Warn().Err(err).Str("email_id", r.ID).Msg("failed to fetch message")
			failed++
			continue
		}
		emails = append(emails, msg)
	}

	items := s.extractor.ExtractBatch(ctx, job.UserID, emails)
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	var threshold *float64
	if job.ConfidenceThreshold > 0 {
		t := job.ConfidenceThreshold
		threshold = &t
	}
	for _, it := range items {
		if !it.OK() {
			failed++
			continue
		}
		summary.Extracted++
		res, err := s.detector.DetectProjectForEmail(ctx, project.DetectInput{
			UserID:     job.UserID,
			Record:     it.Record,
			AutoCreate: job.AutoCreate,
			Threshold:  threshold,
			Method:     domain.AssociationAuto,
		})
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			s.log.Warn().Err(err).Str("email_id", it.EmailID).Msg("failed to detect project")
			failed++
			continue
		}
		switch res.Outcome {
		case domain.OutcomeMatched:
			summary.Matched++
		case domain.OutcomeCreated:
			summary.Created++
		default:
			summary.Rejected++
		}
		processed++
	}

	job.ProcessedItems += processed
	job.FailedItems += failed
	job.Summary.Matched += summary.Matched
	job.Summary.Created += summary.Created
	job.Summary.Rejected += summary.Rejected
	job.Summary.Skipped += summary.Skipped
	job.Summary.Extracted += summary.Extracted
	metrics.ScanItems.WithLabelValues("processed").Add(float64(processed - summary.Skipped))
	metrics.ScanItems.WithLabelValues("skipped").Add(float64(summary.Skipped))
	metrics.ScanItems.WithLabelValues("failed").Add(float64(failed))
	return nil
}
