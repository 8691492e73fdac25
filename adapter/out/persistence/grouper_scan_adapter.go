package persistence

import (
	"context"
	"fmt"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ScanJobAdapter implements out.ScanJobRepository on PostgreSQL.
type ScanJobAdapter struct {
	db *sqlx.DB
}

func NewScanJobAdapter(db *sqlx.DB) *ScanJobAdapter {
	return &ScanJobAdapter{db: db}
}

const scanJobColumns = `
	id, user_id, job_type, date_range_start, date_range_end, query, status,
	total_items, processed_items, failed_items, batch_size, page_token, page_offset,
	auto_create, confidence_threshold, result_summary, error_message,
	created_at, updated_at, started_at, completed_at`

type scanJobRow struct {
	ID                  int64      `db:"id"`
	UserID              uuid.UUID  `db:"user_id"`
	JobType             string     `db:"job_type"`
	DateRangeStart      *time.Time `db:"date_range_start"`
	DateRangeEnd        *time.Time `db:"date_range_end"`
	Query               string     `db:"query"`
	Status              string     `db:"status"`
	TotalItems          int        `db:"total_items"`
	ProcessedItems      int        `db:"processed_items"`
	FailedItems         int        `db:"failed_items"`
	BatchSize           int        `db:"batch_size"`
	PageToken           string     `db:"page_token"`
	PageOffset          int        `db:"page_offset"`
	AutoCreate          bool       `db:"auto_create"`
	ConfidenceThreshold float64    `db:"confidence_threshold"`
	ResultSummary       []byte     `db:"result_summary"`
	ErrorMessage        string     `db:"error_message"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
	StartedAt           *time.Time `db:"started_at"`
	CompletedAt         *time.Time `db:"completed_at"`
}

func (r *scanJobRow) toDomain() (*domain.ScanJob, error) {
	job := &domain.ScanJob{
		ID:                  r.ID,
		UserID:              r.UserID,
		JobType:             domain.ScanJobType(r.JobType),
		DateRangeStart:      r.DateRangeStart,
		DateRangeEnd:        r.DateRangeEnd,
		Query:               r.Query,
		Status:              domain.ScanStatus(r.Status),
		TotalItems:          r.TotalItems,
		ProcessedItems:      r.ProcessedItems,
		FailedItems:         r.FailedItems,
		BatchSize:           r.BatchSize,
		PageToken:           r.PageToken,
		PageOffset:          r.PageOffset,
		AutoCreate:          r.AutoCreate,
		ConfidenceThreshold: r.ConfidenceThreshold,
		ErrorMessage:        r.ErrorMessage,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
		StartedAt:           r.StartedAt,
		CompletedAt:         r.CompletedAt,
	}
	if len(r.ResultSummary) > 0 {
		if err := json.Unmarshal(r.ResultSummary, &job.Summary); err != nil {
			return nil, fmt.Errorf("decode result_summary: %w", err)
		}
	}
	return job, nil
}

func (a *ScanJobAdapter) CreateJob(ctx context.Context, job *domain.ScanJob) error {
	summary, err := json.Marshal(job.Summary)
	if err != nil {
		return fmt.Errorf("encode result_summary: %w", err)
	}
	query := `
		INSERT INTO scan_jobs (
			user_id, job_type, date_range_start, date_range_end, query, status,
			batch_size, auto_create, confidence_threshold, result_summary
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	err = a.db.QueryRowxContext(ctx, query,
		job.UserID, string(job.JobType), job.DateRangeStart, job.DateRangeEnd, job.Query,
		string(job.Status), job.BatchSize, job.AutoCreate, job.ConfidenceThreshold, summary,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	return wrapErr(err, "create scan job")
}

// GetJob loads a job. A nil userID skips the ownership check, for workers.
func (a *ScanJobAdapter) GetJob(ctx context.Context, userID uuid.UUID, id int64) (*domain.ScanJob, error) {
	query := `SELECT ` + scanJobColumns + ` FROM scan_jobs WHERE id = $1 AND ($2 = '00000000-0000-0000-0000-000000000000'::uuid OR user_id = $2)`

	var row scanJobRow
	if err := a.db.GetContext(ctx, &row, query, id, userID); err != nil {
		return nil, wrapErr(err, "get scan job")
	}
	return row.toDomain()
}

func (a *ScanJobAdapter) ListJobs(ctx context.Context, userID uuid.UUID, limit int) ([]*domain.ScanJob, error) {
	query := `SELECT ` + scanJobColumns + ` FROM scan_jobs WHERE user_id = $1 ORDER BY id DESC LIMIT $2`

	var rows []scanJobRow
	if err := a.db.SelectContext(ctx, &rows, query, userID, limit); err != nil {
		return nil, wrapErr(err, "list scan jobs")
	}
	jobs := make([]*domain.ScanJob, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("scan job %d: %w", rows[i].ID, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpdateStatus moves a job to status. Running stamps started_at once;
// terminal states stamp completed_at.
func (a *ScanJobAdapter) UpdateStatus(ctx context.Context, id int64, status domain.ScanStatus, errMsg string) error {
	query := `
		UPDATE scan_jobs SET
			status = $2,
			error_message = $3,
			started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, now()) ELSE started_at END,
			completed_at = CASE WHEN $4 THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1`

	res, err := a.db.ExecContext(ctx, query, id, string(status), errMsg, status.IsTerminal())
	return affected(res, err, "update scan job status")
}

// ClaimJob moves the job to running only from a claimable status.
func (a *ScanJobAdapter) ClaimJob(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE scan_jobs SET
			status = 'running',
			error_message = '',
			started_at = COALESCE(started_at, now()),
			updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'paused')`

	res, err := a.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, wrapErr(err, "claim scan job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr(err, "claim scan job")
	}
	return n == 1, nil
}

// Checkpoint persists progress counters and the paging position.
func (a *ScanJobAdapter) Checkpoint(ctx context.Context, job *domain.ScanJob) error {
	summary, err := json.Marshal(job.Summary)
	if err != nil {
		return fmt.Errorf("encode result_summary: %w", err)
	}
	query := `
		UPDATE scan_jobs SET
			total_items = $2, processed_items = $3, failed_items = $4,
			page_token = $5, page_offset = $6, result_summary = $7,
			updated_at = now()
		WHERE id = $1`

	res, err := a.db.ExecContext(ctx, query,
		job.ID, job.TotalItems, job.ProcessedItems, job.FailedItems,
		job.PageToken, job.PageOffset, summary)
	return affected(res, err, "checkpoint scan job")
}

func (a *ScanJobAdapter) GetScanConfig(ctx context.Context, userID uuid.UUID) (*domain.ScanConfiguration, error) {
	var row struct {
		UserID          uuid.UUID      `db:"user_id"`
		IncludeLabels   pq.StringArray `db:"include_labels"`
		ExcludeLabels   pq.StringArray `db:"exclude_labels"`
		ExcludedSenders pq.StringArray `db:"excluded_senders"`
		ExcludedDomains pq.StringArray `db:"excluded_domains"`
		UpdatedAt       time.Time      `db:"updated_at"`
	}
	query := `
		SELECT user_id, include_labels, exclude_labels, excluded_senders, excluded_domains, updated_at
		FROM scan_configurations
		WHERE user_id = $1`

	if err := a.db.GetContext(ctx, &row, query, userID); err != nil {
		return nil, wrapErr(err, "get scan config")
	}
	return &domain.ScanConfiguration{
		UserID:          row.UserID,
		IncludeLabels:   []string(row.IncludeLabels),
		ExcludeLabels:   []string(row.ExcludeLabels),
		ExcludedSenders: []string(row.ExcludedSenders),
		ExcludedDomains: []string(row.ExcludedDomains),
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

func (a *ScanJobAdapter) SaveScanConfig(ctx context.Context, cfg *domain.ScanConfiguration) error {
	query := `
		INSERT INTO scan_configurations (user_id, include_labels, exclude_labels, excluded_senders, excluded_domains)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			include_labels   = EXCLUDED.include_labels,
			exclude_labels   = EXCLUDED.exclude_labels,
			excluded_senders = EXCLUDED.excluded_senders,
			excluded_domains = EXCLUDED.excluded_domains,
			updated_at       = now()
		RETURNING updated_at`

	err := a.db.QueryRowxContext(ctx, query, cfg.UserID,
		stringArray(cfg.IncludeLabels), stringArray(cfg.ExcludeLabels),
		stringArray(cfg.ExcludedSenders), stringArray(cfg.ExcludedDomains),
	).Scan(&cfg.UpdatedAt)
	return wrapErr(err, "save scan config")
}

var _ out.ScanJobRepository = (*ScanJobAdapter)(nil)
