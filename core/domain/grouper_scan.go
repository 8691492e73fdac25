package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScanJobType names the kind of mailbox scan.
type ScanJobType string

const (
	ScanRetroactive ScanJobType = "retroactive_scan"
	ScanFull        ScanJobType = "full_scan"
	ScanIncremental ScanJobType = "incremental"
)

// ScanStatus is the lifecycle state of a scan job.
type ScanStatus string

const (
	ScanPending   ScanStatus = "pending"
	ScanRunning   ScanStatus = "running"
	ScanPaused    ScanStatus = "paused"
	ScanCompleted ScanStatus = "completed"
	ScanFailed    ScanStatus = "failed"
	ScanCancelled ScanStatus = "cancelled"
)

// IsTerminal reports whether the job can no longer run.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanCompleted || s == ScanFailed || s == ScanCancelled
}

// Claimable reports whether a worker may start the job.
func (s ScanStatus) Claimable() bool {
	return s == ScanPending || s == ScanPaused
}

// DefaultScanBatchSize is the sub-batch size checkpointed by scans.
const DefaultScanBatchSize = 50

// ScanSummary aggregates the outcome of a scan.
type ScanSummary struct {
	Matched   int `json:"matched"`
	Created   int `json:"created"`
	Rejected  int `json:"rejected"`
	Skipped   int `json:"skipped"`
	Extracted int `json:"extracted"`
}

// ScanJob is a resumable batch scan over a user's mailbox.
type ScanJob struct {
	ID             int64       `json:"id"`
	UserID         uuid.UUID   `json:"user_id"`
	JobType        ScanJobType `json:"job_type"`
	DateRangeStart *time.Time  `json:"date_range_start,omitempty"`
	DateRangeEnd   *time.Time  `json:"date_range_end,omitempty"`
	Query          string      `json:"query,omitempty"`

	Status         ScanStatus `json:"status"`
	TotalItems     int        `json:"total_items"`
	ProcessedItems int        `json:"processed_items"`
	FailedItems    int        `json:"failed_items"`
	BatchSize      int        `json:"batch_size"`
	PageToken      string     `json:"page_token,omitempty"`
	// PageOffset counts messages of the current page already checkpointed.
	PageOffset int `json:"page_offset,omitempty"`

	AutoCreate          bool    `json:"auto_create"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`

	Summary      ScanSummary `json:"summary"`
	ErrorMessage string      `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Progress returns processed items as a fraction of the total.
func (j *ScanJob) Progress() float64 {
	if j.TotalItems <= 0 {
		return 0
	}
	p := float64(j.ProcessedItems+j.FailedItems) / float64(j.TotalItems)
	if p > 1 {
		return 1
	}
	return p
}

// ScanConfiguration holds per-user mailbox filters applied to scans.
type ScanConfiguration struct {
	UserID          uuid.UUID `json:"user_id"`
	IncludeLabels   []string  `json:"include_labels,omitempty"`
	ExcludeLabels   []string  `json:"exclude_labels,omitempty"`
	ExcludedSenders []string  `json:"excluded_senders,omitempty"`
	ExcludedDomains []string  `json:"excluded_domains,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}
