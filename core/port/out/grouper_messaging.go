package out

import (
	"context"

	"github.com/google/uuid"
)

// ScanJobMessage asks a worker to run or resume a scan job.
type ScanJobMessage struct {
	JobID  int64     `json:"job_id"`
	UserID uuid.UUID `json:"user_id"`
}

// ScanJobPublisher enqueues scan jobs for the worker.
type ScanJobPublisher interface {
	PublishScanJob(ctx context.Context, msg *ScanJobMessage) error
}

// LearnJobMessage asks a worker to mine a user's pending corrections.
type LearnJobMessage struct {
	UserID uuid.UUID `json:"user_id"`
	Limit  int       `json:"limit,omitempty"`
}

// LearnJobPublisher enqueues learning runs for the worker.
type LearnJobPublisher interface {
	PublishLearnJob(ctx context.Context, msg *LearnJobMessage) error
}
