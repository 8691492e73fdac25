package worker

import (
	"context"
	"errors"
	"fmt"

	"grouper_server/core/domain"
	"grouper_server/pkg/logger"

	"github.com/google/uuid"
)

// ErrUnknownJob is returned for job types no processor handles.
var ErrUnknownJob = errors.New("unknown job type")

// permanentError marks failures a retry cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// IsPermanent reports whether err should skip retries.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// ScanRunner executes stored scan jobs.
type ScanRunner interface {
	Run(ctx context.Context, jobID int64) error
}

// Learner mines corrections into patterns.
type Learner interface {
	Learn(ctx context.Context, userID uuid.UUID, limit int) (*domain.CorrectionAnalysis, error)
}

type Handler struct {
	scans   ScanRunner
	learner Learner
}

// NewHandler creates a handler. Either processor may be nil, in which case
// its jobs are rejected.
func NewHandler(scans ScanRunner, learner Learner) *Handler {
	return &Handler{scans: scans, learner: learner}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	case JobScanRun:
		if h.scans == nil {
			return permanent(fmt.Errorf("%w: %s", ErrUnknownJob, msg.Type))
		}
		p, err := ParsePayload[ScanRunPayload](msg)
		if err != nil {
			return permanent(fmt.Errorf("invalid scan payload: %w", err))
		}
		return h.scans.Run(ctx, p.JobID)

	case JobLearn:
		if h.learner == nil {
			return permanent(fmt.Errorf("%w: %s", ErrUnknownJob, msg.Type))
		}
		p, err := ParsePayload[LearnPayload](msg)
		if err != nil {
			return permanent(fmt.Errorf("invalid learning payload: %w", err))
		}
		userID, err := uuid.Parse(p.UserID)
		if err != nil {
			return permanent(fmt.Errorf("invalid learning payload: %w", err))
		}
		analysis, err := h.learner.Learn(ctx, userID, p.Limit)
		if err != nil {
			return err
		}
		logger.WithFields(map[string]any{
			"user_id":     p.UserID,
			"corrections": analysis.TotalCorrections,
			"patterns":    len(analysis.Patterns),
		}).Info("learning job finished")
		return nil

	default:
		return permanent(fmt.Errorf("%w: %s", ErrUnknownJob, msg.Type))
	}
}
