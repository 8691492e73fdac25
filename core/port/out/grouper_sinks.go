package out

import (
	"context"
	"time"

	"grouper_server/core/domain"

	"github.com/google/uuid"
)

// ParticipantGraph records which addresses take part in which projects.
type ParticipantGraph interface {
	RecordParticipants(ctx context.Context, userID uuid.UUID, projectID string, participants []string) error
	ProjectsForParticipant(ctx context.Context, userID uuid.UUID, participant string) ([]string, error)
}

// ExtractionLogEntry is one model extraction attempt.
type ExtractionLogEntry struct {
	UserID      uuid.UUID
	EmailID     string
	Model       string
	RawResponse string
	Record      *domain.EntityRecord
	Error       string
	Latency     time.Duration
	CreatedAt   time.Time
}

// ExtractionLog stores extraction attempts for audit and tuning.
type ExtractionLog interface {
	Record(ctx context.Context, entry *ExtractionLogEntry) error
}

// ExtractionLogReader reads back stored extraction attempts.
type ExtractionLogReader interface {
	List(ctx context.Context, userID uuid.UUID, emailID string, limit int) ([]*ExtractionLogEntry, error)
}
