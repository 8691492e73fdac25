package out

import (
	"context"

	"grouper_server/core/domain"

	"github.com/google/uuid"
)

// ThresholdStore shares the threshold table between processes.
type ThresholdStore interface {
	Load(ctx context.Context) (*domain.Thresholds, error)
	Save(ctx context.Context, t domain.Thresholds) error
	// Subscribe blocks, invoking fn for every table published by any process.
	Subscribe(ctx context.Context, fn func(domain.Thresholds)) error
}

// PatternCache caches learned patterns per user.
type PatternCache interface {
	GetPatterns(ctx context.Context, userID uuid.UUID) ([]*domain.LearningPattern, bool, error)
	SetPatterns(ctx context.Context, userID uuid.UUID, patterns []*domain.LearningPattern) error
	Invalidate(ctx context.Context, userID uuid.UUID) error
}
