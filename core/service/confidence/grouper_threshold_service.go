package confidence

import (
	"context"
	"fmt"
	"sync"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/logger"
)

// ThresholdService exposes the admin surface over a Policy and keeps it in
// step with the shared store when one is configured.
type ThresholdService struct {
	policy *Policy
	store  out.ThresholdStore

	// mu serializes updates so a save and its local swap stay paired.
	mu sync.Mutex
}

// NewThresholdService creates a new ThresholdService. store may be nil.
func NewThresholdService(policy *Policy, store out.ThresholdStore) *ThresholdService {
	return &ThresholdService{policy: policy, store: store}
}

// Policy returns the underlying policy.
func (s *ThresholdService) Policy() *Policy {
	return s.policy
}

// GetThresholds returns the current table.
func (s *ThresholdService) GetThresholds(ctx context.Context) domain.Thresholds {
	return s.policy.Thresholds()
}

// UpdateThresholds validates u, persists the resulting table, and only then
// applies it locally. A failed save leaves every process on the old table.
// Stored decisions are untouched; only later evaluations see the new table.
func (s *ThresholdService) UpdateThresholds(ctx context.Context, u domain.ThresholdUpdate) (domain.Thresholds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.policy.Thresholds()
	next := u.Apply(current)
	if err := next.Validate(); err != nil {
		return current, apperr.ValidationFailed(err.Error())
	}
	if s.store != nil {
		if err := s.store.Save(ctx, next); err != nil {
			return current, fmt.Errorf("failed to persist thresholds: %w", err)
		}
	}
	if err := s.policy.Replace(next); err != nil {
		return current, apperr.ValidationFailed(err.Error())
	}
	logger.WithFields(map[string]any{
		"auto_grouping":    next.AutoGrouping,
		"manual_review":    next.ManualReview,
		"project_creation": next.ProjectCreation,
	}).Info("confidence thresholds updated")
	return next, nil
}

// Evaluate returns the decision surface for c under the current table.
func (s *ThresholdService) Evaluate(ctx context.Context, c float64) Decision {
	return s.policy.Snapshot().Evaluate(c)
}

// Load replaces the table with the stored one, if any.
func (s *ThresholdService) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	t, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load thresholds: %w", err)
	}
	if t == nil {
		return nil
	}
	return s.policy.Replace(*t)
}

// Watch applies tables published by other processes until ctx ends.
func (s *ThresholdService) Watch(ctx context.Context) error {
	if s.store == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.store.Subscribe(ctx, func(t domain.Thresholds) {
		if err := s.policy.Replace(t); err != nil {
			logger.WithError(err).Warn("ignoring invalid published thresholds")
		}
	})
}
