package project

import (
	"context"
	"fmt"
	"strings"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/service/confidence"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/logger"

	"github.com/google/uuid"
)

// GroupInput is a synthetic record standing for a batch group.
type GroupInput struct {
	UserID     uuid.UUID
	Record     *domain.EntityRecord
	Confidence float64
	AutoCreate bool
	// Snapshot pins the thresholds the caller already used for the batch.
	// Nil takes the current table.
	Snapshot *confidence.Snapshot
}

// ResolveGroup runs match-or-create for a batch group without mapping any
// email. When scoring finds nothing it falls back to direct lookups by
// name, address and job number before creating.
func (s *Service) ResolveGroup(ctx context.Context, in GroupInput) (*domain.DetectionResult, error) {
	if in.Record == nil {
		return nil, apperr.MissingField("record")
	}
	snap := s.policy.Snapshot()
	if in.Snapshot != nil {
		snap = *in.Snapshot
	}
	res, err := s.resolve(ctx, snap, resolveInput{
		userID:     in.UserID,
		record:     in.Record,
		autoCreate: in.AutoCreate,
		confidence: in.Confidence,
		lookup:     true,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// AssignEmail maps one email to a project. It is idempotent per
// (user, email, project) and keeps email_count equal to the active mappings.
func (s *Service) AssignEmail(ctx context.Context, userID uuid.UUID, projectID string, rec *domain.EntityRecord, conf float64, method domain.AssociationMethod) (*domain.EmailProjectMapping, error) {
	if rec == nil || rec.EmailID == "" {
		return nil, apperr.MissingField("email_id")
	}
	if !method.Valid() {
		return nil, apperr.InvalidInput("association_method", string(method))
	}
	if _, err := s.GetProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	return s.assign(ctx, userID, projectID, rec, conf, method)
}

// RemoveEmail deactivates the email's mapping to the project and recounts.
func (s *Service) RemoveEmail(ctx context.Context, userID uuid.UUID, projectID, emailID string) error {
	if err := s.repo.RemoveEmail(ctx, userID, projectID, emailID); err != nil {
		return notFound(err, projectID)
	}
	s.invalidate(userID)
	logger.WithContext(ctx).WithFields(map[string]any{
		"project_id": projectID,
		"email_id":   emailID,
	}).Info("email removed from project")
	return nil
}

// AddAlias adds a name alias. Adding an alias that already exists, in any
// letter case, is a no-op that reports false.
func (s *Service) AddAlias(ctx context.Context, userID uuid.UUID, projectID, alias string) (bool, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return false, apperr.MissingField("alias")
	}
	p, err := s.GetProject(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	if p.HasName(alias) {
		return false, nil
	}
	added, err := s.repo.AddAlias(ctx, userID, projectID, alias)
	if err != nil {
		return false, fmt.Errorf("failed to add alias: %w", err)
	}
	if added {
		s.invalidate(userID)
	}
	return added, nil
}

// SetStatus moves a project through its lifecycle.
func (s *Service) SetStatus(ctx context.Context, userID uuid.UUID, projectID string, status domain.ProjectStatus) (*domain.Project, error) {
	if !status.Valid() {
		return nil, apperr.InvalidInput("status", string(status))
	}
	p, err := s.GetProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if p.Status == status {
		return p, nil
	}
	if !p.Status.CanTransitionTo(status) {
		return nil, apperr.Conflict(fmt.Sprintf("cannot move project from %s to %s", p.Status, status))
	}
	if err := s.repo.SetStatus(ctx, userID, projectID, status); err != nil {
		return nil, notFound(err, projectID)
	}
	s.invalidate(userID)
	p.Status = status
	p.UpdatedAt = time.Now()
	return p, nil
}

// ClearReview clears needs_review. It is the only path that does, and is
// reserved for an explicit human action.
func (s *Service) ClearReview(ctx context.Context, userID uuid.UUID, projectID string) (*domain.Project, error) {
	p, err := s.GetProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if !p.NeedsReview {
		return p, nil
	}
	if err := s.repo.SetNeedsReview(ctx, userID, projectID, false); err != nil {
		return nil, notFound(err, projectID)
	}
	s.invalidate(userID)
	p.NeedsReview = false
	return p, nil
}

// GetProject loads one project.
func (s *Service) GetProject(ctx context.Context, userID uuid.UUID, projectID string) (*domain.Project, error) {
	p, err := s.repo.GetByProjectID(ctx, userID, projectID)
	if err != nil {
		return nil, notFound(err, projectID)
	}
	return p, nil
}

// ListProjects lists a user's projects.
func (s *Service) ListProjects(ctx context.Context, userID uuid.UUID, filter domain.ProjectFilter) ([]*domain.Project, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.repo.List(ctx, userID, filter)
}

// EmailMappings returns the active mappings of an email.
func (s *Service) EmailMappings(ctx context.Context, userID uuid.UUID, emailID string) ([]*domain.EmailProjectMapping, error) {
	return s.repo.ActiveMappings(ctx, userID, emailID)
}

