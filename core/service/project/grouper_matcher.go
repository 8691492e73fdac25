// Package project matches entity records to a user's projects, creating new
// projects when nothing matches, and owns project aliasing and statistics.
package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/core/service/confidence"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/logger"
	"grouper_server/pkg/metrics"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// NameHints supplies learned project name variations for a user.
type NameHints interface {
	NameVariations(ctx context.Context, userID uuid.UUID) ([]domain.NameVariation, error)
}

type Config struct {
	// ActiveCacheTTL bounds how long a user's active project list is reused.
	ActiveCacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{ActiveCacheTTL: 30 * time.Second}
}

type Service struct {
	repo   out.ProjectRepository
	policy *confidence.Policy
	hints  NameHints
	active *gocache.Cache
}

func NewService(repo out.ProjectRepository, policy *confidence.Policy, hints NameHints, cfg Config) *Service {
	if cfg.ActiveCacheTTL == 0 {
		cfg.ActiveCacheTTL = DefaultConfig().ActiveCacheTTL
	}
	if policy == nil {
		policy = confidence.NewDefaultPolicy()
	}
	return &Service{
		repo:   repo,
		policy: policy,
		hints:  hints,
		active: gocache.New(cfg.ActiveCacheTTL, 2*cfg.ActiveCacheTTL),
	}
}

// SetHints wires the learned-name source after construction.
func (s *Service) SetHints(h NameHints) {
	s.hints = h
}

// DetectInput is one request to place an entity record in a project.
type DetectInput struct {
	UserID     uuid.UUID
	Record     *domain.EntityRecord
	AutoCreate bool
	// Threshold overrides the policy's auto_grouping cutoff when set.
	Threshold *float64
	Method    domain.AssociationMethod
}

// DetectProjectForEmail resolves the record to a project and maps the email
// to it. A record already mapped returns its current project unchanged.
// Rejected is a valid outcome with a nil project.
func (s *Service) DetectProjectForEmail(ctx context.Context, in DetectInput) (*domain.DetectionResult, error) {
	if in.Record == nil {
		return nil, apperr.MissingField("record")
	}
	snap := s.policy.Snapshot()
	log := logger.WithContext(ctx).WithField("email_id", in.Record.EmailID)

	if in.Record.EmailID != "" {
		res, err := s.existingMapping(ctx, in.UserID, in.Record.EmailID)
		if err != nil {
			return nil, err
		}
		if res != nil {
			log.Debug("email already mapped to %s", res.Project.ProjectID)
			return res, nil
		}
	}

	res, err := s.resolve(ctx, snap, resolveInput{
		userID:     in.UserID,
		record:     in.Record,
		autoCreate: in.AutoCreate,
		threshold:  in.Threshold,
		confidence: in.Record.Confidence,
	})
	if err != nil {
		return nil, err
	}
	metrics.MatchOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome == domain.OutcomeRejected {
		log.Debug("no project matched")
		return res, nil
	}

	method := in.Method
	if method == "" {
		method = domain.AssociationAuto
	}
	if in.Record.EmailID != "" {
		mapping, err := s.assign(ctx, in.UserID, res.Project.ProjectID, in.Record, res.Confidence, method)
		if err != nil {
			return nil, err
		}
		res.Mapping = mapping
		if p, err := s.repo.GetByProjectID(ctx, in.UserID, res.Project.ProjectID); err == nil {
			res.Project = p
		}
	}

	log.WithFields(map[string]any{
		"project_id": res.Project.ProjectID,
		"outcome":    res.Outcome,
		"confidence": res.Confidence,
	}).Info("project detected")
	return res, nil
}

func (s *Service) existingMapping(ctx context.Context, userID uuid.UUID, emailID string) (*domain.DetectionResult, error) {
	mappings, err := s.repo.ActiveMappings(ctx, userID, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}
	var best *domain.EmailProjectMapping
	for _, m := range mappings {
		if best == nil || m.Confidence > best.Confidence {
			best = m
		}
	}
	if best == nil {
		return nil, nil
	}
	p, err := s.repo.GetByProjectID(ctx, userID, best.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapped project: %w", err)
	}
	return &domain.DetectionResult{
		Outcome:     domain.OutcomeMatched,
		Project:     p,
		Mapping:     best,
		Confidence:  best.Confidence,
		NeedsReview: p.NeedsReview,
		Reasons:     []string{ReasonAlreadyMapped},
	}, nil
}

type resolveInput struct {
	userID     uuid.UUID
	record     *domain.EntityRecord
	autoCreate bool
	threshold  *float64
	// confidence is used for creation and review decisions.
	confidence float64
	// lookup enables name, address and job number lookups when scoring
	// finds nothing.
	lookup bool
}

// resolve runs match-or-create for a record without mapping any email.
func (s *Service) resolve(ctx context.Context, snap confidence.Snapshot, in resolveInput) (*domain.DetectionResult, error) {
	threshold := snap.Thresholds.AutoGrouping
	if in.threshold != nil {
		threshold = *in.threshold
	}

	projects, err := s.activeProjects(ctx, in.userID)
	if err != nil {
		return nil, err
	}
	eq := s.equivalents(ctx, in.userID)

	cands := make([]candidate, 0, len(projects))
	for _, p := range projects {
		if c := scoreProject(in.record, p, eq); c.score > 0 {
			cands = append(cands, c)
		}
	}
	rankCandidates(cands)

	if len(cands) > 0 && cands[0].score >= threshold {
		best := cands[0]
		if err := s.absorb(ctx, in.userID, best.project, in.record, best.reasons); err != nil {
			return nil, err
		}
		needsReview, err := s.flagIfBelowReview(ctx, snap, in.userID, best.project, best.score)
		if err != nil {
			return nil, err
		}
		return &domain.DetectionResult{
			Outcome:     domain.OutcomeMatched,
			Project:     best.project,
			Confidence:  best.score,
			NeedsReview: needsReview,
			Reasons:     best.reasons,
		}, nil
	}

	if in.lookup {
		p, err := s.lookup(ctx, in.userID, in.record)
		if err != nil {
			return nil, err
		}
		if p != nil {
			if err := s.absorb(ctx, in.userID, p, in.record, nil); err != nil {
				return nil, err
			}
			needsReview, err := s.flagIfBelowReview(ctx, snap, in.userID, p, in.confidence)
			if err != nil {
				return nil, err
			}
			return &domain.DetectionResult{
				Outcome:     domain.OutcomeMatched,
				Project:     p,
				Confidence:  in.confidence,
				NeedsReview: needsReview,
				Reasons:     []string{ReasonLookup},
			}, nil
		}
	}

	if !in.autoCreate || in.record.Name() == "" {
		res := &domain.DetectionResult{Outcome: domain.OutcomeRejected}
		if len(cands) > 0 {
			res.Confidence = cands[0].score
			res.Reasons = cands[0].reasons
		}
		return res, nil
	}

	p, err := s.create(ctx, snap, in.userID, in.record, in.confidence)
	if err != nil {
		return nil, err
	}
	return &domain.DetectionResult{
		Outcome:     domain.OutcomeCreated,
		Project:     p,
		Confidence:  in.confidence,
		NeedsReview: p.NeedsReview,
	}, nil
}

// lookup finds a project by name, then address, then job number.
func (s *Service) lookup(ctx context.Context, userID uuid.UUID, rec *domain.EntityRecord) (*domain.Project, error) {
	if name := rec.Name(); name != "" {
		p, err := s.repo.FindByName(ctx, userID, name)
		if err != nil || p != nil {
			return p, err
		}
	}
	if addr := rec.Address.String(); addr != "" {
		p, err := s.repo.FindByAddress(ctx, userID, addr)
		if err != nil || p != nil {
			return p, err
		}
	}
	for _, job := range rec.JobNumbers {
		p, err := s.repo.FindByJobNumber(ctx, userID, job)
		if err != nil || p != nil {
			return p, err
		}
	}
	return nil, nil
}

func (s *Service) create(ctx context.Context, snap confidence.Snapshot, userID uuid.UUID, rec *domain.EntityRecord, conf float64) (*domain.Project, error) {
	now := time.Now()
	p := &domain.Project{
		ProjectID:          domain.NewProjectID(userID),
		UserID:             userID,
		ProjectName:        rec.Name(),
		JobNumbers:         append([]string(nil), rec.JobNumbers...),
		Keywords:           append([]string(nil), rec.Keywords...),
		Status:             domain.ProjectActive,
		ConfidenceScore:    conf,
		NeedsReview:        !snap.CanCreateProject(conf) || snap.NeedsManualReview(conf),
		CreatedFromEmailID: rec.EmailID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if p.ProjectName == "" {
		p.ProjectName = domain.DefaultProjectName
	}
	if rec.Address != nil {
		p.Address = *rec.Address
	}
	if rec.ClientInfo != nil {
		p.ClientName = rec.ClientInfo.Name
		p.ClientEmail = rec.ClientInfo.Email
		p.ClientPhone = rec.ClientInfo.Phone
		p.ClientCompany = rec.ClientInfo.Company
	}
	if rec.ProjectType != nil {
		p.ProjectType = *rec.ProjectType
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	s.invalidate(userID)
	metrics.MatchOutcomes.WithLabelValues("project_created").Inc()
	return p, nil
}

// absorb grows the project's job numbers and, when the match rests on more
// than the name, learns the record's name as an alias.
func (s *Service) absorb(ctx context.Context, userID uuid.UUID, p *domain.Project, rec *domain.EntityRecord, reasons []string) error {
	changed := false
	if len(rec.JobNumbers) > 0 && p.MergeJobNumbers(rec.JobNumbers) {
		if err := s.repo.MergeJobNumbers(ctx, userID, p.ProjectID, rec.JobNumbers); err != nil {
			return fmt.Errorf("failed to merge job numbers: %w", err)
		}
		changed = true
	}
	if name := rec.Name(); name != "" && !p.HasName(name) && hasIdentitySignal(reasons) {
		if _, err := s.repo.AddAlias(ctx, userID, p.ProjectID, name); err != nil {
			return fmt.Errorf("failed to add alias: %w", err)
		}
		p.AddAlias(name)
		changed = true
	}
	if changed {
		s.invalidate(userID)
	}
	return nil
}

func hasIdentitySignal(reasons []string) bool {
	for _, r := range reasons {
		switch r {
		case ReasonExactAddress, ReasonJobNumber:
			return true
		}
	}
	return false
}

// flagIfBelowReview sets needs_review when conf is under manual_review. The
// flag is never cleared here.
func (s *Service) flagIfBelowReview(ctx context.Context, snap confidence.Snapshot, userID uuid.UUID, p *domain.Project, conf float64) (bool, error) {
	if !snap.NeedsManualReview(conf) {
		return p.NeedsReview, nil
	}
	if !p.NeedsReview {
		if err := s.repo.SetNeedsReview(ctx, userID, p.ProjectID, true); err != nil {
			return false, fmt.Errorf("failed to flag project: %w", err)
		}
		p.NeedsReview = true
		s.invalidate(userID)
	}
	return true, nil
}

func (s *Service) assign(ctx context.Context, userID uuid.UUID, projectID string, rec *domain.EntityRecord, conf float64, method domain.AssociationMethod) (*domain.EmailProjectMapping, error) {
	at := time.Now()
	if rec.ReceivedAt != nil {
		at = *rec.ReceivedAt
	}
	mapping, _, err := s.repo.AssignEmail(ctx, out.AssignEmailParams{
		UserID:     userID,
		ProjectID:  projectID,
		EmailID:    rec.EmailID,
		ThreadID:   rec.ThreadID,
		Confidence: conf,
		Method:     method,
		EmailAt:    at,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assign email: %w", err)
	}
	s.invalidate(userID)
	return mapping, nil
}

func (s *Service) activeProjects(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error) {
	key := userID.String()
	if v, ok := s.active.Get(key); ok {
		return cloneAll(v.([]*domain.Project)), nil
	}
	projects, err := s.repo.ListActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	s.active.SetDefault(key, cloneAll(projects))
	return projects, nil
}

// cloneAll copies projects so cached values are never mutated by callers.
func cloneAll(projects []*domain.Project) []*domain.Project {
	out := make([]*domain.Project, len(projects))
	for i, p := range projects {
		cp := *p
		cp.NameAliases = append([]string(nil), p.NameAliases...)
		cp.JobNumbers = append([]string(nil), p.JobNumbers...)
		cp.Keywords = append([]string(nil), p.Keywords...)
		out[i] = &cp
	}
	return out
}

func (s *Service) invalidate(userID uuid.UUID) {
	s.active.Delete(userID.String())
}

func (s *Service) equivalents(ctx context.Context, userID uuid.UUID) equivalents {
	if s.hints == nil {
		return nil
	}
	vars, err := s.hints.NameVariations(ctx, userID)
	if err != nil {
		logger.WithError(err).WithField("user_id", userID).Warn("failed to load name variations")
		return nil
	}
	return buildEquivalents(vars)
}

func notFound(err error, projectID string) error {
	if errors.Is(err, out.ErrNotFound) {
		return apperr.NotFound("project " + projectID)
	}
	return err
}
