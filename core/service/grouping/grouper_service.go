// Package grouping clusters a batch of entity records from many senders
// into project groups and resolves each group to a stored project.
package grouping

import (
	"context"
	"fmt"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/core/service/confidence"
	"grouper_server/core/service/extraction"
	"grouper_server/core/service/project"
	"grouper_server/pkg/logger"

	"github.com/google/uuid"
)

// Unmatched reasons.
const (
	ReasonExtractionFailed = "extraction_failed"
	ReasonNoIdentifiers    = "no_project_identifiers"
	ReasonNoMatch          = "no_matching_project"
)

// Matcher resolves groups and single records to projects.
type Matcher interface {
	ResolveGroup(ctx context.Context, in project.GroupInput) (*domain.DetectionResult, error)
	AssignEmail(ctx context.Context, userID uuid.UUID, projectID string, rec *domain.EntityRecord, conf float64, method domain.AssociationMethod) (*domain.EmailProjectMapping, error)
	DetectProjectForEmail(ctx context.Context, in project.DetectInput) (*domain.DetectionResult, error)
}

// BatchExtractor extracts entity records for many emails, isolating failures.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, userID uuid.UUID, emails []*domain.EmailContent) []extraction.BatchItem
}

// Options control one grouping call.
type Options struct {
	HandleMultiSender bool `json:"handle_multi_sender"`
	HandleEdgeCases   bool `json:"handle_edge_cases"`
	AutoCreate        bool `json:"auto_create"`
	// DryRun computes groups without touching stored projects.
	DryRun bool `json:"dry_run"`
}

// DefaultOptions enables every stage.
func DefaultOptions() Options {
	return Options{HandleMultiSender: true, HandleEdgeCases: true, AutoCreate: true}
}

type Deps struct {
	Matcher   Matcher
	Policy    *confidence.Policy
	Extractor BatchExtractor
	Comparer  Comparer
	// Graph is optional.
	Graph out.ParticipantGraph
}

type Service struct {
	matcher   Matcher
	policy    *confidence.Policy
	extractor BatchExtractor
	comparer  Comparer
	graph     out.ParticipantGraph
}

func NewService(deps Deps) *Service {
	policy := deps.Policy
	if policy == nil {
		policy = confidence.NewDefaultPolicy()
	}
	return &Service{
		matcher:   deps.Matcher,
		policy:    policy,
		extractor: deps.Extractor,
		comparer:  deps.Comparer,
		graph:     deps.Graph,
	}
}

// GroupEmails extracts every email and groups the successful records. Emails
// whose extraction failed are reported as unmatched.
func (s *Service) GroupEmails(ctx context.Context, userID uuid.UUID, emails []*domain.EmailContent, opts Options) (*domain.GroupingResult, error) {
	if s.extractor == nil {
		return nil, fmt.Errorf("grouping: no extractor configured")
	}
	items := s.extractor.ExtractBatch(ctx, userID, emails)
	res, err := s.GroupBatch(ctx, userID, extraction.Records(items), opts)
	if err != nil {
		return nil, err
	}
	for _, f := range extraction.Failures(items) {
		res.UnmatchedEmails = append(res.UnmatchedEmails, domain.UnmatchedEmail{
			EmailID: f.EmailID,
			Reason:  ReasonExtractionFailed,
		})
	}
	return res, nil
}

// GroupBatch groups records and, unless DryRun is set, resolves every group
// to a project and maps its members with method multi_sender.
func (s *Service) GroupBatch(ctx context.Context, userID uuid.UUID, records []domain.EntityRecord, opts Options) (*domain.GroupingResult, error) {
	res := &domain.GroupingResult{
		ProjectGroups:   []domain.ProjectGroup{},
		UnmatchedEmails: []domain.UnmatchedEmail{},
	}
	if len(records) == 0 {
		return res, nil
	}
	snap := s.policy.Snapshot()
	log := logger.WithContext(ctx).WithFields(map[string]any{
		"user_id": userID,
		"records": len(records),
	})

	if !opts.HandleMultiSender {
		return s.detectEach(ctx, userID, records, opts, res)
	}

	groups := PriorityGroups(records)
	if opts.HandleEdgeCases {
		groups = HandleEdgeCases(groups, snap.Thresholds)
	}

	for i := range groups {
		g := &groups[i]
		if len(g.Members) == 1 && !g.Members[0].HasSignals() {
			res.UnmatchedEmails = append(res.UnmatchedEmails, domain.UnmatchedEmail{
				EmailID: g.Members[0].EmailID,
				Reason:  ReasonNoIdentifiers,
			})
			continue
		}
		if !opts.DryRun {
			if err := s.resolve(ctx, userID, g, opts.AutoCreate, snap); err != nil {
				return nil, err
			}
			if g.Outcome == domain.OutcomeRejected {
				for _, id := range g.EmailIDs {
					res.UnmatchedEmails = append(res.UnmatchedEmails, domain.UnmatchedEmail{EmailID: id, Reason: ReasonNoMatch})
				}
			}
		}
		res.ProjectGroups = append(res.ProjectGroups, *g)
	}

	log.WithFields(map[string]any{
		"groups":    len(res.ProjectGroups),
		"unmatched": len(res.UnmatchedEmails),
	}).Info("batch grouped")
	return res, nil
}

// resolve matches or creates the group's project and maps every member.
func (s *Service) resolve(ctx context.Context, userID uuid.UUID, g *domain.ProjectGroup, autoCreate bool, snap confidence.Snapshot) error {
	det, err := s.matcher.ResolveGroup(ctx, project.GroupInput{
		UserID:     userID,
		Record:     synthetic(g),
		Confidence: g.Confidence,
		AutoCreate: autoCreate,
		Snapshot:   &snap,
	})
	if err != nil {
		return fmt.Errorf("failed to resolve group %s: %w", g.GroupID, err)
	}
	g.Outcome = det.Outcome
	if det.Outcome == domain.OutcomeRejected {
		return nil
	}
	g.ProjectID = det.Project.ProjectID
	if det.NeedsReview {
		g.NeedsReview = true
	}

	for i := range g.Members {
		m := &g.Members[i]
		if m.EmailID == "" {
			continue
		}
		if _, err := s.matcher.AssignEmail(ctx, userID, g.ProjectID, m, g.Confidence, domain.AssociationMultiSender); err != nil {
			return fmt.Errorf("failed to map email %s: %w", m.EmailID, err)
		}
	}

	if s.graph != nil && len(g.Senders) > 0 {
		if err := s.graph.RecordParticipants(ctx, userID, g.ProjectID, g.Senders); err != nil {
			logger.WithContext(ctx).WithError(err).WithField("project_id", g.ProjectID).Warn("failed to record participants")
		}
	}
	return nil
}

// detectEach runs every record through the matcher on its own.
func (s *Service) detectEach(ctx context.Context, userID uuid.UUID, records []domain.EntityRecord, opts Options, res *domain.GroupingResult) (*domain.GroupingResult, error) {
	for i := range records {
		rec := &records[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !rec.HasSignals() {
			res.UnmatchedEmails = append(res.UnmatchedEmails, domain.UnmatchedEmail{EmailID: rec.EmailID, Reason: ReasonNoIdentifiers})
			continue
		}
		g := newGroup([]domain.EntityRecord{*rec}, singleConfidence(rec), domain.IndicatorSingle, "")
		g.GroupID = fmt.Sprintf("group_%d", len(res.ProjectGroups)+1)
		if opts.DryRun {
			res.ProjectGroups = append(res.ProjectGroups, g)
			continue
		}

		det, err := s.matcher.DetectProjectForEmail(ctx, project.DetectInput{
			UserID:     userID,
			Record:     rec,
			AutoCreate: opts.AutoCreate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to detect project for %s: %w", rec.EmailID, err)
		}
		if det.Outcome == domain.OutcomeRejected {
			res.UnmatchedEmails = append(res.UnmatchedEmails, domain.UnmatchedEmail{EmailID: rec.EmailID, Reason: ReasonNoMatch})
			continue
		}
		g.Outcome = det.Outcome
		g.ProjectID = det.Project.ProjectID
		g.Confidence = det.Confidence
		g.NeedsReview = det.NeedsReview
		res.ProjectGroups = append(res.ProjectGroups, g)
	}
	return res, nil
}

func singleConfidence(rec *domain.EntityRecord) float64 {
	if rec.Confidence <= 0 {
		return defaultSingleConfidence
	}
	return rec.Confidence
}

// synthetic builds the record that stands for a group during matching.
func synthetic(g *domain.ProjectGroup) *domain.EntityRecord {
	rec := &domain.EntityRecord{
		ProjectName: domain.StringPtr(g.ProjectName),
		Confidence:  g.Confidence,
	}
	if g.Address != "" {
		rec.Address = &domain.Address{FullAddress: g.Address}
	}
	var jobs, keywords []string
	for i := range g.Members {
		m := &g.Members[i]
		if rec.EmailID == "" {
			rec.EmailID = m.EmailID
		}
		jobs = append(jobs, m.JobNumbers...)
		keywords = append(keywords, m.Keywords...)
		if rec.ClientInfo == nil && m.ClientInfo != nil && !m.ClientInfo.IsEmpty() {
			ci := *m.ClientInfo
			rec.ClientInfo = &ci
		}
		if rec.ProjectType == nil && m.ProjectType != nil {
			rec.ProjectType = m.ProjectType
		}
	}
	rec.JobNumbers = dedupe(jobs)
	rec.Keywords = dedupe(keywords)
	return rec
}

// dedupe drops case-insensitive duplicates, keeping the first spelling.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		n := domain.Normalize(v)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, v)
	}
	return out
}
