package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// MemoryStore implements every repository in process memory. It backs tests
// and the memory storage driver; all methods are safe for concurrent use and
// return copies.
type MemoryStore struct {
	mu sync.Mutex

	nextID      int64
	projects    map[string]*domain.Project
	mappings    []*domain.EmailProjectMapping
	corrections []*domain.Correction
	patterns    []*domain.LearningPattern
	feedback    []*domain.ModelFeedback
	jobs        map[int64]*domain.ScanJob
	scanConfigs map[uuid.UUID]*domain.ScanConfiguration
	tokens      map[uuid.UUID]*oauth2.Token
}

var (
	_ out.ProjectRepository    = (*MemoryStore)(nil)
	_ out.CorrectionRepository = (*MemoryStore)(nil)
	_ out.ScanJobRepository    = (*MemoryStore)(nil)
	_ out.TokenStore           = (*MemoryStore)(nil)
	_ out.TokenSaver           = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:    make(map[string]*domain.Project),
		jobs:        make(map[int64]*domain.ScanJob),
		scanConfigs: make(map[uuid.UUID]*domain.ScanConfiguration),
		tokens:      make(map[uuid.UUID]*oauth2.Token),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func copyProject(p *domain.Project) *domain.Project {
	cp := *p
	cp.NameAliases = append([]string{}, p.NameAliases...)
	cp.JobNumbers = append([]string{}, p.JobNumbers...)
	cp.Keywords = append([]string(nil), p.Keywords...)
	if p.LastEmailAt != nil {
		t := *p.LastEmailAt
		cp.LastEmailAt = &t
	}
	return &cp
}

func (m *MemoryStore) project(userID uuid.UUID, projectID string) (*domain.Project, error) {
	p, ok := m.projects[projectID]
	if !ok || p.UserID != userID {
		return nil, ErrNotFound
	}
	return p, nil
}

// =============================================================================
// Projects
// =============================================================================

func (m *MemoryStore) Create(_ context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ProjectID]; ok {
		return ErrDuplicate
	}
	now := time.Now()
	p.ID = m.id()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = domain.ProjectActive
	}
	m.projects[p.ProjectID] = copyProject(p)
	return nil
}

func (m *MemoryStore) Update(_ context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.project(p.UserID, p.ProjectID)
	if err != nil {
		return err
	}
	next := copyProject(p)
	// Stats and the alias/job sets are owned by their dedicated operations.
	next.EmailCount = cur.EmailCount
	next.LastEmailAt = cur.LastEmailAt
	next.NameAliases = cur.NameAliases
	next.JobNumbers = cur.JobNumbers
	next.UpdatedAt = time.Now()
	m.projects[p.ProjectID] = next
	return nil
}

func (m *MemoryStore) GetByProjectID(_ context.Context, userID uuid.UUID, projectID string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(userID, projectID)
	if err != nil {
		return nil, err
	}
	return copyProject(p), nil
}

func (m *MemoryStore) ListActive(ctx context.Context, userID uuid.UUID) ([]*domain.Project, error) {
	status := domain.ProjectActive
	return m.List(ctx, userID, domain.ProjectFilter{Status: &status})
}

func (m *MemoryStore) List(_ context.Context, userID uuid.UUID, f domain.ProjectFilter) ([]*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*domain.Project
	for _, p := range m.projects {
		if p.UserID != userID {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		if f.NeedsReview != nil && p.NeedsReview != *f.NeedsReview {
			continue
		}
		list = append(list, copyProject(p))
	}
	sort.Slice(list, func(i, j int) bool {
		ti, tj := lastEmailAt(list[i]), lastEmailAt(list[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return list[i].ID > list[j].ID
	})
	if f.Offset > 0 {
		if f.Offset >= len(list) {
			return nil, nil
		}
		list = list[f.Offset:]
	}
	if f.Limit > 0 && len(list) > f.Limit {
		list = list[:f.Limit]
	}
	return list, nil
}

func lastEmailAt(p *domain.Project) time.Time {
	if p.LastEmailAt == nil {
		return time.Time{}
	}
	return *p.LastEmailAt
}

func (m *MemoryStore) findActive(userID uuid.UUID, match func(p *domain.Project) bool) *domain.Project {
	var best *domain.Project
	for _, p := range m.projects {
		if p.UserID != userID || !p.IsActive() || !match(p) {
			continue
		}
		if best == nil || lastEmailAt(p).After(lastEmailAt(best)) {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	return copyProject(best)
}

func (m *MemoryStore) FindByName(_ context.Context, userID uuid.UUID, name string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findActive(userID, func(p *domain.Project) bool { return p.HasName(name) }), nil
}

func (m *MemoryStore) FindByAddress(_ context.Context, userID uuid.UUID, address string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := domain.Normalize(address)
	return m.findActive(userID, func(p *domain.Project) bool {
		return want != "" && domain.Normalize(p.Address.String()) == want
	}), nil
}

func (m *MemoryStore) FindByJobNumber(_ context.Context, userID uuid.UUID, job string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := strings.TrimSpace(job)
	return m.findActive(userID, func(p *domain.Project) bool {
		return want != "" && normalizedContains(p.JobNumbers, want)
	}), nil
}

func (m *MemoryStore) AddAlias(_ context.Context, userID uuid.UUID, projectID, alias string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(userID, projectID)
	if err != nil {
		return false, err
	}
	if !p.AddAlias(alias) {
		return false, nil
	}
	p.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) MergeJobNumbers(_ context.Context, userID uuid.UUID, projectID string, jobs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(userID, projectID)
	if err != nil {
		return err
	}
	if p.MergeJobNumbers(jobs) {
		p.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, userID uuid.UUID, projectID string, status domain.ProjectStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(userID, projectID)
	if err != nil {
		return err
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetNeedsReview(_ context.Context, userID uuid.UUID, projectID string, needsReview bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(userID, projectID)
	if err != nil {
		return err
	}
	p.NeedsReview = needsReview
	p.UpdatedAt = time.Now()
	return nil
}

// =============================================================================
// Mappings
// =============================================================================

func (m *MemoryStore) activeMapping(userID uuid.UUID, emailID, projectID string) *domain.EmailProjectMapping {
	for _, mp := range m.mappings {
		if mp.IsActive && mp.UserID == userID && mp.EmailID == emailID && mp.ProjectID == projectID {
			return mp
		}
	}
	return nil
}

func (m *MemoryStore) countActive(userID uuid.UUID, projectID string) int {
	n := 0
	for _, mp := range m.mappings {
		if mp.IsActive && mp.UserID == userID && mp.ProjectID == projectID {
			n++
		}
	}
	return n
}

func (m *MemoryStore) AssignEmail(_ context.Context, params out.AssignEmailParams) (*domain.EmailProjectMapping, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(params.UserID, params.ProjectID)
	if err != nil {
		return nil, false, err
	}

	created := false
	mp := m.activeMapping(params.UserID, params.EmailID, params.ProjectID)
	now := time.Now()
	if mp == nil {
		mp = &domain.EmailProjectMapping{
			ID:                m.id(),
			UserID:            params.UserID,
			EmailID:           params.EmailID,
			ThreadID:          params.ThreadID,
			ProjectID:         params.ProjectID,
			Confidence:        params.Confidence,
			AssociationMethod: params.Method,
			IsActive:          true,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		m.mappings = append(m.mappings, mp)
		created = true
	}

	p.EmailCount = m.countActive(params.UserID, params.ProjectID)
	at := params.EmailAt
	if at.IsZero() {
		at = now
	}
	if p.LastEmailAt == nil || at.After(*p.LastEmailAt) {
		p.LastEmailAt = &at
	}
	p.UpdatedAt = now

	cp := *mp
	return &cp, created, nil
}

func (m *MemoryStore) RemoveEmail(_ context.Context, userID uuid.UUID, projectID, emailID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(userID, projectID)
	if err != nil {
		return err
	}
	mp := m.activeMapping(userID, emailID, projectID)
	if mp == nil {
		return ErrNotFound
	}
	mp.IsActive = false
	mp.UpdatedAt = time.Now()
	p.EmailCount = m.countActive(userID, projectID)
	p.UpdatedAt = mp.UpdatedAt
	return nil
}

func (m *MemoryStore) ActiveMappings(_ context.Context, userID uuid.UUID, emailID string) ([]*domain.EmailProjectMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*domain.EmailProjectMapping
	for _, mp := range m.mappings {
		if mp.IsActive && mp.UserID == userID && mp.EmailID == emailID {
			cp := *mp
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (m *MemoryStore) MappedEmails(_ context.Context, userID uuid.UUID, emailIDs []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(emailIDs))
	for _, id := range emailIDs {
		want[id] = true
	}
	mapped := make(map[string]bool)
	for _, mp := range m.mappings {
		if mp.IsActive && mp.UserID == userID && want[mp.EmailID] {
			mapped[mp.EmailID] = true
		}
	}
	return mapped, nil
}

func (m *MemoryStore) CountActiveMappings(_ context.Context, userID uuid.UUID, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countActive(userID, projectID), nil
}

// =============================================================================
// Corrections
// =============================================================================

func (m *MemoryStore) CreateCorrection(_ context.Context, c *domain.Correction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	m.corrections = append(m.corrections, &cp)
	return nil
}

func (m *MemoryStore) GetCorrection(_ context.Context, userID uuid.UUID, id int64) (*domain.Correction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.corrections {
		if c.ID == id && c.UserID == userID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListUnprocessed(_ context.Context, userID uuid.UUID, limit int) ([]*domain.Correction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*domain.Correction
	for i := len(m.corrections) - 1; i >= 0; i-- {
		c := m.corrections[i]
		if c.UserID != userID || c.IsProcessed() {
			continue
		}
		cp := *c
		list = append(list, &cp)
		if limit > 0 && len(list) == limit {
			break
		}
	}
	return list, nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, userID uuid.UUID, ids []int64, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	n := 0
	for _, c := range m.corrections {
		if c.UserID == userID && want[c.ID] && !c.IsProcessed() {
			t := at
			c.ProcessedAt = &t
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpsertPattern(_ context.Context, p *domain.LearningPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, cur := range m.patterns {
		if cur.UserID == p.UserID && cur.PatternType == p.PatternType && cur.Key == p.Key {
			p.ID = cur.ID
			p.CreatedAt = cur.CreatedAt
			p.UpdatedAt = now
			*cur = *p
			return nil
		}
	}
	p.ID = m.id()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	m.patterns = append(m.patterns, &cp)
	return nil
}

func (m *MemoryStore) ListPatterns(_ context.Context, userID uuid.UUID, t domain.PatternType) ([]*domain.LearningPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*domain.LearningPattern
	for _, p := range m.patterns {
		if p.UserID == userID && p.IsActive && (t == "" || p.PatternType == t) {
			cp := *p
			list = append(list, &cp)
		}
	}
	return list, nil
}

func (m *MemoryStore) CreateFeedback(_ context.Context, f *domain.ModelFeedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = m.id()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	cp := *f
	m.feedback = append(m.feedback, &cp)
	return nil
}

// =============================================================================
// Scan jobs
// =============================================================================

func (m *MemoryStore) CreateJob(_ context.Context, job *domain.ScanJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	job.ID = m.id()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, userID uuid.UUID, id int64) (*domain.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (userID != uuid.Nil && j.UserID != userID) {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListJobs(_ context.Context, userID uuid.UUID, limit int) ([]*domain.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*domain.ScanJob
	for _, j := range m.jobs {
		if j.UserID == userID {
			cp := *j
			list = append(list, &cp)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id int64, status domain.ScanStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	j.Status = status
	j.ErrorMessage = errMsg
	j.UpdatedAt = now
	switch {
	case status == domain.ScanRunning && j.StartedAt == nil:
		j.StartedAt = &now
	case status.IsTerminal():
		j.CompletedAt = &now
	}
	return nil
}

func (m *MemoryStore) ClaimJob(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if !j.Status.Claimable() {
		return false, nil
	}
	now := time.Now()
	j.Status = domain.ScanRunning
	j.ErrorMessage = ""
	j.UpdatedAt = now
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	return true, nil
}

func (m *MemoryStore) Checkpoint(_ context.Context, job *domain.ScanJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	j.TotalItems = job.TotalItems
	j.ProcessedItems = job.ProcessedItems
	j.FailedItems = job.FailedItems
	j.PageToken = job.PageToken
	j.PageOffset = job.PageOffset
	j.Summary = job.Summary
	j.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) GetScanConfig(_ context.Context, userID uuid.UUID) (*domain.ScanConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.scanConfigs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) SaveScanConfig(_ context.Context, cfg *domain.ScanConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.UpdatedAt = time.Now()
	cp := *cfg
	cp.IncludeLabels = append([]string(nil), cfg.IncludeLabels...)
	cp.ExcludeLabels = append([]string(nil), cfg.ExcludeLabels...)
	cp.ExcludedSenders = append([]string(nil), cfg.ExcludedSenders...)
	cp.ExcludedDomains = append([]string(nil), cfg.ExcludedDomains...)
	m.scanConfigs[cfg.UserID] = &cp
	return nil
}

// =============================================================================
// Mail tokens
// =============================================================================

func (m *MemoryStore) GetToken(_ context.Context, userID uuid.UUID) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) SaveToken(_ context.Context, userID uuid.UUID, token *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	if cp.RefreshToken == "" {
		if cur, ok := m.tokens[userID]; ok {
			cp.RefreshToken = cur.RefreshToken
		}
	}
	m.tokens[userID] = &cp
	return nil
}

// normalizedContains reports whether any of values equals want, ignoring case.
func normalizedContains(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}
