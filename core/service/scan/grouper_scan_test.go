package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grouper_server/adapter/out/persistence"
	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/core/service/confidence"
	"grouper_server/core/service/extraction"
	"grouper_server/core/service/project"
	"grouper_server/pkg/apperr"
	"grouper_server/pkg/resilience"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestBuildQuery(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		start *time.Time
		end   *time.Time
		cfg   *domain.ScanConfiguration
		want  string
	}{
		{"empty", nil, nil, nil, ""},
		{"date range", &start, &end, nil, "after:2024/03/01 before:2024/06/30"},
		{"one label", nil, nil, &domain.ScanConfiguration{IncludeLabels: []string{"Jobs"}}, "label:Jobs"},
		{
			name:  "filters",
			start: &start,
			cfg: &domain.ScanConfiguration{
				IncludeLabels:   []string{"Jobs", "Site Visits"},
				ExcludeLabels:   []string{"Spam"},
				ExcludedSenders: []string{"news@x.com"},
				ExcludedDomains: []string{"@ads.com", "promo.net"},
			},
			want: "after:2024/03/01 (label:Jobs OR label:Site-Visits) -label:Spam -from:news@x.com -from:*@ads.com -from:*@promo.net",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildQuery(tt.start, tt.end, tt.cfg))
		})
	}
}

type fakeMail struct {
	mu        sync.Mutex
	pages     map[string]*out.ListResult
	messages  map[string]*domain.EmailContent
	listErrs  []error
	getErrs   map[string]error
	listCalls int
}

func newFakeMail() *fakeMail {
	return &fakeMail{
		pages:    make(map[string]*out.ListResult),
		messages: make(map[string]*domain.EmailContent),
		getErrs:  make(map[string]error),
	}
}

func (m *fakeMail) addPage(token, next string, msgs ...*domain.EmailContent) {
	page := &out.ListResult{NextPageToken: next}
	for _, msg := range msgs {
		page.Messages = append(page.Messages, out.MessageRef{ID: msg.ID, ThreadID: msg.ThreadID})
		m.messages[msg.ID] = msg
	}
	m.pages[token] = page
}

func (m *fakeMail) ListMessages(_ context.Context, _ *oauth2.Token, _ string, _ int, pageToken string) (*out.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if len(m.listErrs) > 0 {
		err := m.listErrs[0]
		m.listErrs = m.listErrs[1:]
		return nil, err
	}
	return m.pages[pageToken], nil
}

func (m *fakeMail) GetMessage(_ context.Context, _ *oauth2.Token, id string) (*domain.EmailContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getErrs[id]; err != nil {
		return nil, err
	}
	return m.messages[id], nil
}

func (m *fakeMail) ListLabels(context.Context, *oauth2.Token) ([]out.MailLabel, error) { return nil, nil }
func (m *fakeMail) CreateLabel(context.Context, *oauth2.Token, string) (*out.MailLabel, error) {
	return nil, nil
}
func (m *fakeMail) DeleteLabel(context.Context, *oauth2.Token, string) error { return nil }
func (m *fakeMail) ModifyMessage(context.Context, *oauth2.Token, string, []string, []string) error {
	return nil
}

type fakeTokens struct{}

func (fakeTokens) GetToken(context.Context, uuid.UUID) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "token"}, nil
}

// subjectExtractor names each record after the email subject and fails on "bad".
type subjectExtractor struct{}

func (subjectExtractor) ExtractBatch(_ context.Context, _ uuid.UUID, emails []*domain.EmailContent) []extraction.BatchItem {
	items := make([]extraction.BatchItem, len(emails))
	for i, e := range emails {
		if e.Subject == "bad" {
			items[i] = extraction.BatchItem{EmailID: e.ID, Err: &extraction.ExtractionError{EmailID: e.ID, Err: errors.New("no json")}}
			continue
		}
		items[i] = extraction.BatchItem{EmailID: e.ID, Confidence: 0.9, Record: &domain.EntityRecord{
			EmailID:     e.ID,
			ThreadID:    e.ThreadID,
			ProjectName: domain.StringPtr(e.Subject),
			Confidence:  0.9,
		}}
	}
	return items
}

type hookDetector struct {
	next  Detector
	after func()
	once  sync.Once
}

func (d *hookDetector) DetectProjectForEmail(ctx context.Context, in project.DetectInput) (*domain.DetectionResult, error) {
	res, err := d.next.DetectProjectForEmail(ctx, in)
	if d.after != nil {
		d.once.Do(d.after)
	}
	return res, err
}

type harness struct {
	svc      *Service
	store    *persistence.MemoryStore
	mail     *fakeMail
	detector *hookDetector
	user     uuid.UUID
}

func newHarness(t *testing.T, batch int) *harness {
	t.Helper()
	store := persistence.NewMemoryStore()
	mail := newFakeMail()
	det := &hookDetector{next: project.NewService(store, confidence.NewDefaultPolicy(), nil, project.Config{})}
	svc := NewService(Deps{
		Jobs:      store,
		Mappings:  store,
		Mail:      mail,
		Tokens:    fakeTokens{},
		Extractor: subjectExtractor{},
		Detector:  det,
	}, Config{
		BatchSize: batch,
		Retry:     resilience.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	return &harness{svc: svc, store: store, mail: mail, detector: det, user: uuid.New()}
}

func (h *harness) createJob(t *testing.T) *domain.ScanJob {
	t.Helper()
	job, err := h.svc.CreateJob(context.Background(), CreateJobInput{
		UserID:              h.user,
		AutoCreate:          true,
		ConfidenceThreshold: 0.4,
	})
	require.NoError(t, err)
	return job
}

func (h *harness) job(t *testing.T, id int64) *domain.ScanJob {
	t.Helper()
	job, err := h.svc.GetJob(context.Background(), h.user, id)
	require.NoError(t, err)
	return job
}

func email(id, subject string) *domain.EmailContent {
	return &domain.EmailContent{ID: id, ThreadID: "t-" + id, Subject: subject}
}

func TestRunProcessesEveryPage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 2)
	h.mail.addPage("", "p2", email("m1", "Deck"), email("m2", "Fence"), email("m3", "Shed"))
	h.mail.addPage("p2", "", email("m4", "Deck"), email("m5", "bad"))
	h.mail.getErrs["m3"] = out.NewProviderError("gmail", out.ProviderErrNotFound, "message not found", nil, false)

	existing := &domain.Project{ProjectID: "p-existing", UserID: h.user, ProjectName: "Fence", Status: domain.ProjectActive}
	require.NoError(t, h.store.Create(ctx, existing))
	_, _, err := h.store.AssignEmail(ctx, out.AssignEmailParams{UserID: h.user, ProjectID: "p-existing", EmailID: "m2"})
	require.NoError(t, err)

	job := h.createJob(t)
	require.NoError(t, h.svc.Run(ctx, job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.ScanCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 3, got.ProcessedItems)
	assert.Equal(t, 2, got.FailedItems)
	assert.Equal(t, 5, got.TotalItems)
	assert.Empty(t, got.PageToken)
	assert.Equal(t, domain.ScanSummary{Matched: 1, Created: 1, Skipped: 1, Extracted: 2}, got.Summary)

	mappings, err := h.store.ActiveMappings(ctx, h.user, "m4")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	first, err := h.store.ActiveMappings(ctx, h.user, "m1")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, first[0].ProjectID, mappings[0].ProjectID)

	// a finished job is not run again
	require.NoError(t, h.svc.Run(ctx, job.ID))
	assert.Equal(t, 3, h.job(t, job.ID).ProcessedItems)
}

func TestRunRetriesRateLimits(t *testing.T) {
	h := newHarness(t, 10)
	h.mail.addPage("", "", email("m1", "Deck"))
	limited := out.NewProviderError("gmail", out.ProviderErrRateLimit, "rate limited", nil, true)
	h.mail.listErrs = []error{limited, limited}

	job := h.createJob(t)
	require.NoError(t, h.svc.Run(context.Background(), job.ID))

	assert.Equal(t, 3, h.mail.listCalls)
	got := h.job(t, job.ID)
	assert.Equal(t, domain.ScanCompleted, got.Status)
	assert.Equal(t, 1, got.ProcessedItems)
}

func TestRunPausesOnQuotaAndResumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.mail.addPage("", "", email("m1", "Deck"), email("m2", "Fence"))
	h.mail.getErrs["m2"] = out.NewProviderError("gmail", out.ProviderErrQuotaExceeded, "daily quota exceeded", nil, false)

	job := h.createJob(t)
	require.NoError(t, h.svc.Run(ctx, job.ID))

	paused := h.job(t, job.ID)
	assert.Equal(t, domain.ScanPaused, paused.Status)
	assert.Contains(t, paused.ErrorMessage, "quota")
	assert.Equal(t, 1, paused.ProcessedItems)
	assert.Equal(t, 1, paused.PageOffset)
	assert.Nil(t, paused.CompletedAt)

	delete(h.mail.getErrs, "m2")
	_, err := h.svc.ResumeJob(ctx, h.user, job.ID)
	require.NoError(t, err)
	require.NoError(t, h.svc.Run(ctx, job.ID))

	done := h.job(t, job.ID)
	assert.Equal(t, domain.ScanCompleted, done.Status)
	assert.Equal(t, 2, done.ProcessedItems)
	assert.Zero(t, done.FailedItems)
	assert.Equal(t, 2, done.Summary.Created)
}

func TestCancelStopsRunningJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.mail.addPage("", "", email("m1", "Deck"), email("m2", "Fence"), email("m3", "Shed"))

	job := h.createJob(t)
	h.detector.after = func() {
		_, err := h.svc.CancelJob(ctx, h.user, job.ID)
		require.NoError(t, err)
	}
	require.NoError(t, h.svc.Run(ctx, job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.ScanCancelled, got.Status)
	assert.Equal(t, 1, got.ProcessedItems)

	_, err := h.svc.CancelJob(ctx, h.user, job.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeConflict))
	_, err = h.svc.ResumeJob(ctx, h.user, job.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeConflict))
}

func TestInterruptedRunIsPaused(t *testing.T) {
	h := newHarness(t, 1)
	h.mail.addPage("", "", email("m1", "Deck"))
	job := h.createJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.svc.Run(ctx, job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.ScanPaused, got.Status)
	assert.Contains(t, got.ErrorMessage, "interrupted")
	assert.Zero(t, got.ProcessedItems)
}

type recordingPublisher struct {
	msgs []*out.ScanJobMessage
}

func (p *recordingPublisher) PublishScanJob(_ context.Context, msg *out.ScanJobMessage) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	pub := &recordingPublisher{}
	svc := NewService(Deps{Jobs: store, Mappings: store, Publisher: pub}, Config{})
	user := uuid.New()
	require.NoError(t, store.SaveScanConfig(ctx, &domain.ScanConfiguration{UserID: user, ExcludedDomains: []string{"ads.com"}}))

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	job, err := svc.CreateJob(ctx, CreateJobInput{UserID: user, DateRangeStart: &start})
	require.NoError(t, err)
	assert.Equal(t, domain.ScanRetroactive, job.JobType)
	assert.Equal(t, domain.ScanPending, job.Status)
	assert.Equal(t, domain.DefaultScanBatchSize, job.BatchSize)
	assert.Equal(t, "after:2024/01/01 -from:*@ads.com", job.Query)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, job.ID, pub.msgs[0].JobID)

	inc, err := svc.CreateJob(ctx, CreateJobInput{UserID: user, JobType: domain.ScanIncremental})
	require.NoError(t, err)
	require.NotNil(t, inc.DateRangeStart)
	assert.WithinDuration(t, time.Now().Add(-7*24*time.Hour), *inc.DateRangeStart, time.Minute)

	end := start.Add(-time.Hour)
	tests := []struct {
		name string
		in   CreateJobInput
	}{
		{"bad type", CreateJobInput{UserID: user, JobType: "weekly"}},
		{"reversed range", CreateJobInput{UserID: user, DateRangeStart: &start, DateRangeEnd: &end}},
		{"threshold", CreateJobInput{UserID: user, ConfidenceThreshold: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateJob(ctx, tt.in)
			assert.True(t, apperr.HasCode(err, apperr.CodeInvalidInput))
		})
	}
}

func TestResumeReclaimsStaleRunningJob(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	pub := &recordingPublisher{}
	user := uuid.New()

	fresh := NewService(Deps{Jobs: store, Mappings: store, Publisher: pub}, Config{})
	job, err := fresh.CreateJob(ctx, CreateJobInput{UserID: user})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, job.ID, domain.ScanRunning, ""))

	_, err = fresh.ResumeJob(ctx, user, job.ID)
	assert.True(t, apperr.HasCode(err, apperr.CodeConflict), "a recently checkpointed job is still owned")

	stale := NewService(Deps{Jobs: store, Mappings: store, Publisher: pub}, Config{StaleAfter: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	got, err := stale.ResumeJob(ctx, user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanPending, got.Status)
	assert.Len(t, pub.msgs, 2)
}

func TestRunSkipsJobClaimedElsewhere(t *testing.T) {
	h := newHarness(t, 1)
	h.mail.addPage("", "", email("m1", "Deck"))
	job := h.createJob(t)

	claimed, err := h.store.ClaimJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, h.svc.Run(context.Background(), job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, domain.ScanRunning, got.Status)
	assert.Zero(t, got.ProcessedItems)
	assert.Zero(t, h.mail.listCalls)
}
