package http

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"grouper_server/adapter/out/persistence"
	"grouper_server/core/domain"
	"grouper_server/core/port/out"
	"grouper_server/core/service/confidence"
	"grouper_server/core/service/extraction"
	"grouper_server/core/service/grouping"
	"grouper_server/core/service/learning"
	"grouper_server/core/service/project"
	"grouper_server/core/service/scan"
	"grouper_server/core/service/similarity"
	"grouper_server/infra/middleware"
	"grouper_server/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const kitchenReply = `{
  "project_name": "Smith Kitchen",
  "address": {"full_address": "123 Oak St, Richmond VIC 3121"},
  "job_numbers": ["JOB-2024-001"],
  "client_info": {"name": "Jo Smith", "email": "jo@smith.com"},
  "confidence": 0.85,
  "reasoning": "subject names the job"
}`

type stubLLM struct{ reply string }

func (s stubLLM) CompleteJSON(context.Context, string, string, out.CompletionOptions) (string, error) {
	return s.reply, nil
}

type testServer struct {
	app   *fiber.App
	store *persistence.MemoryStore
	user  uuid.UUID
}

// newTestServer wires every handler over the in-memory store. Requests carry
// X-Test-Admin to pass the admin guard.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := persistence.NewMemoryStore()
	policy := confidence.NewDefaultPolicy()
	thresholds := confidence.NewThresholdService(policy, nil)

	learner := learning.NewService(store, nil, learning.Config{})
	projects := project.NewService(store, policy, learner, project.Config{})
	extractor := extraction.NewExtractor(extraction.Deps{LLM: stubLLM{reply: kitchenReply}}, extraction.Config{})
	comparator := similarity.NewComparator(nil, policy, similarity.Config{})
	grouper := grouping.NewService(grouping.Deps{
		Matcher:   projects,
		Policy:    policy,
		Extractor: extractor,
		Comparer:  comparator,
	})
	scans := scan.NewService(scan.Deps{Jobs: store, Mappings: store}, scan.Config{})

	user := uuid.New()
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	app.Use(middleware.RequestID())
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Locals("user_id", user)
		return c.Next()
	})
	admin := func(c *fiber.Ctx) error {
		if c.Get("X-Test-Admin") == "" {
			return apperr.Forbidden("admin role required")
		}
		return c.Next()
	}

	NewGroupingHandler(extractor, comparator, projects, grouper, nil).Register(api)
	NewProjectHandler(projects).Register(api)
	NewLearningHandler(learner, nil).Register(api)
	NewThresholdHandler(thresholds).Register(api, admin)
	NewScanHandler(scans).Register(api)
	NewHealthHandler(map[string]CheckFunc{"postgres": nil}).Register(app)

	return &testServer{app: app, store: store, user: user}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
	}
	return resp.StatusCode, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func kitchenEmail(id string) *domain.EmailContent {
	return &domain.EmailContent{
		ID:        id,
		Subject:   "Smith Kitchen - JOB-2024-001 site visit",
		Body:      "See you at 123 Oak St on Friday.",
		FromEmail: "jo@smith.com",
		FromName:  "Jo Smith",
	}
}

func TestDetectCreatesThenReusesProject(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/v1/emails/detect", fiber.Map{"email": kitchenEmail("m1")})
	require.Equal(t, http.StatusOK, status)
	first := decodeData[domain.DetectionResult](t, env)
	assert.Equal(t, domain.OutcomeCreated, first.Outcome)
	require.NotNil(t, first.Project)
	assert.Equal(t, "Smith Kitchen", first.Project.ProjectName)

	status, env = s.do(t, http.MethodPost, "/api/v1/emails/detect", fiber.Map{"email": kitchenEmail("m1")})
	require.Equal(t, http.StatusOK, status)
	again := decodeData[domain.DetectionResult](t, env)
	require.NotNil(t, again.Project)
	assert.Equal(t, first.Project.ProjectID, again.Project.ProjectID)

	status, env = s.do(t, http.MethodGet, "/api/v1/projects/"+first.Project.ProjectID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, decodeData[domain.Project](t, env).EmailCount)
}

func TestDetectValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"no email or record", fiber.Map{}, apperr.CodeMissingField},
		{"threshold out of range", fiber.Map{"email": kitchenEmail("m1"), "confidence_threshold": 1.5}, apperr.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := s.do(t, http.MethodPost, "/api/v1/emails/detect", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestDetectWithoutAutoCreateRejects(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/v1/emails/detect", fiber.Map{
		"email":       kitchenEmail("m1"),
		"auto_create": false,
	})
	require.Equal(t, http.StatusOK, status)
	res := decodeData[domain.DetectionResult](t, env)
	assert.Equal(t, domain.OutcomeRejected, res.Outcome)
	assert.Nil(t, res.Project)
}

func TestProjectLifecycle(t *testing.T) {
	s := newTestServer(t)
	_, env := s.do(t, http.MethodPost, "/api/v1/emails/detect", fiber.Map{"email": kitchenEmail("m1")})
	id := decodeData[domain.DetectionResult](t, env).Project.ProjectID
	base := "/api/v1/projects/" + id

	status, env := s.do(t, http.MethodPost, base+"/aliases", fiber.Map{"alias": "Oak St Reno"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]bool{"added": true}, decodeData[map[string]bool](t, env))

	_, env = s.do(t, http.MethodPost, base+"/aliases", fiber.Map{"alias": "oak st reno"})
	assert.Equal(t, map[string]bool{"added": false}, decodeData[map[string]bool](t, env))

	status, _ = s.do(t, http.MethodPost, base+"/emails", fiber.Map{"email_id": "m2"})
	require.Equal(t, http.StatusCreated, status)

	status, env = s.do(t, http.MethodGet, "/api/v1/emails/m2/projects", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[[]domain.EmailProjectMapping](t, env), 1)

	status, _ = s.do(t, http.MethodDelete, base+"/emails/m2", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, env = s.do(t, http.MethodPut, base+"/status", fiber.Map{"status": "on_hold"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.ProjectOnHold, decodeData[domain.Project](t, env).Status)

	status, env = s.do(t, http.MethodPut, base+"/status", fiber.Map{"status": "deleted"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.CodeInvalidInput, env.Error.Code)

	status, env = s.do(t, http.MethodGet, "/api/v1/projects?status=on_hold", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[[]domain.Project](t, env), 1)

	status, env = s.do(t, http.MethodGet, "/api/v1/projects/proj_missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, apperr.CodeNotFound, env.Error.Code)
}

func TestGroupBatchRecords(t *testing.T) {
	s := newTestServer(t)
	name := "Smith Kitchen"
	addr := &domain.Address{FullAddress: "123 Oak St, Richmond VIC 3121"}

	status, env := s.do(t, http.MethodPost, "/api/v1/grouping/batch", fiber.Map{
		"records": []domain.EntityRecord{
			{EmailID: "m1", ProjectName: &name, Address: addr, Confidence: 0.8},
			{EmailID: "m2", Address: addr, Confidence: 0.7},
		},
	})
	require.Equal(t, http.StatusOK, status)
	res := decodeData[domain.GroupingResult](t, env)
	require.Len(t, res.ProjectGroups, 1)
	assert.ElementsMatch(t, []string{"m1", "m2"}, res.ProjectGroups[0].EmailIDs)

	status, env = s.do(t, http.MethodPost, "/api/v1/grouping/batch", fiber.Map{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.CodeMissingField, env.Error.Code)
}

func TestGroupBatchPartialOptionsKeepDefaults(t *testing.T) {
	s := newTestServer(t)
	name := "Smith Kitchen"
	addr := &domain.Address{FullAddress: "123 Oak St, Richmond VIC 3121"}

	status, env := s.do(t, http.MethodPost, "/api/v1/grouping/batch", fiber.Map{
		"records": []domain.EntityRecord{
			{EmailID: "m1", ProjectName: &name, Address: addr, Confidence: 0.8},
			{EmailID: "m2", Address: addr, Confidence: 0.7},
		},
		"options": fiber.Map{"handle_edge_cases": false},
	})
	require.Equal(t, http.StatusOK, status)
	res := decodeData[domain.GroupingResult](t, env)
	require.Len(t, res.ProjectGroups, 1, "multi-sender grouping stays on")
	assert.ElementsMatch(t, []string{"m1", "m2"}, res.ProjectGroups[0].EmailIDs)
	assert.NotEmpty(t, res.ProjectGroups[0].ProjectID, "auto-create stays on")
	assert.Empty(t, res.UnmatchedEmails)
}

func TestExtractBatchReportsItems(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/v1/extraction/batch", fiber.Map{
		"emails": []*domain.EmailContent{kitchenEmail("m1"), kitchenEmail("m2")},
	})
	require.Equal(t, http.StatusOK, status)
	res := decodeData[struct {
		Total  int `json:"total"`
		Failed int `json:"failed"`
	}](t, env)
	assert.Equal(t, 2, res.Total)
	assert.Zero(t, res.Failed)

	status, _ = s.do(t, http.MethodGet, "/api/v1/extraction/log/m1", nil)
	assert.Equal(t, http.StatusNotImplemented, status)
}

func TestThresholdRoutes(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodGet, "/api/v1/thresholds", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.DefaultThresholds(), decodeData[domain.Thresholds](t, env))

	status, _ = s.do(t, http.MethodPut, "/api/v1/thresholds", fiber.Map{"auto_grouping": 0.85})
	assert.Equal(t, http.StatusForbidden, status)

	status, env = s.do(t, http.MethodPut, "/api/v1/thresholds", fiber.Map{"manual_review": 0.3}, "X-Test-Admin", "1")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.CodeValidationFailed, env.Error.Code)

	status, env = s.do(t, http.MethodPut, "/api/v1/thresholds", fiber.Map{"auto_grouping": 0.85}, "X-Test-Admin", "1")
	require.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 0.85, decodeData[domain.Thresholds](t, env).AutoGrouping, 1e-9)

	tests := []struct {
		confidence float64
		autoGroup  bool
		level      confidence.Level
	}{
		{0.95, true, confidence.LevelHigh},
		{0.87, true, confidence.LevelMediumHigh},
		{0.82, false, confidence.LevelMedium},
		{0.4, false, confidence.LevelLow},
	}
	for _, tt := range tests {
		status, env = s.do(t, http.MethodPost, "/api/v1/thresholds/evaluate", fiber.Map{"confidence": tt.confidence})
		require.Equal(t, http.StatusOK, status)
		d := decodeData[confidence.Decision](t, env)
		assert.Equal(t, tt.autoGroup, d.CanAutoGroup, "confidence %v", tt.confidence)
		assert.Equal(t, tt.level, d.Level, "confidence %v", tt.confidence)
	}

	status, env = s.do(t, http.MethodPost, "/api/v1/thresholds/evaluate", fiber.Map{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.CodeMissingField, env.Error.Code)
}

func TestCorrectionsAndLearning(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/v1/corrections", fiber.Map{
		"correction_type":  "rename",
		"original_result":  fiber.Map{"project_name": "Smith Kitchen"},
		"corrected_result": fiber.Map{"project_name": "Smith Kitchen Renovation"},
	})
	require.Equal(t, http.StatusCreated, status)
	correction := decodeData[domain.Correction](t, env)
	assert.NotZero(t, correction.ID)

	status, env = s.do(t, http.MethodPost, "/api/v1/corrections", fiber.Map{"correction_type": "shuffle"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.CodeInvalidInput, env.Error.Code)

	status, env = s.do(t, http.MethodGet, "/api/v1/corrections/analysis", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, decodeData[domain.CorrectionAnalysis](t, env).TotalCorrections)

	status, env = s.do(t, http.MethodPost, "/api/v1/feedback", fiber.Map{
		"correction_id": correction.ID,
		"feedback_type": "grouping",
		"rating":        4,
	})
	require.Equal(t, http.StatusCreated, status)

	status, env = s.do(t, http.MethodPost, "/api/v1/feedback", fiber.Map{"feedback_type": "grouping", "rating": 9})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodPost, "/api/v1/learning/run", nil)
	require.Equal(t, http.StatusOK, status)

	status, env = s.do(t, http.MethodPost, "/api/v1/corrections/processed", fiber.Map{"correction_ids": []int64{correction.ID}})
	require.Equal(t, http.StatusOK, status)

	status, env = s.do(t, http.MethodGet, "/api/v1/learning/patterns", nil)
	require.Equal(t, http.StatusOK, status)
}

type recordingQueue struct{ msgs []*out.LearnJobMessage }

func (q *recordingQueue) PublishLearnJob(_ context.Context, msg *out.LearnJobMessage) error {
	q.msgs = append(q.msgs, msg)
	return nil
}

func TestLearnQueuesWhenPublisherConfigured(t *testing.T) {
	user := uuid.New()
	queue := &recordingQueue{}
	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Locals("user_id", user)
		return c.Next()
	})
	NewLearningHandler(learning.NewService(persistence.NewMemoryStore(), nil, learning.Config{}), queue).Register(api)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/learning/run?limit=25", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, queue.msgs, 1)
	assert.Equal(t, user, queue.msgs[0].UserID)
	assert.Equal(t, 25, queue.msgs[0].Limit)
}

func TestScanRoutes(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPut, "/api/v1/scans/config", fiber.Map{
		"exclude_labels":   []string{"SPAM"},
		"excluded_domains": []string{"newsletter.com"},
	})
	require.Equal(t, http.StatusOK, status)

	status, env = s.do(t, http.MethodGet, "/api/v1/scans/config", nil)
	require.Equal(t, http.StatusOK, status)
	cfg := decodeData[domain.ScanConfiguration](t, env)
	assert.Equal(t, []string{"SPAM"}, cfg.ExcludeLabels)
	assert.Equal(t, s.user, cfg.UserID)

	status, env = s.do(t, http.MethodPost, "/api/v1/scans", fiber.Map{"job_type": "full_scan"})
	require.Equal(t, http.StatusCreated, status)
	job := decodeData[domain.ScanJob](t, env)
	assert.Equal(t, domain.ScanPending, job.Status)
	assert.Contains(t, job.Query, "-label:SPAM")

	status, env = s.do(t, http.MethodPost, "/api/v1/scans", fiber.Map{"job_type": "everything"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.CodeInvalidInput, env.Error.Code)

	path := "/api/v1/scans/" + strconv.FormatInt(job.ID, 10)
	status, env = s.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, job.ID, decodeData[domain.ScanJob](t, env).ID)

	status, env = s.do(t, http.MethodPost, path+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.ScanCancelled, decodeData[domain.ScanJob](t, env).Status)

	status, env = s.do(t, http.MethodPost, path+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, apperr.CodeConflict, env.Error.Code)

	status, env = s.do(t, http.MethodGet, "/api/v1/scans", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decodeData[[]domain.ScanJob](t, env), 1)

	status, env = s.do(t, http.MethodGet, "/api/v1/scans/abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(t, http.MethodGet, "/api/v1/scans/999", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	failing := fiber.New()
	NewHealthHandler(map[string]CheckFunc{
		"redis": func(context.Context) error { return assert.AnError },
	}).Register(failing)
	resp, err = failing.Test(httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
