package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"grouper_server/adapter/in/worker"
	"grouper_server/config"
	"grouper_server/core/port/out"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryConfig loads configuration for an offline process: in-memory
// storage and no optional backends.
func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "MONGODB_URL", "NEO4J_URL", "SENTRY_DSN", "TUNING_FILE"} {
		t.Setenv(key, "")
	}
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("ENV", "test")
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func newMemoryDeps(t *testing.T) *Dependencies {
	t.Helper()
	deps, cleanup, err := NewDependencies(context.Background(), memoryConfig(t))
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return deps
}

func TestNewDependenciesMemory(t *testing.T) {
	deps := newMemoryDeps(t)

	assert.Nil(t, deps.PgPool)
	assert.Nil(t, deps.Redis)
	assert.Nil(t, deps.Producer)
	assert.Nil(t, deps.Participants)
	assert.Nil(t, deps.LearnQueue(), "learning runs inline without a worker")
	assert.Equal(t, 0.8, deps.Policy.Thresholds().AutoGrouping)

	for name, check := range deps.Checks() {
		assert.Nil(t, check, name)
	}
}

func TestNewAPIRoutes(t *testing.T) {
	app := NewAPI(newMemoryDeps(t))

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"health", "/health", http.StatusOK},
		{"ready with nothing configured", "/ready", http.StatusOK},
		{"metrics", "/metrics", http.StatusOK},
		{"api requires a token", "/api/v1/projects", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, tt.path, nil), -1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		})
	}
}

func TestWorkerLocalQueue(t *testing.T) {
	deps := newMemoryDeps(t)
	w := NewWorker(deps)
	require.NotNil(t, deps.LearnQueue(), "an attached pool takes learning runs")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		w.Stop(stopCtx)
	}()

	err := deps.LearnQueue().PublishLearnJob(ctx, &out.LearnJobMessage{UserID: uuid.New(), Limit: 10})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return w.Stats().Processed == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLocalQueueWithoutPool(t *testing.T) {
	q := &localQueue{}
	assert.False(t, q.attached())
	err := q.PublishScanJob(context.Background(), &out.ScanJobMessage{JobID: 1, UserID: uuid.New()})
	assert.NoError(t, err, "the job stays pending")
}

func TestStreamHandler(t *testing.T) {
	pool := worker.NewPool(worker.NewHandler(nil, nil), nil, zerolog.Nop())
	h := &streamHandler{pool: pool}

	err := h.Handle(context.Background(), "scan:jobs", "mail.sync", []byte(`{}`))
	assert.ErrorIs(t, err, worker.ErrUnknownJob)

	err = h.Handle(context.Background(), "scan:jobs", worker.JobScanRun, []byte(`{"job_id":1}`))
	assert.Error(t, err, "a stopped pool leaves the entry pending")
}

func TestRunRejectsUnknownMode(t *testing.T) {
	err := Run(context.Background(), memoryConfig(t), "batch")
	assert.ErrorContains(t, err, "unknown mode")
}
