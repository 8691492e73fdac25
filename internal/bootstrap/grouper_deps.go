package bootstrap

import (
	"context"
	"fmt"
	"time"

	"grouper_server/adapter/in/http"
	"grouper_server/adapter/out/cache"
	"grouper_server/adapter/out/graph"
	"grouper_server/adapter/out/messaging"
	"grouper_server/adapter/out/mongodb"
	"grouper_server/adapter/out/persistence"
	"grouper_server/adapter/out/provider"
	"grouper_server/config"
	"grouper_server/core/agent/llm"
	"grouper_server/core/port/out"
	"grouper_server/core/service/confidence"
	"grouper_server/core/service/extraction"
	"grouper_server/core/service/grouping"
	"grouper_server/core/service/learning"
	"grouper_server/core/service/project"
	"grouper_server/core/service/scan"
	"grouper_server/core/service/similarity"
	"grouper_server/infra/database"
	pkgcache "grouper_server/pkg/cache"
	"grouper_server/pkg/crypto"
	"grouper_server/pkg/httputil"
	"grouper_server/pkg/logger"
	"grouper_server/pkg/metrics"
	"grouper_server/pkg/resilience"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dependencies holds every connection, repository and service shared by the
// API and worker processes. Optional backends are nil when not configured.
type Dependencies struct {
	Config *config.Config
	Tuning *config.Tuning

	// Connections
	PgPool *pgxpool.Pool
	DB     *sqlx.DB
	Redis  *redis.Client
	Mongo  *mongo.Client
	Neo4j  neo4j.DriverWithContext

	// Repositories
	Projects    out.ProjectRepository
	Corrections out.CorrectionRepository
	ScanJobs    out.ScanJobRepository
	Tokens      out.TokenStore

	// Sinks and queues
	ExtractionLog *mongodb.ExtractionLogAdapter
	Participants  out.ParticipantGraph
	Producer      *messaging.RedisProducer
	local         *localQueue

	// Services
	Policy     *confidence.Policy
	Thresholds *confidence.ThresholdService
	Learning   *learning.Service
	Project    *project.Service
	Extractor  *extraction.Extractor
	Similarity *similarity.Comparator
	Grouping   *grouping.Service
	Scan       *scan.Service
}

// tokenRepo is what the scan pipeline needs from credential storage.
type tokenRepo interface {
	out.TokenStore
	out.TokenSaver
}

// NewDependencies connects the configured backends and wires the services.
// The returned cleanup closes every opened connection.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg, local: &localQueue{}}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	tuning, err := config.LoadTuning(cfg.TuningFile)
	if err != nil {
		return fail(err)
	}
	deps.Tuning = tuning

	// =========================================================================
	// Storage
	// =========================================================================

	var tokens tokenRepo
	if cfg.UseMemoryStore() {
		store := persistence.NewMemoryStore()
		deps.Projects = store
		deps.Corrections = store
		deps.ScanJobs = store
		tokens = store
		logger.Warn("Using in-memory storage, data will not survive a restart")
	} else {
		pool, err := database.NewPostgres(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to postgres: %w", err))
		}
		deps.PgPool = pool
		closers = append(closers, pool.Close)

		db, err := database.NewSQLX(ctx, cfg.DatabaseURL, nil)
		if err != nil {
			return fail(fmt.Errorf("failed to open sqlx: %w", err))
		}
		deps.DB = db
		closers = append(closers, func() { _ = db.Close() })

		if err := persistence.EnsureSchema(ctx, db); err != nil {
			return fail(err)
		}
		if err := metrics.RegisterDB(db.DB, "postgres"); err != nil {
			logger.WithError(err).Warn("Failed to register database metrics")
		}

		var enc *crypto.Encryptor
		if cfg.TokenEncryptionKey != "" {
			enc, err = crypto.NewEncryptor([]byte(cfg.TokenEncryptionKey))
			if err != nil {
				return fail(err)
			}
		}

		deps.Projects = persistence.NewProjectAdapter(db)
		deps.Corrections = persistence.NewCorrectionAdapter(db)
		deps.ScanJobs = persistence.NewScanJobAdapter(db)
		tokens = persistence.NewTokenAdapter(db, "gmail", enc)
		logger.Info("PostgreSQL connected")
	}

	// =========================================================================
	// Redis: threshold sync, pattern cache, job streams
	// =========================================================================

	var (
		thresholdStore out.ThresholdStore
		patternCache   out.PatternCache
	)
	if cfg.RedisURL != "" {
		client, err := database.NewRedis(ctx, cfg.RedisURL, nil)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, running without cache and job streams")
		} else {
			deps.Redis = client
			closers = append(closers, func() { _ = client.Close() })

			rc := pkgcache.NewRedisCache(client, cfg.RedisPrefix)
			thresholdStore = cache.NewThresholdStore(rc)
			patternCache = cache.NewPatternCache(rc, time.Hour)
			deps.Producer = messaging.NewRedisProducer(client, cfg.StreamMaxLen)
			logger.Info("Redis connected")
		}
	}

	// =========================================================================
	// MongoDB: extraction audit log
	// =========================================================================

	if cfg.MongoDBURL != "" {
		client, err := mongodb.NewClient(ctx, cfg.MongoDBURL)
		if err != nil {
			logger.WithError(err).Warn("MongoDB unavailable, extraction log disabled")
		} else {
			deps.Mongo = client
			closers = append(closers, func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = client.Disconnect(ctx)
			})
			deps.ExtractionLog = mongodb.NewExtractionLogAdapter(client.Database(cfg.MongoDBName), cfg.ExtractionLogRetention)
			if err := deps.ExtractionLog.EnsureIndexes(ctx); err != nil {
				logger.WithError(err).Warn("Failed to create extraction log indexes")
			}
			logger.Info("MongoDB connected")
		}
	}

	// =========================================================================
	// Neo4j: participant graph
	// =========================================================================

	if cfg.Neo4jURL != "" {
		driver, err := graph.NewDriver(ctx, cfg.Neo4jURL, cfg.Neo4jUsername, cfg.Neo4jPassword)
		if err != nil {
			logger.WithError(err).Warn("Neo4j unavailable, participant graph disabled")
		} else {
			deps.Neo4j = driver
			closers = append(closers, func() { _ = driver.Close(context.Background()) })
			participants := graph.NewParticipantAdapter(driver, cfg.Neo4jDatabase)
			if err := participants.EnsureIndexes(ctx); err != nil {
				logger.WithError(err).Warn("Failed to create neo4j constraints")
			}
			deps.Participants = participants
			logger.Info("Neo4j connected")
		}
	}

	// =========================================================================
	// Services
	// =========================================================================

	policy, err := confidence.NewPolicy(cfg.Thresholds(tuning), tuning.ConfidenceTuning())
	if err != nil {
		return fail(fmt.Errorf("invalid confidence configuration: %w", err))
	}
	deps.Policy = policy
	deps.Thresholds = confidence.NewThresholdService(policy, thresholdStore)
	if err := deps.Thresholds.Load(ctx); err != nil {
		logger.WithError(err).Warn("Using configured thresholds")
	}

	llmClient := newLLMClient(cfg)

	deps.Learning = learning.NewService(deps.Corrections, patternCache, tuning.Learning)
	deps.Project = project.NewService(deps.Projects, policy, deps.Learning, project.Config{})

	extractorDeps := extraction.Deps{
		LLM:   llmClient,
		Hints: deps.Learning,
		Model: llmClient.Model(),
	}
	if deps.ExtractionLog != nil {
		extractorDeps.Log = deps.ExtractionLog
	}
	deps.Extractor = extraction.NewExtractor(extractorDeps, extraction.Config{Concurrency: cfg.ExtractionConcurrency})
	deps.Similarity = similarity.NewComparator(llmClient, policy, tuning.Similarity)

	deps.Grouping = grouping.NewService(grouping.Deps{
		Matcher:   deps.Project,
		Policy:    policy,
		Extractor: deps.Extractor,
		Comparer:  deps.Similarity,
		Graph:     deps.Participants,
	})

	gmail := provider.NewGmailAdapter(&provider.GmailConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		BaseClient:   httputil.NewClient(httputil.GmailClientConfig()),
	})
	deps.Tokens = provider.NewRefreshingTokens(tokens, tokens, gmail)

	scanCfg := tuning.Scan
	if scanCfg.BatchSize == 0 {
		scanCfg.BatchSize = cfg.ScanBatchSize
	}
	if scanCfg.PageSize == 0 {
		scanCfg.PageSize = cfg.ScanPageSize
	}
	scanDeps := scan.Deps{
		Jobs:      deps.ScanJobs,
		Mappings:  deps.Projects,
		Mail:      gmail,
		Tokens:    deps.Tokens,
		Extractor: deps.Extractor,
		Detector:  deps.Project,
	}
	if deps.Producer != nil {
		scanDeps.Publisher = deps.Producer
	} else {
		scanDeps.Publisher = deps.local
	}
	deps.Scan = scan.NewService(scanDeps, scanCfg)

	return deps, cleanup, nil
}

func newLLMClient(cfg *config.Config) *llm.Client {
	retry := resilience.DefaultRetryPolicy()
	if cfg.LLMMaxRetries > 0 {
		retry.MaxAttempts = cfg.LLMMaxRetries
	}
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, extraction requests will fail")
	}
	timeout := time.Duration(cfg.LLMTimeoutSec) * time.Second
	return llm.NewClientWithConfig(llm.ClientConfig{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.LLMModel,
		Timeout:    timeout,
		Retry:      retry,
		HTTPClient: httputil.NewClient(httputil.OpenAIClientConfig(timeout)),
	})
}

// LearnQueue returns where learning runs are enqueued, or nil when they
// should run inline in the request.
func (d *Dependencies) LearnQueue() out.LearnJobPublisher {
	switch {
	case d.Producer != nil:
		return d.Producer
	case d.local.attached():
		return d.local
	default:
		return nil
	}
}

// Checks returns the readiness checks for the configured backends.
func (d *Dependencies) Checks() map[string]http.CheckFunc {
	checks := map[string]http.CheckFunc{
		"postgres": nil,
		"redis":    nil,
		"mongodb":  nil,
		"neo4j":    nil,
	}
	if d.PgPool != nil {
		checks["postgres"] = d.PgPool.Ping
	}
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() }
	}
	if d.Mongo != nil {
		checks["mongodb"] = func(ctx context.Context) error { return d.Mongo.Ping(ctx, nil) }
	}
	if d.Neo4j != nil {
		checks["neo4j"] = d.Neo4j.VerifyConnectivity
	}
	return checks
}
