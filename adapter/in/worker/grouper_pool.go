package worker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"grouper_server/pkg/metrics"

	"github.com/getsentry/sentry-go"
	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers          int
	BatchSize        int
	WorkerChanSize   int
	JobTimeout       time.Duration
	JobTimeoutByType map[JobType]time.Duration
	MaxRetries       int
	// RetryBase is the first backoff; each retry doubles it and adds up to
	// 500ms of jitter.
	RetryBase      time.Duration
	MetricInterval time.Duration
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        4,
		BatchSize:      1,
		WorkerChanSize: 16,
		JobTimeout:     5 * time.Minute,
		JobTimeoutByType: map[JobType]time.Duration{
			JobScanRun: time.Hour,
			JobLearn:   5 * time.Minute,
		},
		MaxRetries:     3,
		RetryBase:      time.Second,
		MetricInterval: time.Minute,
	}
}

// Pool runs jobs on a go-pkgz/pool worker group with per-type timeouts,
// retries with backoff and a dead letter channel.
type Pool struct {
	handler *Handler
	config  *PoolConfig
	log     zerolog.Logger

	pool   *pool.WorkerGroup[*Message]
	ctx    context.Context
	cancel context.CancelFunc

	stats PoolStats

	dlq   chan *Message
	bg    sync.WaitGroup
	timer sync.WaitGroup

	mu      sync.RWMutex
	started bool
}

// PoolStats are cumulative job counters.
type PoolStats struct {
	Processed int64
	Failed    int64
	Retried   int64
	Dropped   int64
}

// NewPool creates a new pool. A nil config uses DefaultPoolConfig.
func NewPool(handler *Handler, config *PoolConfig, log zerolog.Logger) *Pool {
	def := DefaultPoolConfig()
	if config == nil {
		config = def
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.WorkerChanSize <= 0 {
		config.WorkerChanSize = def.WorkerChanSize
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.RetryBase <= 0 {
		config.RetryBase = def.RetryBase
	}
	if config.MetricInterval <= 0 {
		config.MetricInterval = def.MetricInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		handler: handler,
		config:  config,
		log:     log.With().Str("component", "worker_pool").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		dlq:     make(chan *Message, 100),
	}
}

// Start starts the worker group and its background loops.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	worker := pool.WorkerFunc[*Message](p.processJob)
	p.pool = pool.New[*Message](p.config.Workers, worker).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()
	if err := p.pool.Go(p.ctx); err != nil {
		return err
	}
	p.started = true

	p.bg.Add(2)
	go p.dlqProcessor()
	go p.metricsReporter()

	p.log.Info().
		Int("workers", p.config.Workers).
		Int("batch_size", p.config.BatchSize).
		Msg("worker pool started")
	return nil
}

// Stop drains submitted jobs, then stops background loops.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	if err := p.pool.Close(ctx); err != nil {
		p.log.Warn().Err(err).Msg("error closing worker pool")
	}
	p.cancel()
	// pending retries see started=false and drop their job
	p.timer.Wait()
	close(p.dlq)
	p.bg.Wait()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.stats.Processed)).
		Int64("failed", atomic.LoadInt64(&p.stats.Failed)).
		Msg("worker pool stopped")
}

// Submit queues a job. It reports false once the pool is stopped.
func (p *Pool) Submit(msg *Message) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.started {
		atomic.AddInt64(&p.stats.Dropped, 1)
		return false
	}
	p.pool.Submit(msg)
	return true
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Processed: atomic.LoadInt64(&p.stats.Processed),
		Failed:    atomic.LoadInt64(&p.stats.Failed),
		Retried:   atomic.LoadInt64(&p.stats.Retried),
		Dropped:   atomic.LoadInt64(&p.stats.Dropped),
	}
}

func (p *Pool) jobTimeout(t JobType) time.Duration {
	if d, ok := p.config.JobTimeoutByType[t]; ok {
		return d
	}
	return p.config.JobTimeout
}

func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout(msg.Type))
	defer cancel()

	start := time.Now()
	err := p.handler.Process(jobCtx, msg)
	log := p.log.With().
		Str("job_id", msg.ID).
		Str("job_type", msg.Type).
		Dur("elapsed", time.Since(start)).
		Logger()

	if err == nil {
		atomic.AddInt64(&p.stats.Processed, 1)
		metrics.JobsProcessed.WithLabelValues(msg.Type, "ok").Inc()
		log.Debug().Msg("job processed")
		return nil
	}

	log.Error().Err(err).Int("retries", msg.Retries).Msg("job processing failed")
	if IsPermanent(err) || msg.Retries >= p.config.MaxRetries || ctx.Err() != nil {
		atomic.AddInt64(&p.stats.Failed, 1)
		metrics.JobsProcessed.WithLabelValues(msg.Type, "dead").Inc()
		select {
		case p.dlq <- msg:
		default:
			log.Error().Msg("DLQ full, job lost")
		}
		return err
	}

	msg.Retries++
	atomic.AddInt64(&p.stats.Retried, 1)
	metrics.JobsProcessed.WithLabelValues(msg.Type, "retried").Inc()
	p.scheduleRetry(msg)
	return err
}

// scheduleRetry resubmits msg after base*2^retries plus jitter.
func (p *Pool) scheduleRetry(msg *Message) {
	backoff := p.config.RetryBase*time.Duration(1<<msg.Retries) +
		time.Duration(rand.Intn(500))*time.Millisecond

	p.timer.Add(1)
	go func() {
		defer p.timer.Done()
		t := time.NewTimer(backoff)
		defer t.Stop()
		select {
		case <-p.ctx.Done():
			atomic.AddInt64(&p.stats.Dropped, 1)
		case <-t.C:
			p.Submit(msg)
		}
	}()
}

func (p *Pool) dlqProcessor() {
	defer p.bg.Done()
	for msg := range p.dlq {
		p.log.Error().
			Str("job_id", msg.ID).
			Str("job_type", msg.Type).
			Int("retries", msg.Retries).
			Str("payload", string(msg.Payload)).
			Msg("DLQ: job permanently failed")

		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("job_type", msg.Type)
			scope.SetExtra("job_id", msg.ID)
			scope.SetExtra("retries", msg.Retries)
			sentry.CaptureMessage("worker job permanently failed")
		})
	}
}

func (p *Pool) metricsReporter() {
	defer p.bg.Done()
	ticker := time.NewTicker(p.config.MetricInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			s := p.Stats()
			p.log.Info().
				Int64("processed", s.Processed).
				Int64("failed", s.Failed).
				Int64("retried", s.Retried).
				Int64("dropped", s.Dropped).
				Msg("worker pool metrics")
		}
	}
}
