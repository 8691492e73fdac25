package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"grouper_server/adapter/in/worker"
	"grouper_server/adapter/out/messaging"
	"grouper_server/core/port/out"
	"grouper_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Worker runs scan and learning jobs pulled from the Redis streams.
type Worker struct {
	pool     *worker.Pool
	consumer *messaging.Consumer
	log      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker builds the job pool over deps. Without Redis the pool only
// serves jobs submitted in process.
func NewWorker(deps *Dependencies) *Worker {
	cfg := deps.Config
	zlog := logger.Zerolog("worker")

	handler := worker.NewHandler(deps.Scan, deps.Learning)
	poolConfig := worker.DefaultPoolConfig()
	poolConfig.Workers = cfg.WorkerCount
	poolConfig.WorkerChanSize = cfg.WorkerQueueSize
	poolConfig.MaxRetries = cfg.WorkerMaxRetries
	poolConfig.JobTimeout = cfg.JobTimeout
	poolConfig.JobTimeoutByType[worker.JobScanRun] = cfg.ScanJobTimeout

	w := &Worker{
		pool: worker.NewPool(handler, poolConfig, zlog),
		log:  zlog,
	}

	if deps.Redis == nil {
		deps.local.attach(w.pool)
		logger.Warn("Redis not available, worker will only process in-process submissions")
		return w
	}

	streams := []string{messaging.StreamScanJobs, messaging.StreamLearning}
	w.consumer = messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
		Group:                cfg.ConsumerGroup,
		Consumer:             cfg.WorkerID,
		Streams:              streams,
		Handler:              &streamHandler{pool: w.pool},
		Logger:               zlog,
		PendingCheckInterval: time.Duration(cfg.ConsumerPendingCheckSec) * time.Second,
		MaxRetries:           cfg.ConsumerMaxRetries,
		Block:                time.Duration(cfg.ConsumerBlockMS) * time.Millisecond,
	})
	logger.Info("Redis Stream Consumer configured for %d streams", len(streams))
	return w
}

// streamHandler hands stream entries to the pool. A rejected submit leaves
// the entry pending so another consumer can claim it.
type streamHandler struct {
	pool *worker.Pool
}

func (h *streamHandler) Handle(ctx context.Context, stream, jobType string, data []byte) error {
	switch jobType {
	case worker.JobScanRun, worker.JobLearn:
	default:
		return fmt.Errorf("%w: %s on %s", worker.ErrUnknownJob, jobType, stream)
	}
	if !h.pool.Submit(worker.NewMessage(jobType, data)) {
		return errors.New("worker pool is not accepting jobs")
	}
	return nil
}

// Start starts the pool and, when configured, the stream consumer.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.pool.Start(); err != nil {
		return err
	}
	if w.consumer == nil {
		return nil
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.log.Info().Msg("Starting Redis Stream Consumer...")
		if err := w.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error().Err(err).Msg("Redis Stream Consumer error")
		}
	}()
	return nil
}

// Stop stops reading new entries, then drains the pool until ctx ends.
func (w *Worker) Stop(ctx context.Context) {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.pool.Stop(ctx)
}

// Submit queues a job directly, bypassing the streams.
func (w *Worker) Submit(msg *worker.Message) bool {
	return w.pool.Submit(msg)
}

// Stats returns the pool counters.
func (w *Worker) Stats() worker.PoolStats {
	return w.pool.Stats()
}

// localQueue feeds jobs straight into the in-process pool when no Redis
// stream is configured.
type localQueue struct {
	mu   sync.RWMutex
	pool *worker.Pool
}

var (
	_ out.ScanJobPublisher  = (*localQueue)(nil)
	_ out.LearnJobPublisher = (*localQueue)(nil)
)

func (q *localQueue) attach(p *worker.Pool) {
	q.mu.Lock()
	q.pool = p
	q.mu.Unlock()
}

func (q *localQueue) attached() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pool != nil
}

func (q *localQueue) PublishScanJob(_ context.Context, msg *out.ScanJobMessage) error {
	return q.submit(worker.JobScanRun, msg)
}

func (q *localQueue) PublishLearnJob(_ context.Context, msg *out.LearnJobMessage) error {
	return q.submit(worker.JobLearn, msg)
}

// submit leaves the job pending when no pool is attached; it can be resumed
// once a worker runs.
func (q *localQueue) submit(jobType worker.JobType, v any) error {
	q.mu.RLock()
	p := q.pool
	q.mu.RUnlock()
	if p == nil {
		logger.Warn("No worker attached, %s job left pending", jobType)
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !p.Submit(worker.NewMessage(jobType, data)) {
		return errors.New("worker pool is not accepting jobs")
	}
	return nil
}
