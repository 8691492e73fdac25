// Package bootstrap wires configuration, backends and services into the API
// and worker processes.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grouper_server/adapter/out/cache"
	"grouper_server/config"
	"grouper_server/core/domain"
	"grouper_server/core/service/confidence"
	"grouper_server/infra/database"
	pkgcache "grouper_server/pkg/cache"
	"grouper_server/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Run modes.
const (
	ModeAPI    = "api"
	ModeWorker = "worker"
	ModeAll    = "all"
)

const shutdownTimeout = 30 * time.Second

// Run starts the given mode and blocks until ctx is cancelled, then shuts
// down gracefully.
func Run(ctx context.Context, cfg *config.Config, mode string) error {
	switch mode {
	case ModeAPI, ModeWorker, ModeAll:
	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}

	deps, cleanup, err := NewDependencies(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer cleanup()

	g, ctx := errgroup.WithContext(ctx)

	// Threshold updates made by other replicas.
	g.Go(func() error {
		if err := deps.Thresholds.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("threshold watch stopped")
		}
		return nil
	})

	if mode == ModeWorker || mode == ModeAll {
		w := NewWorker(deps)
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		logger.Info("Worker started (id=%s)", cfg.WorkerID)
		g.Go(func() error {
			<-ctx.Done()
			logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			w.Stop(stopCtx)
			return nil
		})
	}

	if mode == ModeAPI || mode == ModeAll {
		app := NewAPI(deps)
		g.Go(func() error {
			logger.Info("API server listening on :%s", cfg.Port)
			if err := app.Listen(":" + cfg.Port); err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
			return app.ShutdownWithTimeout(shutdownTimeout)
		})
	}

	err = g.Wait()
	logger.Info("Shutdown complete")
	return err
}

// EffectiveThresholds resolves the threshold table a process would start
// with: configuration and tuning, replaced by the table stored in Redis
// when one is reachable.
func EffectiveThresholds(ctx context.Context, cfg *config.Config) (domain.Thresholds, error) {
	tuning, err := config.LoadTuning(cfg.TuningFile)
	if err != nil {
		return domain.Thresholds{}, err
	}
	policy, err := confidence.NewPolicy(cfg.Thresholds(tuning), tuning.ConfidenceTuning())
	if err != nil {
		return domain.Thresholds{}, err
	}
	if cfg.RedisURL == "" {
		return policy.Thresholds(), nil
	}

	client, err := database.NewRedis(ctx, cfg.RedisURL, nil)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, showing configured thresholds")
		return policy.Thresholds(), nil
	}
	defer client.Close()

	svc := confidence.NewThresholdService(policy, cache.NewThresholdStore(pkgcache.NewRedisCache(client, cfg.RedisPrefix)))
	if err := svc.Load(ctx); err != nil {
		return domain.Thresholds{}, err
	}
	return policy.Thresholds(), nil
}
