package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grouper_server/config"
	"grouper_server/internal/bootstrap"
	"grouper_server/pkg/logger"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var mode string

	root := &cobra.Command{
		Use:           "grouper",
		Short:         "Groups emails into construction projects",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			flush := initSentry(cfg)
			defer flush()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return bootstrap.Run(ctx, cfg, mode)
		},
	}
	root.Flags().StringVar(&mode, "mode", bootstrap.ModeAll, "Run mode: api, worker, all")

	root.AddCommand(&cobra.Command{
		Use:   "thresholds",
		Short: "Print the effective confidence threshold table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			t, err := bootstrap.EffectiveThresholds(ctx, cfg)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(t, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	return root
}

// loadConfig reads .env when present, then the environment, and initializes
// the logger.
func loadConfig() (*config.Config, error) {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := logger.ParseLevel(cfg.LogLevel)
	if cfg.Debug() {
		level = logger.LevelDebug
	}
	logger.Init(logger.Config{
		Level:   level,
		Service: "grouper",
		Pretty:  cfg.IsDevelopment(),
	})
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}
	return cfg, nil
}

func initSentry(cfg *config.Config) func() {
	if cfg.SentryDSN == "" {
		return func() {}
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		SampleRate:       cfg.SentrySampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		logger.WithError(err).Warn("Sentry disabled")
		return func() {}
	}
	return func() { sentry.Flush(2 * time.Second) }
}
