package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/api"
	"github.com/t77yq/hookwatch/internal/scheduler"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "hookwatch",
		Short:        "Webhook health monitoring, retries and alerting",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(runOnceCmd(&configPath))
	rootCmd.AddCommand(retryCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled health checks and retries with the HTTP trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			sched := scheduler.NewCronScheduler(logger)
			healthJob := func(ctx context.Context, now time.Time) error {
				_, err := a.monitor.RunOnce(ctx, now, "")
				return err
			}
			retryJob := func(ctx context.Context, now time.Time) error {
				_, err := a.executor.ProcessDue(ctx, now)
				return err
			}
			if err := sched.AddJob("health-check", cfg.Monitor.Schedule, healthJob); err != nil {
				return err
			}
			if err := sched.AddJob("retry", cfg.Retry.Schedule, retryJob); err != nil {
				return err
			}
			if err := sched.AddJob("alert-history-cleanup", cfg.Monitor.CleanupSchedule, a.cleanupEvents); err != nil {
				return err
			}
			sched.Start()

			server := api.NewServer(cfg.Server, api.Dependencies{
				Monitor:           a.monitor,
				Retries:           a.executor,
				Events:            a.store,
				Attempts:          a.store,
				Enqueuer:          a.retries,
				Configs:           a.store,
				DefaultMaxRetries: cfg.Retry.DefaultMaxRetries,
				Gatherer:          a.registry,
			}, logger)
			go func() {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("HTTP server error", zap.Error(err))
				}
			}()

			logger.Info("hookwatch is running",
				zap.String("addr", cfg.Server.Addr()),
				zap.String("health_schedule", cfg.Monitor.Schedule),
				zap.String("retry_schedule", cfg.Retry.Schedule),
				zap.String("ratelimit_backend", cfg.RateLimit.Backend),
				zap.Bool("nats", cfg.NATS.Enabled))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			logger.Info("Shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				logger.Error("HTTP server shutdown error", zap.Error(err))
			}
			sched.Stop()

			logger.Info("hookwatch stopped")
			return nil
		},
	}
}

func runOnceCmd(configPath *string) *cobra.Command {
	var configID string
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run a single health-check pass and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.monitor.RunOnce(ctx, time.Now().UTC(), configID)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().StringVar(&configID, "config-id", "", "evaluate only this alert config")
	return cmd
}

func retryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Process due retry queue entries once and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.executor.ProcessDue(ctx, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("retry pass failed: %w", err)
			}
			return printJSON(cmd, summary)
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := openStore(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info("Migrations completed", zap.String("path", cfg.Storage.SQLite.Path))
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
