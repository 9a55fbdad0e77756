package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/hookwatch/internal/config"
	"github.com/t77yq/hookwatch/internal/events"
	"github.com/t77yq/hookwatch/internal/metrics"
	"github.com/t77yq/hookwatch/internal/model"
	"github.com/t77yq/hookwatch/internal/monitor"
	"github.com/t77yq/hookwatch/internal/notify"
	"github.com/t77yq/hookwatch/internal/ratelimit"
	"github.com/t77yq/hookwatch/internal/retry"
	"github.com/t77yq/hookwatch/internal/storage"
)

// app holds every wired component of a running hookwatch process
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *storage.Store
	registry *prometheus.Registry
	monitor  *monitor.HealthMonitor
	retries  *retry.Manager
	executor *retry.Executor

	closers []func()
}

func newLogger(cfg config.LoggingConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, newLogger(cfg.Logging), nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLite.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.Open(logger, cfg.Storage.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// connectNATS dials the first reachable URL with a bounded retry loop
func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	const maxAttempts = 5
	for i := 0; i < maxAttempts; i++ {
		nc, err = nats.Connect(natsURL(cfg.NATS.URLs), opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", maxAttempts, err)
}

func natsURL(urls []string) string {
	if len(urls) == 0 {
		return nats.DefaultURL
	}
	joined := urls[0]
	for _, u := range urls[1:] {
		joined += "," + u
	}
	return joined
}

func newBackend(cfg *config.Config, store *storage.Store) (ratelimit.Backend, func(), error) {
	switch cfg.RateLimit.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		return ratelimit.NewRedisBackend(client), func() { client.Close() }, nil
	default:
		return ratelimit.NewSQLiteBackend(store), func() {}, nil
	}
}

func newChannels(cfg *config.Config, logger *zap.Logger) *notify.Registry {
	registry := notify.NewRegistry()
	breaker := notify.BreakerSettings{
		MaxFailures: cfg.Notify.Breaker.MaxFailures,
		OpenTimeout: cfg.Notify.Breaker.OpenTimeout,
	}
	targets := map[model.ServiceType]string{
		model.ServiceEmail: cfg.Notify.EmailURL,
		model.ServiceSMS:   cfg.Notify.SMSURL,
	}
	for service, url := range targets {
		if url == "" {
			logger.Warn("Notification channel not configured", zap.String("service_type", string(service)))
			continue
		}
		ch := notify.NewShoutrrrChannel(service, url, logger)
		registry.Register(service, notify.NewBreakerChannel(string(service), ch, breaker, logger))
	}
	return registry
}

// newApp wires the store, limiter, channels, publisher, monitor and retry
// components from cfg
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() { store.Close() })

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	backend, closeBackend, err := newBackend(cfg, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeBackend)

	limiter := ratelimit.NewLimiter(backend, store, ratelimit.Config{
		Window:       cfg.RateLimit.Window,
		Limits:       cfg.RateLimit.ServiceLimits(),
		DefaultLimit: cfg.RateLimit.DefaultLimit,
	}, m, logger)

	var (
		alertPublisher     monitor.EventPublisher
		abandonedPublisher retry.AbandonmentPublisher
	)
	if cfg.NATS.Enabled {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { nc.Close() })
		logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

		js, err := nc.JetStream()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		publisher := events.NewPublisher(js, logger)
		if err := publisher.EnsureStreams(); err != nil {
			a.Close()
			return nil, err
		}
		alertPublisher = publisher
		abandonedPublisher = publisher
	}

	dispatcher := monitor.NewDispatcher(
		newChannels(cfg, logger),
		limiter,
		store,
		store,
		alertPublisher,
		monitor.MustNewRenderer(),
		m,
		monitor.DispatcherOptions{
			SendTimeout:  cfg.Monitor.SendTimeout,
			QueryTimeout: cfg.Monitor.QueryTimeout,
		},
		logger,
	)
	a.monitor = monitor.NewHealthMonitor(store, store, store, dispatcher, m,
		monitor.Options{QueryTimeout: cfg.Monitor.QueryTimeout}, logger)

	strategy := &retry.ExponentialBackoff{
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		Jitter:       retry.HashJitter(cfg.Retry.JitterFraction),
	}
	a.retries = retry.NewManager(store, strategy, abandonedPublisher, m, retry.ManagerConfig{
		Lease:     cfg.Retry.Lease,
		BatchSize: cfg.Retry.BatchSize,
	}, logger)
	a.executor = retry.NewExecutor(a.retries, store, limiter, nil, cfg.Retry.RequestTimeout, logger)

	return a, nil
}

// cleanupEvents drops alert history older than the configured retention
func (a *app) cleanupEvents(ctx context.Context, now time.Time) error {
	if a.cfg.Monitor.EventRetention <= 0 {
		return nil
	}
	cutoff := now.Add(-a.cfg.Monitor.EventRetention)
	n, err := a.store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.logger.Info("Alert history cleaned up",
		zap.Int64("deleted", n),
		zap.Time("cutoff", cutoff))
	return nil
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
