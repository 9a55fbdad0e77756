// Package api exposes the HTTP surface: ingestion of webhook attempts, retry
// entries and alert configs, health-check and retry passes, alert history,
// liveness and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/config"
	"github.com/t77yq/hookwatch/internal/model"
	"github.com/t77yq/hookwatch/internal/monitor"
	"github.com/t77yq/hookwatch/internal/retry"
)

// HealthChecker runs one health-check pass
type HealthChecker interface {
	RunOnce(ctx context.Context, now time.Time, configID string) (monitor.Summary, error)
}

// RetryProcessor runs one retry executor pass
type RetryProcessor interface {
	ProcessDue(ctx context.Context, now time.Time) (retry.Summary, error)
}

// EventLister reads the alert audit trail
type EventLister interface {
	ListEvents(ctx context.Context, configID string) ([]model.AlertEvent, error)
}

// AttemptRecorder appends webhook attempts to the activity log
type AttemptRecorder interface {
	Record(ctx context.Context, attempt *model.WebhookAttempt) error
}

// RetryEnqueuer queues failed deliveries for redelivery
type RetryEnqueuer interface {
	Enqueue(ctx context.Context, tenantID, webhookName, url string, payload []byte, maxRetries int, now time.Time) (*model.RetryQueueEntry, error)
}

// ConfigStore reads and writes alert configs
type ConfigStore interface {
	GetConfig(ctx context.Context, id string) (*model.AlertConfig, error)
	SaveConfig(ctx context.Context, cfg *model.AlertConfig) error
}

// Dependencies are the components served over HTTP. Everything but Monitor
// may be nil, in which case the matching routes answer 501.
type Dependencies struct {
	Monitor  HealthChecker
	Retries  RetryProcessor
	Events   EventLister
	Attempts AttemptRecorder
	Enqueuer RetryEnqueuer
	Configs  ConfigStore
	Gatherer prometheus.Gatherer

	// DefaultMaxRetries applies to enqueued entries that do not set max_retries.
	DefaultMaxRetries int
}

type Server struct {
	cfg    config.ServerConfig
	deps   Dependencies
	router *chi.Mux
	logger *zap.Logger
	clock  func() time.Time
	http   *http.Server
}

func NewServer(cfg config.ServerConfig, deps Dependencies, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("api"),
		clock:  time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.logger))

	h := &handlers{deps: s.deps, logger: s.logger, clock: func() time.Time { return s.clock() }}

	r.Get("/healthz", h.Health)
	if s.deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/attempts", h.RecordAttempt)
		r.Post("/retries", h.EnqueueRetry)
		r.Put("/alert-configs/{id}", h.PutConfig)
		r.Get("/alert-configs/{id}", h.GetConfig)

		r.Post("/health-check/run", h.RunHealthCheck)
		r.Post("/retries/run", h.RunRetries)
		r.Get("/alert-configs/{id}/events", h.ListEvents)
	})

	return r
}

func (s *Server) Start() error {
	addr := s.cfg.Addr()
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
