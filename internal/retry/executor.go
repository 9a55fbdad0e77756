package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/hookwatch/internal/model"
	"github.com/t77yq/hookwatch/internal/ratelimit"
)

// ActivityRecorder appends delivery attempts to the activity log
type ActivityRecorder interface {
	Record(ctx context.Context, attempt *model.WebhookAttempt) error
}

// Summary reports what one executor pass did
type Summary struct {
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Abandoned int `json:"abandoned"`
	Deferred  int `json:"deferred"`
	LeaseLost int `json:"lease_lost"`
	Errors    int `json:"errors"`
}

// SendResult is the outcome of one redelivery
type SendResult struct {
	Status     model.AttemptStatus
	StatusCode int
	// DurationMS is nil when the request timed out.
	DurationMS *int64
	Error      string
}

// Executor redelivers due retry entries over HTTP
type Executor struct {
	logger   *zap.Logger
	manager  *Manager
	activity ActivityRecorder
	limiter  *ratelimit.Limiter
	client   *http.Client
	timeout  time.Duration
	clock    func() time.Time
}

// NewExecutor creates an executor. A nil client uses one with requestTimeout.
// An entry is only sent while at least requestTimeout of its lease remains.
func NewExecutor(manager *Manager, activity ActivityRecorder, limiter *ratelimit.Limiter, client *http.Client, requestTimeout time.Duration, logger *zap.Logger) *Executor {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Executor{
		logger:   logger.Named("retry-executor"),
		manager:  manager,
		activity: activity,
		limiter:  limiter,
		client:   client,
		timeout:  requestTimeout,
		clock:    time.Now,
	}
}

// ProcessDue claims the entries due at now and attempts each once. Entries
// denied by the rate limiter, or reached too late in the pass to finish
// within the lease, are released untouched and picked up again on a later
// pass. Per-entry failures are logged and counted; only a failure to claim
// aborts the pass.
func (x *Executor) ProcessDue(ctx context.Context, now time.Time) (Summary, error) {
	var summary Summary

	started := x.clock()
	entries, err := x.manager.DequeueDue(ctx, now)
	if err != nil {
		return summary, fmt.Errorf("failed to claim due entries: %w", err)
	}
	summary.Claimed = len(entries)

	pass := leaseWindow{
		now:      now,
		started:  started,
		deadline: now.Add(x.manager.Lease()),
		clock:    x.clock,
	}
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		x.process(ctx, &entries[i], pass, &summary)
	}

	if summary.Claimed > 0 {
		x.logger.Info("Retry pass completed",
			zap.Int("claimed", summary.Claimed),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("retrying", summary.Retrying),
			zap.Int("abandoned", summary.Abandoned),
			zap.Int("deferred", summary.Deferred),
			zap.Int("lease_lost", summary.LeaseLost),
			zap.Int("errors", summary.Errors))
	}
	return summary, nil
}

// leaseWindow tracks how much of a pass's lease is left. The lease was taken
// at now, so the wall time spent in the pass is added to now.
type leaseWindow struct {
	now      time.Time
	started  time.Time
	deadline time.Time
	clock    func() time.Time
}

func (w leaseWindow) remaining() time.Duration {
	return w.deadline.Sub(w.now.Add(w.clock().Sub(w.started)))
}

func (x *Executor) process(ctx context.Context, e *model.RetryQueueEntry, pass leaseWindow, summary *Summary) {
	now := pass.now
	logger := x.logger.With(
		zap.String("entry_id", e.ID),
		zap.String("tenant_id", e.TenantID),
		zap.String("webhook_name", e.WebhookName))

	if left := pass.remaining(); left < x.timeout {
		logger.Warn("Not enough lease left to redeliver, releasing entry",
			zap.Duration("lease_left", left))
		x.release(ctx, e.ID, logger)
		summary.Deferred++
		return
	}

	reservation, decision, err := x.limiter.Acquire(ctx, model.ServiceWebhook, e.TenantID, now)
	if err != nil {
		logger.Error("Rate limit check failed", zap.Error(err))
		x.release(ctx, e.ID, logger)
		summary.Errors++
		return
	}
	if !decision.Allowed {
		logger.Debug("Redelivery deferred by rate limit", zap.Error(decision.Err()))
		x.release(ctx, e.ID, logger)
		summary.Deferred++
		return
	}

	result := x.Send(ctx, e)
	success := result.Status == model.AttemptStatusSuccess
	reservation.Complete(ctx, success)

	attempt := &model.WebhookAttempt{
		ID:          uuid.New().String(),
		TenantID:    e.TenantID,
		WebhookName: e.WebhookName,
		URL:         e.URL,
		Status:      result.Status,
		DurationMS:  result.DurationMS,
		TriggeredAt: now.UTC(),
	}
	if err := x.activity.Record(ctx, attempt); err != nil {
		logger.Error("Failed to record attempt", zap.Error(err))
	}

	if pass.remaining() <= 0 {
		logger.Warn("Lease expired during redelivery, result not recorded",
			zap.String("status", string(result.Status)))
		summary.LeaseLost++
		return
	}

	updated, err := x.manager.RecordClaimedResult(ctx, e.ID, success, result.Error, now)
	if errors.Is(err, ErrLeaseLost) {
		logger.Warn("Lease taken over during redelivery, result not recorded")
		summary.LeaseLost++
		return
	}
	if err != nil {
		logger.Error("Failed to record attempt result", zap.Error(err))
		summary.Errors++
		return
	}

	switch updated.Status {
	case model.RetryStatusSucceeded:
		summary.Succeeded++
	case model.RetryStatusAbandoned:
		summary.Abandoned++
	default:
		summary.Retrying++
	}
}

func (x *Executor) release(ctx context.Context, id string, logger *zap.Logger) {
	if err := x.manager.Release(ctx, id); err != nil {
		logger.Error("Failed to release claim", zap.Error(err))
	}
}

// Send POSTs the entry payload to its URL. Any 2xx response is a success.
func (x *Executor) Send(ctx context.Context, e *model.RetryQueueEntry) SendResult {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(e.Payload))
	if err != nil {
		return SendResult{
			Status: model.AttemptStatusFailed,
			Error:  fmt.Sprintf("failed to create request: %v", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hookwatch/1.0")
	req.Header.Set("X-Hookwatch-Entry", e.ID)
	req.Header.Set("X-Hookwatch-Retry", strconv.Itoa(e.RetryCount+1))

	resp, err := x.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return SendResult{
				Status: model.AttemptStatusTimeout,
				Error:  fmt.Sprintf("request timed out: %v", err),
			}
		}
		elapsed := time.Since(start).Milliseconds()
		return SendResult{
			Status:     model.AttemptStatusFailed,
			DurationMS: &elapsed,
			Error:      fmt.Sprintf("request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	elapsed := time.Since(start).Milliseconds()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return SendResult{
			Status:     model.AttemptStatusSuccess,
			StatusCode: resp.StatusCode,
			DurationMS: &elapsed,
		}
	}
	return SendResult{
		Status:     model.AttemptStatusFailed,
		StatusCode: resp.StatusCode,
		DurationMS: &elapsed,
		Error:      fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, body),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
