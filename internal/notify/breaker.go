package notify

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// BreakerSettings configures the circuit breaker around a channel
type BreakerSettings struct {
	// MaxFailures is the number of consecutive failures that open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// BreakerChannel stops calling a failing provider for a while after repeated
// send errors. While open, Send fails immediately with gobreaker.ErrOpenState.
type BreakerChannel struct {
	next Channel
	cb   *gobreaker.CircuitBreaker[SendResult]
}

// NewBreakerChannel wraps next with a circuit breaker named name
func NewBreakerChannel(name string, next Channel, settings BreakerSettings, logger *zap.Logger) *BreakerChannel {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = time.Minute
	}
	logger = logger.Named("notify-breaker")

	cb := gobreaker.NewCircuitBreaker[SendResult](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Notification breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &BreakerChannel{next: next, cb: cb}
}

// Send implements Channel.Send
func (b *BreakerChannel) Send(ctx context.Context, recipients []string, subject, body string) (SendResult, error) {
	return b.cb.Execute(func() (SendResult, error) {
		return b.next.Send(ctx, recipients, subject, body)
	})
}

// State reports the current breaker state
func (b *BreakerChannel) State() gobreaker.State {
	return b.cb.State()
}
