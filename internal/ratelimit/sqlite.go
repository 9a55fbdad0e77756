package ratelimit

import (
	"context"
	"time"

	"github.com/t77yq/hookwatch/internal/model"
)

// CounterStore is the subset of the SQLite store used for counters
type CounterStore interface {
	CounterValue(ctx context.Context, service model.ServiceType, tenantID string, windowStart time.Time) (int, error)
	IncrementWithCeiling(ctx context.Context, service model.ServiceType, tenantID string, windowStart time.Time, maxAllowed int) (int, bool, error)
}

// SQLiteBackend keeps counters in the rate_limit_counters table
type SQLiteBackend struct {
	store CounterStore
}

// NewSQLiteBackend creates a backend over the given store
func NewSQLiteBackend(store CounterStore) *SQLiteBackend {
	return &SQLiteBackend{store: store}
}

// Current implements Backend.Current
func (b *SQLiteBackend) Current(ctx context.Context, key Key) (int, error) {
	return b.store.CounterValue(ctx, key.Service, key.TenantID, key.WindowStart)
}

// IncrementWithCeiling implements Backend.IncrementWithCeiling
func (b *SQLiteBackend) IncrementWithCeiling(ctx context.Context, key Key, maxAllowed int) (int, bool, error) {
	return b.store.IncrementWithCeiling(ctx, key.Service, key.TenantID, key.WindowStart, maxAllowed)
}
