package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/hookwatch/internal/storage"
)

// NewStore opens a migrated SQLite store in a temporary directory
func NewStore(t *testing.T) *storage.Store {
	t.Helper()

	store, err := storage.Open(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "hookwatch.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}
