package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/infrastructure/sqlite"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/journal"
)

// NewTestDB opens a migrated throwaway database under the test's temp
// directory. The connection is closed when the test finishes.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "data", "cartrita.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewJournalStore opens a journal store over a throwaway database.
func NewJournalStore(t *testing.T) journal.Store {
	t.Helper()
	return sqlite.NewJournalStore(NewTestDB(t))
}
