// Package testutil provides shared test helpers for archivist packages.
package testutil

import (
	"database/sql"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/dukerupert/archivist/internal/database"
)

// Logger returns a zap logger that writes through t.Log.
func Logger(t testing.TB) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// NewDB opens a migrated in-memory sqlite database that is closed when the
// test completes.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("testutil.NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
