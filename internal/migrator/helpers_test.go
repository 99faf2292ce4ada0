package migrator

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chorehouse/migrate/internal/db"
	"github.com/chorehouse/migrate/internal/logger"
)

const (
	createUsers      = "CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL UNIQUE);\n"
	createHouseholds = "CREATE TABLE households (id INTEGER PRIMARY KEY, owner_id INTEGER NOT NULL REFERENCES users(id));\nCREATE INDEX idx_households_owner ON households (owner_id);\n"
	createTasks      = "CREATE TABLE tasks (id INTEGER PRIMARY KEY, household_id INTEGER NOT NULL, title TEXT NOT NULL);\n"
	brokenHouseholds = "CREATE TABLE households (id INTEGER PRIMARY KEY);\nCREATE TABLE household_members (household_id INTEGER,, user_id INTEGER);\n"
)

// choreFS is the three-unit repository used across the runner tests.
func choreFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/001_create_users.sql":      {Data: []byte(createUsers)},
		"migrations/002_create_households.sql": {Data: []byte(createHouseholds)},
		"migrations/003_create_tasks.sql":      {Data: []byte(createTasks)},
	}
}

func newSQLite(t *testing.T) (*sql.DB, db.Dialect) {
	t.Helper()
	database, dialect, err := db.Open(db.Params{Driver: "sqlite", Database: filepath.Join(t.TempDir(), "chores.db")})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database, dialect
}

func newTestRunner(t *testing.T, database *sql.DB, dialect db.Dialect, fsys fstest.MapFS) *Runner {
	t.Helper()
	return NewRunner(database, dialect, FileSource{FS: fsys, RootDir: "migrations"}, Options{
		AppliedBy:       "tester",
		ProbeTimeout:    time.Second,
		ProbeInterval:   10 * time.Millisecond,
		VerifyChecksums: true,
	}, logger.Discard())
}

func tableExists(t *testing.T, database *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := database.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func ledgerVersions(t *testing.T, l *Ledger) []string {
	t.Helper()
	applied, err := l.ListApplied(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(applied))
	for v := range applied {
		out = append(out, v)
	}
	return out
}
