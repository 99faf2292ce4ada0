package migrator

import (
	"context"
	"errors"
	"sort"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorehouse/migrate/internal/db"
	"github.com/chorehouse/migrate/internal/logger"
)

func sortedLedger(t *testing.T, l *Ledger) []string {
	v := ledgerVersions(t, l)
	sort.Strings(v)
	return v
}

func TestRunnerFreshDatabaseThenIdempotent(t *testing.T) {
	database, dialect := newSQLite(t)
	r := newTestRunner(t, database, dialect, choreFS())

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, res.State)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, []string{"001", "002", "003"}, sortedLedger(t, r.Ledger))
	assert.NotEmpty(t, res.RunID)

	res, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, []string{"001", "002", "003"}, sortedLedger(t, r.Ledger))
}

func TestRunnerStateTransitions(t *testing.T) {
	database, dialect := newSQLite(t)
	r := newTestRunner(t, database, dialect, choreFS())
	var states []State
	r.Hooks.OnState = func(s State) { states = append(states, s) }

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StateProbing, StatePlanning, StateExecuting, StateReporting, StateSuccess}, states)

	states = nil
	_, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StateProbing, StatePlanning, StateReporting, StateSuccess}, states, "nothing pending goes straight to reporting")
}

func TestRunnerAppliesInAscendingOrder(t *testing.T) {
	database, dialect := newSQLite(t)
	fsys := fstest.MapFS{}
	for _, v := range []string{"010", "002", "007", "001", "005"} {
		fsys["migrations/"+v+"_step.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE t" + v + " (id INTEGER);")}
	}
	r := newTestRunner(t, database, dialect, fsys)
	var order []string
	r.Hooks.OnUnit = func(o Outcome) { order = append(order, o.Version) }

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002", "005", "007", "010"}, order)
}

func TestRunnerStopsAtFirstFailure(t *testing.T) {
	database, dialect := newSQLite(t)
	fsys := choreFS()
	fsys["migrations/002_create_households.sql"] = &fstest.MapFile{Data: []byte(brokenHouseholds)}
	r := newTestRunner(t, database, dialect, fsys)
	var states []State
	r.Hooks.OnState = func(s State) { states = append(states, s) }

	res, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, []State{StateProbing, StatePlanning, StateExecuting, StateReporting, StateFailed}, states)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Skipped)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "002", execErr.Version)
	assert.Contains(t, err.Error(), "002_create_households")
	assert.Same(t, err, res.Failure)

	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, StatusApplied, res.Outcomes[0].Status)
	assert.Equal(t, StatusFailed, res.Outcomes[1].Status)

	assert.Equal(t, []string{"001"}, sortedLedger(t, r.Ledger))
	assert.True(t, tableExists(t, database, "users"))
	assert.False(t, tableExists(t, database, "households"))
	assert.False(t, tableExists(t, database, "tasks"), "003 must never be attempted")
}

func TestRunnerResumesAfterFix(t *testing.T) {
	database, dialect := newSQLite(t)
	fsys := choreFS()
	fsys["migrations/004_create_children.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE children (id INTEGER PRIMARY KEY, household_id INTEGER);")}

	// versions 1 and 2 already applied
	first := fstest.MapFS{
		"migrations/001_create_users.sql":      fsys["migrations/001_create_users.sql"],
		"migrations/002_create_households.sql": fsys["migrations/002_create_households.sql"],
	}
	_, err := newTestRunner(t, database, dialect, first).Run(context.Background())
	require.NoError(t, err)

	fsys["migrations/003_create_tasks.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE tasks (id INTEGER PRIMARY KEY,, title TEXT);")}
	r := newTestRunner(t, database, dialect, fsys)
	res, err := r.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Applied)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, tableExists(t, database, "children"), "nothing from version 4 may run after 3 failed")

	fsys["migrations/003_create_tasks.sql"] = &fstest.MapFile{Data: []byte(createTasks)}
	var applied []string
	r.Hooks.OnUnit = func(o Outcome) {
		if o.Status == StatusApplied {
			applied = append(applied, o.Version)
		}
	}
	res, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"003", "004"}, applied)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []string{"001", "002", "003", "004"}, sortedLedger(t, r.Ledger))
}

func TestRunnerProbeTimeoutAttemptsNothing(t *testing.T) {
	database, dialect := newSQLite(t)
	r := newTestRunner(t, database, dialect, choreFS())
	r.Opts.ProbeTimeout = 30 * time.Millisecond
	r.Opts.ProbeInterval = 5 * time.Millisecond
	r.Prober.Check = func(context.Context) error { return errors.New("connection refused") }

	res, err := r.Run(context.Background())
	var connErr *ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, res.Outcomes)
	assert.False(t, tableExists(t, database, "schema_migrations"), "planning must not start")
}

func TestRunnerDriftFailsPlanning(t *testing.T) {
	database, dialect := newSQLite(t)
	fsys := choreFS()
	r := newTestRunner(t, database, dialect, fsys)
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	fsys["migrations/001_create_users.sql"] = &fstest.MapFile{Data: []byte(createUsers + "-- edited\n")}
	fsys["migrations/004_create_children.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE children (id INTEGER);")}
	res, err := r.Run(context.Background())
	var drift *DriftError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, "001", drift.Version)
	assert.Equal(t, 0, res.Applied)
	assert.False(t, tableExists(t, database, "children"))

	r.Opts.VerifyChecksums = false
	res, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	r.Opts.VerifyChecksums = true
	n, err := r.Repair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = r.Run(context.Background())
	require.NoError(t, err, "repair should clear the drift")
}

func TestRunnerDryRunExecutesNothing(t *testing.T) {
	database, dialect := newSQLite(t)
	r := newTestRunner(t, database, dialect, choreFS())
	r.Opts.DryRun = true

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pending)
	assert.Equal(t, 0, res.Applied)
	assert.False(t, tableExists(t, database, "users"))
	assert.Empty(t, ledgerVersions(t, r.Ledger))
}

func TestRunnerReportsUnknownVersions(t *testing.T) {
	database, dialect := newSQLite(t)
	r := newTestRunner(t, database, dialect, choreFS())
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	fsys := choreFS()
	delete(fsys, "migrations/003_create_tasks.sql")
	r.Repo = FileSource{FS: fsys, RootDir: "migrations"}
	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"003"}, res.Unknown)
	assert.Equal(t, 2, res.Skipped)
}

func TestRunnerRepositoryErrorFailsPlanning(t *testing.T) {
	database, dialect := newSQLite(t)
	fsys := choreFS()
	fsys["migrations/002_create_people.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE people (id INTEGER);")}
	r := newTestRunner(t, database, dialect, fsys)

	res, err := r.Run(context.Background())
	var repoErr *RepositoryError
	require.ErrorAs(t, err, &repoErr)
	assert.Equal(t, StateFailed, res.State)
	assert.False(t, tableExists(t, database, "users"))
}

func TestRunnerLedgerErrorFailsPlanning(t *testing.T) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, name").WillReturnError(errors.New("permission denied for table schema_migrations"))

	r := NewRunner(mockDB, db.Postgres{}, FileSource{FS: choreFS(), RootDir: "migrations"}, Options{
		AppliedBy: "ci", NoLock: true, ProbeTimeout: time.Second, ProbeInterval: time.Millisecond,
	}, logger.Discard())
	res, err := r.Run(context.Background())
	var ledgerErr *LedgerError
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, StateFailed, res.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunnerMixesSelfTransactionalUnits(t *testing.T) {
	database, dialect := newSQLite(t)
	fsys := choreFS()
	fsys["migrations/002_create_households.sql"] = &fstest.MapFile{Data: []byte(selfManagedHouseholds)}
	r := newTestRunner(t, database, dialect, fsys)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)

	res, err = r.Run(context.Background())
	require.NoError(t, err, "backfilled checksum must not register as drift")
	assert.Equal(t, 3, res.Skipped)
}

func TestRunnerStatus(t *testing.T) {
	database, dialect := newSQLite(t)
	fsys := choreFS()
	delete(fsys, "migrations/003_create_tasks.sql")
	_, err := newTestRunner(t, database, dialect, fsys).Run(context.Background())
	require.NoError(t, err)

	r := newTestRunner(t, database, dialect, choreFS())
	rows, plan, err := r.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Len(t, plan.Pending, 1)

	assert.True(t, rows[0].Applied)
	assert.Equal(t, "tester", rows[0].Entry.AppliedBy)
	assert.Nil(t, rows[0].Drift)
	assert.True(t, rows[1].Applied)
	assert.False(t, rows[2].Applied)
	assert.Equal(t, "003", rows[2].Unit.Version)
	assert.False(t, tableExists(t, database, "tasks"))
}
