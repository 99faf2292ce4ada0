package migrator

import (
	"fmt"
	"time"
)

// ConnectivityError means the database never answered within the probe
// timeout. No migration was attempted.
type ConnectivityError struct {
	Attempts int
	Timeout  time.Duration
	Last     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("database not ready after %s (%d attempts): %v", e.Timeout, e.Attempts, e.Last)
}

func (e *ConnectivityError) Unwrap() error { return e.Last }

// RepositoryError means the migration set itself is unusable: unreadable
// files, duplicate versions, inconsistent version widths.
type RepositoryError struct {
	Path string
	Err  error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("migration repository %s: %v", e.Path, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// LedgerError means the migrations table could not be created, read or
// written.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// ExecutionError means a migration body failed. Its transaction was rolled
// back and no ledger row was written.
type ExecutionError struct {
	Version string
	Name    string
	Cause   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("migration %s_%s failed: %v", e.Version, e.Name, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// DriftError means an applied migration no longer matches its file.
type DriftError struct {
	Version  string
	Name     string
	Recorded string
	Current  string
	Reason   string
	Renamed  bool

	sum string // full checksum of the current file
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("checksum drift detected: %s_%s %s (db=%s file=%s)", e.Version, e.Name, e.Reason, e.Recorded, e.Current)
}

// LockError means another runner held the migration lock for too long.
type LockError struct {
	Key string
	Err error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("acquire migration lock %s: %v", e.Key, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }
