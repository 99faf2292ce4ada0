package migrator

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"
)

// Executor applies one unit and its ledger row as a single atomic change.
//
// A plain body runs inside a transaction the executor opens; the ledger row
// is written on the same transaction before commit. A self-transactional body
// (its own BEGIN ... COMMIT) is sent verbatim as one request on a dedicated
// connection and is expected to insert its own ledger row before COMMIT; the
// executor then writes the row again with conflict-ignore semantics, which is
// a no-op when the file already did, and fills in the checksum.
type Executor struct {
	DB        *sql.DB
	Ledger    *Ledger
	AppliedBy string
	Now       func() time.Time
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Apply runs u. On failure nothing of u remains committed and the error is an
// *ExecutionError, or a *LedgerError when only the ledger write failed.
func (e *Executor) Apply(ctx context.Context, u Unit) (LedgerEntry, error) {
	if u.SelfTransactional {
		return e.applySelfManaged(ctx, u)
	}
	start := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return LedgerEntry{}, &ExecutionError{Version: u.Version, Name: u.Name, Cause: fmt.Errorf("begin: %w", err)}
	}
	// NOTE: the body goes to the driver as one request; MySQL needs
	// multiStatements=true for that, which db.Open sets.
	if !blank(u.Body) {
		if _, err := tx.ExecContext(ctx, string(u.Body)); err != nil {
			_ = tx.Rollback()
			return LedgerEntry{}, &ExecutionError{Version: u.Version, Name: u.Name, Cause: err}
		}
	}
	entry := e.entry(u, start)
	if err := e.Ledger.RecordApplied(ctx, tx, entry); err != nil {
		_ = tx.Rollback()
		return LedgerEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return LedgerEntry{}, &ExecutionError{Version: u.Version, Name: u.Name, Cause: fmt.Errorf("commit: %w", err)}
	}
	return entry, nil
}

func (e *Executor) applySelfManaged(ctx context.Context, u Unit) (LedgerEntry, error) {
	start := e.now()
	conn, err := e.DB.Conn(ctx)
	if err != nil {
		return LedgerEntry{}, &ExecutionError{Version: u.Version, Name: u.Name, Cause: fmt.Errorf("connect: %w", err)}
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, string(u.Body)); err != nil {
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		// The session may still sit inside the file's transaction; drop it
		// rather than hand it back to the pool.
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		return LedgerEntry{}, &ExecutionError{Version: u.Version, Name: u.Name, Cause: err}
	}
	entry := e.entry(u, start)
	if err := e.Ledger.RecordApplied(ctx, conn, entry); err != nil {
		return LedgerEntry{}, err
	}
	if err := e.Ledger.BackfillChecksum(ctx, conn, u.Version, u.Checksum); err != nil {
		return LedgerEntry{}, err
	}
	return entry, nil
}

func (e *Executor) entry(u Unit, start time.Time) LedgerEntry {
	return LedgerEntry{
		Version:    u.Version,
		Name:       u.Name,
		Checksum:   u.Checksum,
		AppliedAt:  start.UTC(),
		AppliedBy:  e.AppliedBy,
		DurationMS: e.now().Sub(start).Milliseconds(),
	}
}
