package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chorehouse/migrate/internal/db"
)

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn, so ledger writes can
// join whatever transaction or session the caller holds.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Ledger is the migrations table inside the target database.
type Ledger struct {
	DB      *sql.DB
	Dialect db.Dialect
	Table   string
}

// EnsureExists creates the table if it is missing. Safe to call from many
// runners at once.
func (l *Ledger) EnsureExists(ctx context.Context) error {
	_, err := l.DB.ExecContext(ctx, l.Dialect.CreateLedgerSQL(l.Table))
	if err != nil && !l.Dialect.IsAlreadyExists(err) {
		return &LedgerError{Op: "create " + l.Table, Err: err}
	}
	return nil
}

// ListApplied returns every ledgered version.
func (l *Ledger) ListApplied(ctx context.Context) (map[string]LedgerEntry, error) {
	rows, err := l.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT version, name, checksum, applied_at, applied_by, duration_ms FROM %s ORDER BY version`,
		l.Dialect.QuoteIdent(l.Table)))
	if err != nil {
		return nil, &LedgerError{Op: "list", Err: err}
	}
	defer rows.Close()
	out := map[string]LedgerEntry{}
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.Version, &e.Name, &e.Checksum, timestamp{&e.AppliedAt}, &e.AppliedBy, &e.DurationMS); err != nil {
			return nil, &LedgerError{Op: "list", Err: err}
		}
		out[e.Version] = e
	}
	if err := rows.Err(); err != nil {
		return nil, &LedgerError{Op: "list", Err: err}
	}
	return out, nil
}

// RecordApplied inserts e through ex. An existing row for the version is left
// untouched and is not an error.
func (l *Ledger) RecordApplied(ctx context.Context, ex Execer, e LedgerEntry) error {
	_, err := ex.ExecContext(ctx, l.Dialect.InsertIgnoreSQL(l.Table),
		e.Version, e.Name, e.Checksum, e.AppliedAt.UTC(), e.AppliedBy, e.DurationMS)
	if err != nil {
		return &LedgerError{Op: "record " + e.Version, Err: err}
	}
	return nil
}

// BackfillChecksum fills the checksum of a row that was written without one,
// as happens when a migration file inserts its own ledger row.
func (l *Ledger) BackfillChecksum(ctx context.Context, ex Execer, version, sum string) error {
	q := fmt.Sprintf(`UPDATE %s SET checksum = %s WHERE version = %s AND checksum = ''`,
		l.Dialect.QuoteIdent(l.Table), l.Dialect.Placeholder(1), l.Dialect.Placeholder(2))
	if _, err := ex.ExecContext(ctx, q, sum, version); err != nil {
		return &LedgerError{Op: "backfill " + version, Err: err}
	}
	return nil
}

// UpdateChecksum overwrites the stored checksum. Used by repair after an
// intentional edit of an applied file.
func (l *Ledger) UpdateChecksum(ctx context.Context, version, sum string) error {
	q := fmt.Sprintf(`UPDATE %s SET checksum = %s WHERE version = %s`,
		l.Dialect.QuoteIdent(l.Table), l.Dialect.Placeholder(1), l.Dialect.Placeholder(2))
	if _, err := l.DB.ExecContext(ctx, q, sum, version); err != nil {
		return &LedgerError{Op: "update " + version, Err: err}
	}
	return nil
}

// timestamp scans applied_at from drivers that hand back time.Time as well as
// from SQLite, which may store it as text.
type timestamp struct{ t *time.Time }

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func (s timestamp) Scan(v any) error {
	switch x := v.(type) {
	case time.Time:
		*s.t = x
	case nil:
		*s.t = time.Time{}
	case int64:
		*s.t = time.Unix(x, 0).UTC()
	case []byte:
		return s.parse(string(x))
	case string:
		return s.parse(x)
	default:
		return fmt.Errorf("unsupported applied_at type %T", v)
	}
	return nil
}

func (s timestamp) parse(v string) error {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			*s.t = t
			return nil
		}
	}
	return fmt.Errorf("unparsable applied_at %q", v)
}
