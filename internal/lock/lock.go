package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned when another runner holds the lock for longer than
// the caller is willing to wait.
var ErrTimeout = errors.New("advisory lock wait timeout")

// Locker serialises runners that target the same database. The lock lives on
// one dedicated connection and dies with it, so a killed runner never leaves
// it behind.
type Locker interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release(ctx context.Context) error
	Key() string
}

// New returns the locker for a dialect name. SQLite has no advisory locks; its
// file lock already serialises writers, so it gets a no-op.
func New(db *sql.DB, dialect, key string) Locker {
	switch dialect {
	case "postgres":
		return &Postgres{db: db, key: key}
	case "mysql":
		return &MySQL{db: db, key: key}
	}
	return Noop{key: key}
}

func KeyFor(database, table string) string {
	return fmt.Sprintf("chorehouse-migrate:%s:%s", database, table)
}

// MySQL advisory lock using GET_LOCK/RELEASE_LOCK on a dedicated connection.
type MySQL struct {
	db   *sql.DB
	conn *sql.Conn
	key  string
	held bool
}

func (m *MySQL) Acquire(ctx context.Context, timeout time.Duration) error {
	if m.held {
		return nil
	}
	var err error
	m.conn, err = m.db.Conn(ctx)
	if err != nil {
		return err
	}
	// GET_LOCK(name, timeout_seconds)
	row := m.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", m.key, int(timeout.Seconds()))
	var got sql.NullInt64
	if err := row.Scan(&got); err != nil {
		_ = m.conn.Close()
		return err
	}
	if !got.Valid || got.Int64 != 1 {
		_ = m.conn.Close()
		return fmt.Errorf("%w: %s", ErrTimeout, m.key)
	}
	m.held = true
	return nil
}

func (m *MySQL) Release(ctx context.Context) error {
	if !m.held || m.conn == nil {
		return nil
	}
	row := m.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.key)
	var rel sql.NullInt64
	_ = row.Scan(&rel) // do not fail on release
	m.held = false
	return m.conn.Close()
}

func (m *MySQL) Key() string { return m.key }

// Postgres session-level advisory lock. pg_try_advisory_lock is polled so the
// wait can be bounded; pg_advisory_lock would block past any timeout.
type Postgres struct {
	db           *sql.DB
	conn         *sql.Conn
	key          string
	held         bool
	PollInterval time.Duration
}

var errBusy = errors.New("lock busy")

func (p *Postgres) Acquire(ctx context.Context, timeout time.Duration) error {
	if p.held {
		return nil
	}
	var err error
	p.conn, err = p.db.Conn(ctx)
	if err != nil {
		return err
	}
	id := HashKey(p.key)
	interval := p.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	try := func() error {
		var got bool
		if err := p.conn.QueryRowContext(waitCtx, "SELECT pg_try_advisory_lock($1)", id).Scan(&got); err != nil {
			if waitCtx.Err() != nil {
				return backoff.Permanent(waitCtx.Err())
			}
			return backoff.Permanent(err)
		}
		if !got {
			return errBusy
		}
		return nil
	}
	err = backoff.Retry(try, backoff.WithContext(backoff.NewConstantBackOff(interval), waitCtx))
	if err != nil {
		_ = p.conn.Close()
		if errors.Is(err, errBusy) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, p.key)
		}
		return err
	}
	p.held = true
	return nil
}

func (p *Postgres) Release(ctx context.Context) error {
	if !p.held || p.conn == nil {
		return nil
	}
	_, _ = p.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", HashKey(p.key))
	p.held = false
	return p.conn.Close()
}

func (p *Postgres) Key() string { return p.key }

type Noop struct{ key string }

func (Noop) Acquire(context.Context, time.Duration) error { return nil }
func (Noop) Release(context.Context) error                { return nil }
func (n Noop) Key() string                                { return n.key }

// HashKey maps a lock name onto the bigint space pg_advisory_lock uses.
func HashKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}
