package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite backs local development and tests; the database name is a file path.
type SQLite struct{}

func (SQLite) Name() string           { return "sqlite" }
func (SQLite) Placeholder(int) string { return "?" }
func (SQLite) TransactionalDDL() bool { return true }

func (SQLite) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s SQLite) CreateLedgerSQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  version     TEXT      NOT NULL PRIMARY KEY,
  name        TEXT      NOT NULL,
  checksum    TEXT      NOT NULL DEFAULT '',
  applied_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  applied_by  TEXT      NOT NULL DEFAULT '',
  duration_ms INTEGER   NOT NULL DEFAULT 0
)`, s.QuoteIdent(table))
}

func (s SQLite) InsertIgnoreSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (version, name, checksum, applied_at, applied_by, duration_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (version) DO NOTHING`, s.QuoteIdent(table))
}

func (SQLite) IsAlreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// SQLiteDSN turns a file path into a modernc DSN. Transactions take the write
// lock up front and a busy connection waits instead of failing.
func SQLiteDSN(p Params) string {
	if p.DSN != "" {
		return p.DSN
	}
	return "file:" + p.Database + "?_pragma=busy_timeout(5000)&_txlock=immediate"
}

func openSQLite(p Params) (*sql.DB, error) {
	return sql.Open("sqlite", SQLiteDSN(p))
}
