// Package db opens connections to the supported databases and describes the
// SQL differences between them that the migration ledger depends on.
package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Params are the connection parameters a deploy pipeline passes in. DSN, when
// set, takes precedence over the individual fields.
type Params struct {
	Driver   string
	DSN      string
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
}

// Dialect captures the per-database SQL the ledger and lock need.
type Dialect interface {
	Name() string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	QuoteIdent(name string) string
	// CreateLedgerSQL must be safe to run repeatedly.
	CreateLedgerSQL(table string) string
	// InsertIgnoreSQL inserts (version, name, checksum, applied_at, applied_by,
	// duration_ms) and does nothing if the version is already present.
	InsertIgnoreSQL(table string) string
	// TransactionalDDL reports whether schema changes roll back with the
	// surrounding transaction.
	TransactionalDDL() bool
	// IsAlreadyExists recognises the error a concurrent CREATE TABLE IF NOT
	// EXISTS can still raise when two sessions race on an empty catalog.
	IsAlreadyExists(err error) bool
}

// ForName returns the dialect for a driver name.
func ForName(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "mysql":
		return MySQL{}, nil
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	}
	return nil, fmt.Errorf("unsupported driver %q", driver)
}

// Open builds a pool for p. It does not touch the network; reachability is the
// prober's job.
func Open(p Params) (*sql.DB, Dialect, error) {
	d, err := ForName(p.Driver)
	if err != nil {
		return nil, nil, err
	}
	var database *sql.DB
	switch d.(type) {
	case Postgres:
		database, err = openPostgres(p)
	case MySQL:
		database, err = openMySQL(p)
	case SQLite:
		database, err = openSQLite(p)
	}
	if err != nil {
		return nil, nil, err
	}
	database.SetMaxOpenConns(10)
	database.SetMaxIdleConns(10)
	database.SetConnMaxLifetime(30 * time.Minute)
	return database, d, nil
}
