package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

type Postgres struct{}

func (Postgres) Name() string             { return "postgres" }
func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }
func (Postgres) TransactionalDDL() bool   { return true }

// QuoteIdent quotes each dot-separated part, so "app.schema_migrations"
// addresses a table in schema app.
func (Postgres) QuoteIdent(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func (p Postgres) CreateLedgerSQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  version     VARCHAR(64)  PRIMARY KEY,
  name        VARCHAR(255) NOT NULL,
  checksum    VARCHAR(64)  NOT NULL DEFAULT '',
  applied_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
  applied_by  VARCHAR(255) NOT NULL DEFAULT '',
  duration_ms BIGINT       NOT NULL DEFAULT 0
)`, p.QuoteIdent(table))
}

func (p Postgres) InsertIgnoreSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (version, name, checksum, applied_at, applied_by, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (version) DO NOTHING`, p.QuoteIdent(table))
}

// 42P07 duplicate_table; 23505 is raised on pg_type when two sessions create
// the same table concurrently.
func (Postgres) IsAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P07" || pgErr.Code == "23505"
	}
	return false
}

// PostgresDSN renders p as a postgres:// URL.
func PostgresDSN(p Params) string {
	if p.DSN != "" {
		return p.DSN
	}
	port := p.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(port)),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	if p.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{p.SSLMode}}.Encode()
	}
	return u.String()
}

func openPostgres(p Params) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(PostgresDSN(p))
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	return stdlib.OpenDB(*cfg), nil
}
