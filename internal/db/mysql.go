package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

type MySQL struct{}

func (MySQL) Name() string           { return "mysql" }
func (MySQL) Placeholder(int) string { return "?" }

// MySQL commits implicitly around DDL, so a failing migration can leave
// earlier statements of the same file applied.
func (MySQL) TransactionalDDL() bool { return false }

func (MySQL) QuoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
	}
	return strings.Join(parts, ".")
}

func (m MySQL) CreateLedgerSQL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  version     VARCHAR(64)  NOT NULL PRIMARY KEY,
  name        VARCHAR(255) NOT NULL,
  checksum    VARCHAR(64)  NOT NULL DEFAULT '',
  applied_at  TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
  applied_by  VARCHAR(255) NOT NULL DEFAULT '',
  duration_ms BIGINT       NOT NULL DEFAULT 0
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, m.QuoteIdent(table))
}

func (m MySQL) InsertIgnoreSQL(table string) string {
	return fmt.Sprintf(`INSERT IGNORE INTO %s (version, name, checksum, applied_at, applied_by, duration_ms)
VALUES (?, ?, ?, ?, ?, ?)`, m.QuoteIdent(table))
}

// 1050 ER_TABLE_EXISTS_ERROR
func (MySQL) IsAlreadyExists(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1050
}

// MySQLConfig builds the driver config for p. parseTime and multiStatements
// are always on: the ledger scans timestamps and migration files hold more
// than one statement.
func MySQLConfig(p Params) (*mysql.Config, error) {
	var cfg *mysql.Config
	if p.DSN != "" {
		parsed, err := mysql.ParseDSN(p.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		cfg = parsed
	} else {
		port := p.Port
		if port == 0 {
			port = 3306
		}
		cfg = mysql.NewConfig()
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(p.Host, strconv.Itoa(port))
		cfg.DBName = p.Database
		cfg.User = p.User
		cfg.Passwd = p.Password
		if p.SSLMode != "" && p.SSLMode != "disable" {
			cfg.TLSConfig = "true"
		}
	}
	cfg.ParseTime = true
	cfg.MultiStatements = true
	return cfg, nil
}

func openMySQL(p Params) (*sql.DB, error) {
	cfg, err := MySQLConfig(p)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(connector), nil
}
