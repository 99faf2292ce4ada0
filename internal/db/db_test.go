package db

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForName(t *testing.T) {
	for _, name := range []string{"postgres", "pgx", "mysql", "sqlite", "sqlite3"} {
		_, err := ForName(name)
		assert.NoError(t, err, name)
	}
	_, err := ForName("oracle")
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresDSN(Params{Host: "db", Database: "chores", User: "app", Password: "p@ss word", SSLMode: "disable"})
	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db:5432", u.Host)
	assert.Equal(t, "/chores", u.Path)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss word", pw)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))

	assert.Equal(t, "postgres://x/y", PostgresDSN(Params{DSN: "postgres://x/y", Host: "ignored"}))
}

func TestMySQLConfig(t *testing.T) {
	cfg, err := MySQLConfig(Params{Host: "db", Port: 3307, Database: "chores", User: "app", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "db:3307", cfg.Addr)
	assert.Equal(t, "chores", cfg.DBName)
	assert.True(t, cfg.ParseTime)
	assert.True(t, cfg.MultiStatements)

	cfg, err = MySQLConfig(Params{DSN: "u:p@tcp(localhost:3306)/chores"})
	require.NoError(t, err)
	assert.Equal(t, "chores", cfg.DBName)
	assert.True(t, cfg.MultiStatements, "multiStatements is forced on for DSNs too")
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file:chores.db?_pragma=busy_timeout(5000)&_txlock=immediate", SQLiteDSN(Params{Database: "chores.db"}))
	assert.Equal(t, ":memory:", SQLiteDSN(Params{DSN: ":memory:"}))
}

func TestPlaceholdersAndQuoting(t *testing.T) {
	assert.Equal(t, "$3", Postgres{}.Placeholder(3))
	assert.Equal(t, "?", MySQL{}.Placeholder(3))
	assert.Equal(t, `"app"."schema_migrations"`, Postgres{}.QuoteIdent("app.schema_migrations"))
	assert.Equal(t, "`schema_migrations`", MySQL{}.QuoteIdent("schema_migrations"))
	assert.Equal(t, `"odd""name"`, SQLite{}.QuoteIdent(`odd"name`))
}

func TestIsAlreadyExists(t *testing.T) {
	pgDup := fmt.Errorf("create: %w", &pgconn.PgError{Code: "23505"})
	assert.True(t, Postgres{}.IsAlreadyExists(pgDup))
	assert.True(t, Postgres{}.IsAlreadyExists(&pgconn.PgError{Code: "42P07"}))
	assert.False(t, Postgres{}.IsAlreadyExists(&pgconn.PgError{Code: "42601"}))
	assert.False(t, Postgres{}.IsAlreadyExists(errors.New("boom")))

	assert.True(t, MySQL{}.IsAlreadyExists(&mysql.MySQLError{Number: 1050}))
	assert.False(t, MySQL{}.IsAlreadyExists(&mysql.MySQLError{Number: 1064}))

	assert.True(t, SQLite{}.IsAlreadyExists(errors.New("SQL logic error: table x already exists (1)")))
	assert.False(t, SQLite{}.IsAlreadyExists(nil))
}

func TestOpenSQLiteLedgerDDLIsRepeatable(t *testing.T) {
	database, d, err := Open(Params{Driver: "sqlite", Database: filepath.Join(t.TempDir(), "chores.db")})
	require.NoError(t, err)
	defer database.Close()
	require.Equal(t, "sqlite", d.Name())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := database.ExecContext(ctx, d.CreateLedgerSQL("schema_migrations"))
		require.NoError(t, err)
	}
	res, err := database.ExecContext(ctx, d.InsertIgnoreSQL("schema_migrations"), "001", "init", "", "2025-01-01 00:00:00", "", 0)
	require.NoError(t, err)
	n, _ := res.RowsAffected()
	assert.EqualValues(t, 1, n)
	res, err = database.ExecContext(ctx, d.InsertIgnoreSQL("schema_migrations"), "001", "init", "", "2025-01-01 00:00:00", "", 0)
	require.NoError(t, err)
	n, _ = res.RowsAffected()
	assert.EqualValues(t, 0, n, "second insert must be ignored")
}

func TestOpenPostgresDoesNotDial(t *testing.T) {
	database, d, err := Open(Params{Driver: "postgres", Host: "unreachable.invalid", Database: "chores"})
	require.NoError(t, err)
	defer database.Close()
	assert.Equal(t, "postgres", d.Name())
}
