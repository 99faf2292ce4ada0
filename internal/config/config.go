package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`

	Dir             string `yaml:"dir"`
	MigrationsTable string `yaml:"migrations_table"`
	AppliedBy       string `yaml:"applied_by"`

	ProbeTimeoutSec int    `yaml:"probe_timeout_sec"`
	ProbeIntervalMS int    `yaml:"probe_interval_ms"`
	ProbeBackoff    string `yaml:"probe_backoff"` // constant | exponential
	LockTimeoutSec  int    `yaml:"lock_timeout_sec"`
	NoLock          bool   `yaml:"no_lock"`
	SkipChecksums   bool   `yaml:"skip_checksums"`
	DryRun          bool   `yaml:"dry_run"`
	JSON            bool   `yaml:"json"`
	LogLevel        string `yaml:"log_level"`
}

func Default() *Config {
	return &Config{
		Driver:          "postgres",
		Host:            "localhost",
		Dir:             "./migrations",
		MigrationsTable: "schema_migrations",
		ProbeTimeoutSec: 60,
		ProbeIntervalMS: 1000,
		ProbeBackoff:    "constant",
		LockTimeoutSec:  30,
		LogLevel:        "info",
	}
}

func LoadYAML(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadEnvFile exports the variables of a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error unless required is true.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func MergeEnv(cfg *Config) *Config {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("DB_DRIVER", &cfg.Driver)
	str("DB_DSN", &cfg.DSN)
	str("DB_HOST", &cfg.Host)
	num("DB_PORT", &cfg.Port)
	str("DB_NAME", &cfg.Database)
	str("DB_USER", &cfg.User)
	str("DB_PASSWORD", &cfg.Password)
	str("DB_SSLMODE", &cfg.SSLMode)
	str("MIGRATIONS_DIR", &cfg.Dir)
	str("MIGRATIONS_TABLE", &cfg.MigrationsTable)
	str("APPLIED_BY", &cfg.AppliedBy)
	num("PROBE_TIMEOUT_SEC", &cfg.ProbeTimeoutSec)
	num("PROBE_INTERVAL_MS", &cfg.ProbeIntervalMS)
	str("PROBE_BACKOFF", &cfg.ProbeBackoff)
	num("LOCK_TIMEOUT_SEC", &cfg.LockTimeoutSec)
	flag("MIGRATIONS_NO_LOCK", &cfg.NoLock)
	str("LOG_LEVEL", &cfg.LogLevel)
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.JSON = strings.EqualFold(v, "json")
	}
	return cfg
}

// Validate checks that enough is set to reach a database.
func (c *Config) Validate() error {
	switch c.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported driver %q (want postgres, mysql or sqlite)", c.Driver)
	}
	if c.MigrationsTable == "" {
		return errors.New("migrations table name is empty")
	}
	if c.DSN != "" {
		return nil
	}
	if c.Database == "" {
		return errors.New("database name is required (DB_NAME or DB_DSN)")
	}
	if c.Driver != "sqlite" && c.Host == "" {
		return errors.New("database host is required (DB_HOST or DB_DSN)")
	}
	return nil
}

func (c *Config) ProbeTimeout() time.Duration {
	if c.ProbeTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}

func (c *Config) ProbeInterval() time.Duration {
	if c.ProbeIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.ProbeIntervalMS) * time.Millisecond
}

func (c *Config) LockTimeout() time.Duration {
	if c.LockTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockTimeoutSec) * time.Second
}
