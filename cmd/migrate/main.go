package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chorehouse/migrate/internal/config"
	"github.com/chorehouse/migrate/internal/db"
	"github.com/chorehouse/migrate/internal/lock"
	"github.com/chorehouse/migrate/internal/logger"
	"github.com/chorehouse/migrate/internal/migrator"
)

const (
	exitOK           = 0
	exitUsage        = 1
	exitConnectivity = 2
	exitLocked       = 3
	exitFail         = 4
	exitPlanError    = 5
	exitDrift        = 6
)

// usageError marks bad flags, config or arguments.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// flags holds every persistent flag. Only flags the user actually set
// override the config file and the environment.
type flags struct {
	configPath    string
	envFile       string
	driver        string
	dsn           string
	dir           string
	table         string
	appliedBy     string
	lockTimeout   int
	probeTimeout  int
	json          bool
	dryRun        bool
	noLock        bool
	skipChecksums bool
	verbose       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ue *usageError
	if errors.As(err, &ue) || !isRunError(err) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCode(err)
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL schema migrations to the chorehouse database.",
		Long: `migrate applies NNN_name.sql files from a directory in ascending version order,
each in its own transaction together with its row in the migrations table.
Running it again is a no-op once every file has been applied.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUp(cmd, f)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "optional YAML config file")
	pf.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	pf.StringVar(&f.driver, "driver", "", "database driver: postgres, mysql or sqlite (or DB_DRIVER)")
	pf.StringVar(&f.dsn, "dsn", "", "full connection string, overrides DB_HOST etc. (or DB_DSN)")
	pf.StringVar(&f.dir, "dir", "", "migrations directory (or MIGRATIONS_DIR, default ./migrations)")
	pf.StringVar(&f.table, "table", "", "migrations table (or MIGRATIONS_TABLE, default schema_migrations)")
	pf.StringVar(&f.appliedBy, "applied-by", "", "value recorded in applied_by (or APPLIED_BY)")
	pf.IntVar(&f.lockTimeout, "lock-timeout", 0, "advisory lock timeout in seconds (or LOCK_TIMEOUT_SEC)")
	pf.IntVar(&f.probeTimeout, "probe-timeout", 0, "seconds to wait for the database (or PROBE_TIMEOUT_SEC)")
	pf.BoolVar(&f.json, "json", false, "JSON logs (or LOG_FORMAT=json)")
	pf.BoolVar(&f.dryRun, "dry-run", false, "plan only, execute nothing")
	pf.BoolVar(&f.noLock, "no-lock", false, "skip the advisory lock")
	pf.BoolVar(&f.skipChecksums, "skip-checksums", false, "warn instead of failing when applied files were edited")
	pf.BoolVar(&f.verbose, "verbose", false, "debug logging")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations (the default command).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUp(cmd, f)
		},
		Example: `  migrate up --dir ./migrations
  DB_DRIVER=mysql DB_HOST=db DB_NAME=chores migrate up --json
  migrate up --driver sqlite --dsn ./chores.db --dry-run`,
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "List every migration with its applied or pending state.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, f)
		},
	}
	repair := &cobra.Command{
		Use:   "repair",
		Short: "Store current checksums for applied migrations whose files were edited.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRepair(cmd, f)
		},
	}
	var timestamp bool
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Scaffold the next NNN_name.sql file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd, f)
			if err != nil {
				return err
			}
			p, err := createUnit(cfg.Dir, args[0], timestamp)
			if err != nil {
				return &usageError{err}
			}
			log.Info("created migration", map[string]any{"path": p})
			return nil
		},
	}
	create.Flags().BoolVar(&timestamp, "timestamp", false, "use a UTC yyyyMMddHHmmss version instead of the next sequence number")

	root.AddCommand(up, status, repair, create)
	return root
}

// setup resolves config (defaults, YAML, .env, environment, flags) and
// builds the logger.
func setup(cmd *cobra.Command, f *flags) (*config.Config, *logger.Logger, error) {
	set := cmd.Flags().Changed
	if err := config.LoadEnvFile(f.envFile, set("env-file")); err != nil {
		return nil, nil, &usageError{fmt.Errorf("env file: %w", err)}
	}
	cfg, err := config.LoadYAML(f.configPath)
	if err != nil {
		return nil, nil, &usageError{fmt.Errorf("config: %w", err)}
	}
	cfg = config.MergeEnv(cfg)
	if set("driver") {
		cfg.Driver = f.driver
	}
	if set("dsn") {
		cfg.DSN = f.dsn
	}
	if set("dir") {
		cfg.Dir = f.dir
	}
	if set("table") {
		cfg.MigrationsTable = f.table
	}
	if set("applied-by") {
		cfg.AppliedBy = f.appliedBy
	}
	if set("lock-timeout") {
		cfg.LockTimeoutSec = f.lockTimeout
	}
	if set("probe-timeout") {
		cfg.ProbeTimeoutSec = f.probeTimeout
	}
	if set("json") {
		cfg.JSON = f.json
	}
	if set("dry-run") {
		cfg.DryRun = f.dryRun
	}
	if set("no-lock") {
		cfg.NoLock = f.noLock
	}
	if set("skip-checksums") {
		cfg.SkipChecksums = f.skipChecksums
	}
	if f.verbose {
		cfg.LogLevel = "debug"
	}
	log, err := logger.NewWithOptions(os.Stderr, cfg.JSON, cfg.LogLevel)
	if err != nil {
		return nil, nil, &usageError{fmt.Errorf("log level: %w", err)}
	}
	return cfg, log, nil
}

func connect(cmd *cobra.Command, f *flags) (*migrator.Runner, *config.Config, *logger.Logger, func(), error) {
	cfg, log, err := setup(cmd, f)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, nil, &usageError{err}
	}
	database, dialect, err := db.Open(db.Params{
		Driver:   cfg.Driver,
		DSN:      cfg.DSN,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Database: cfg.Database,
		User:     cfg.User,
		Password: cfg.Password,
		SSLMode:  cfg.SSLMode,
	})
	if err != nil {
		return nil, nil, nil, nil, &usageError{err}
	}
	dbName := cfg.Database
	if dbName == "" {
		dbName = "default"
	}
	r := migrator.NewRunner(database, dialect, migrator.FileSource{RootDir: cfg.Dir}, migrator.Options{
		Table:            cfg.MigrationsTable,
		AppliedBy:        cfg.AppliedBy,
		ProbeTimeout:     cfg.ProbeTimeout(),
		ProbeInterval:    cfg.ProbeInterval(),
		ProbeExponential: cfg.ProbeBackoff == "exponential",
		LockKey:          lock.KeyFor(dbName, cfg.MigrationsTable),
		LockTimeout:      cfg.LockTimeout(),
		NoLock:           cfg.NoLock,
		VerifyChecksums:  !cfg.SkipChecksums,
		DryRun:           cfg.DryRun,
	}, log)
	return r, cfg, log, func() { database.Close() }, nil
}

func runUp(cmd *cobra.Command, f *flags) error {
	r, cfg, log, closeDB, err := connect(cmd, f)
	if err != nil {
		return err
	}
	defer closeDB()

	log.Info("starting migration run", map[string]any{
		"driver": cfg.Driver, "dir": cfg.Dir, "table": cfg.MigrationsTable, "dry_run": cfg.DryRun,
	})
	r.Hooks.OnState = func(s migrator.State) {
		log.Debug("state", map[string]any{"state": s.String()})
	}
	r.Hooks.OnUnit = func(o migrator.Outcome) {
		fields := map[string]any{"version": o.Version, "name": o.Name}
		if o.Status == migrator.StatusApplied || o.Status == migrator.StatusFailed {
			fields["duration_ms"] = o.Duration.Milliseconds()
		}
		if o.Err != nil {
			fields["error"] = o.Err.Error()
			log.Error(string(o.Status), fields)
			return
		}
		log.Info(string(o.Status), fields)
	}

	res, err := r.Run(cmd.Context())
	summary := map[string]any{
		"run_id":  res.RunID,
		"state":   res.State.String(),
		"applied": res.Applied,
		"skipped": res.Skipped,
		"failed":  res.Failed,
	}
	if res.DryRun {
		summary["pending"] = res.Pending
	}
	if err != nil {
		summary["error"] = err.Error()
		log.Error("migration run failed", summary)
		return &runError{err}
	}
	log.Info("migration run complete", summary)
	return nil
}

func runStatus(cmd *cobra.Command, f *flags) error {
	r, _, log, closeDB, err := connect(cmd, f)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := cmd.Context()
	if err := r.Prober.WaitUntilReady(ctx, r.Opts.ProbeTimeout, r.Opts.ProbeInterval); err != nil {
		log.Error("status failed", map[string]any{"error": err.Error()})
		return &runError{err}
	}
	rows, plan, err := r.Status(ctx)
	if err != nil {
		log.Error("status failed", map[string]any{"error": err.Error()})
		return &runError{err}
	}
	for _, u := range plan.Unknown {
		log.Warn("applied migration has no file", map[string]any{"version": u.Version, "name": u.Name})
	}
	return printStatus(cmd.OutOrStdout(), rows, log.JSONEnabled())
}

func runRepair(cmd *cobra.Command, f *flags) error {
	r, cfg, log, closeDB, err := connect(cmd, f)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := cmd.Context()
	if err := r.Prober.WaitUntilReady(ctx, r.Opts.ProbeTimeout, r.Opts.ProbeInterval); err != nil {
		log.Error("repair failed", map[string]any{"error": err.Error()})
		return &runError{err}
	}
	n, err := r.Repair(ctx)
	if err != nil {
		log.Error("repair failed", map[string]any{"error": err.Error(), "updated": n})
		return &runError{err}
	}
	log.Info("repair complete", map[string]any{"updated": n, "dry_run": cfg.DryRun})
	return nil
}

// runError wraps failures that were already logged.
type runError struct{ err error }

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

func isRunError(err error) bool {
	var re *runError
	return errors.As(err, &re)
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var (
		ue    *usageError
		conn  *migrator.ConnectivityError
		lk    *migrator.LockError
		drift *migrator.DriftError
		exec  *migrator.ExecutionError
		repo  *migrator.RepositoryError
		led   *migrator.LedgerError
	)
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ue):
		return exitUsage
	case errors.As(err, &conn):
		return exitConnectivity
	case errors.As(err, &lk):
		return exitLocked
	case errors.As(err, &drift):
		return exitDrift
	case errors.As(err, &exec):
		return exitFail
	case errors.As(err, &repo), errors.As(err, &led):
		return exitPlanError
	case errors.Is(err, context.Canceled):
		return exitFail
	}
	return exitUsage
}
