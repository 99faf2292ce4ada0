package migrator

import (
	"context"
	"database/sql"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chorehouse/migrate/internal/db"
	"github.com/chorehouse/migrate/internal/lock"
	"github.com/chorehouse/migrate/internal/logger"
)

type Options struct {
	Table            string
	AppliedBy        string
	ProbeTimeout     time.Duration
	ProbeInterval    time.Duration
	ProbeExponential bool
	LockKey          string
	LockTimeout      time.Duration
	NoLock           bool
	VerifyChecksums  bool
	DryRun           bool
}

// Hooks observe a run as it progresses. Both are optional.
type Hooks struct {
	OnState func(State)
	OnUnit  func(Outcome)
}

// Runner drives one migration run:
// Idle → Probing → Planning → Executing → Reporting → Success | Failed.
// Units are applied one at a time in ascending version order and the run
// stops at the first failure.
type Runner struct {
	DB       *sql.DB
	Dialect  db.Dialect
	Repo     Repository
	Ledger   *Ledger
	Prober   *Prober
	Executor *Executor
	Locker   lock.Locker
	Opts     Options
	Hooks    Hooks
	Log      *logger.Logger
}

func NewRunner(database *sql.DB, dialect db.Dialect, repo Repository, opts Options, log *logger.Logger) *Runner {
	if opts.Table == "" {
		opts.Table = "schema_migrations"
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = time.Minute
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.LockKey == "" {
		opts.LockKey = lock.KeyFor("default", opts.Table)
	}
	if log == nil {
		log = logger.Discard()
	}
	ledger := &Ledger{DB: database, Dialect: dialect, Table: opts.Table}
	prober := NewProber(database)
	prober.Exponential = opts.ProbeExponential
	return &Runner{
		DB:       database,
		Dialect:  dialect,
		Repo:     repo,
		Ledger:   ledger,
		Prober:   prober,
		Executor: &Executor{DB: database, Ledger: ledger, AppliedBy: opts.AppliedBy},
		Locker:   lock.New(database, dialect.Name(), opts.LockKey),
		Opts:     opts,
		Log:      log,
	}
}

func defaultAppliedBy() string {
	u, err := user.Current()
	if err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// Ensure bootstraps the ledger table and settles who is recorded as applier.
func (r *Runner) Ensure(ctx context.Context) error {
	if err := r.Ledger.EnsureExists(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(r.Executor.AppliedBy) == "" {
		r.Executor.AppliedBy = defaultAppliedBy()
	}
	return nil
}

// Plan bootstraps the ledger and compares it with the repository without
// executing anything.
func (r *Runner) Plan(ctx context.Context) (*Plan, error) {
	if err := r.Ensure(ctx); err != nil {
		return nil, err
	}
	return DiscoverAndPlan(ctx, r.Repo, r.Ledger)
}

// Run performs a full run. The result is always non-nil; the error is the
// same value as result.Failure.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	res := &RunResult{RunID: uuid.NewString(), DryRun: r.Opts.DryRun}
	log := r.Log.With(map[string]any{"run_id": res.RunID})

	r.enter(res, StateProbing)
	r.Prober.OnRetry = func(attempt int, err error, next time.Duration) {
		log.Warn("database not ready", map[string]any{"attempt": attempt, "error": err.Error(), "retry_in": next.String()})
	}
	if err := r.Prober.WaitUntilReady(ctx, r.Opts.ProbeTimeout, r.Opts.ProbeInterval); err != nil {
		return r.fail(res, err)
	}

	if !r.Opts.NoLock {
		if err := r.Locker.Acquire(ctx, r.Opts.LockTimeout); err != nil {
			return r.fail(res, &LockError{Key: r.Locker.Key(), Err: err})
		}
		defer func() { _ = r.Locker.Release(context.Background()) }()
	}

	r.enter(res, StatePlanning)
	plan, err := r.Plan(ctx)
	if err != nil {
		return r.fail(res, err)
	}
	for _, row := range plan.Unknown {
		res.Unknown = append(res.Unknown, row.Version)
		log.Warn("applied migration has no file", map[string]any{"version": row.Version, "name": row.Name})
	}
	if len(plan.Drifted) > 0 {
		if r.Opts.VerifyChecksums {
			return r.fail(res, plan.Drifted[0])
		}
		for _, d := range plan.Drifted {
			log.Warn("drift ignored", map[string]any{"version": d.Version, "name": d.Name, "reason": d.Reason})
		}
	}
	for _, u := range plan.OutOfOrder {
		log.Warn("pending migration is older than the newest applied one", map[string]any{"version": u.Version, "name": u.Name})
	}
	for _, u := range plan.Skipped {
		r.outcome(res, Outcome{Version: u.Version, Name: u.Name, Status: StatusSkipped})
	}

	if r.Opts.DryRun {
		for _, u := range plan.Pending {
			r.outcome(res, Outcome{Version: u.Version, Name: u.Name, Status: StatusPending})
		}
		return r.succeed(res)
	}
	if len(plan.Pending) == 0 {
		return r.succeed(res)
	}

	r.enter(res, StateExecuting)
	if !r.Dialect.TransactionalDDL() {
		log.Warn("DDL is not transactional on this database; a failing migration may leave partial schema changes", map[string]any{"dialect": r.Dialect.Name()})
	}
	for _, u := range plan.Pending {
		start := time.Now()
		_, err := r.Executor.Apply(ctx, u)
		if err != nil {
			r.outcome(res, Outcome{Version: u.Version, Name: u.Name, Status: StatusFailed, Duration: time.Since(start), Err: err})
			return r.fail(res, err)
		}
		r.outcome(res, Outcome{Version: u.Version, Name: u.Name, Status: StatusApplied, Duration: time.Since(start)})
	}
	return r.succeed(res)
}

// UnitStatus is one row of a status report.
type UnitStatus struct {
	Unit    Unit
	Applied bool
	Entry   LedgerEntry // zero unless Applied
	Drift   *DriftError
}

// Status reports every unit in the repository with its ledger state, in
// ascending version order. Nothing is executed.
func (r *Runner) Status(ctx context.Context) ([]UnitStatus, *Plan, error) {
	plan, err := r.Plan(ctx)
	if err != nil {
		return nil, nil, err
	}
	drift := make(map[string]*DriftError, len(plan.Drifted))
	for _, d := range plan.Drifted {
		drift[d.Version] = d
	}
	out := make([]UnitStatus, 0, len(plan.All))
	for _, u := range plan.All {
		e, ok := plan.Applied[u.Version]
		out = append(out, UnitStatus{Unit: u, Applied: ok, Entry: e, Drift: drift[u.Version]})
	}
	return out, plan, nil
}

// Repair rewrites stored checksums of applied units whose files changed.
// Renamed units are not repaired.
func (r *Runner) Repair(ctx context.Context) (int, error) {
	plan, err := r.Plan(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, d := range plan.Drifted {
		if d.Renamed {
			continue
		}
		if !r.Opts.DryRun {
			if err := r.Ledger.UpdateChecksum(ctx, d.Version, d.sum); err != nil {
				return changed, err
			}
		}
		changed++
	}
	return changed, nil
}

func (r *Runner) enter(res *RunResult, s State) {
	res.State = s
	if r.Hooks.OnState != nil {
		r.Hooks.OnState(s)
	}
}

func (r *Runner) outcome(res *RunResult, o Outcome) {
	res.record(o)
	if r.Hooks.OnUnit != nil {
		r.Hooks.OnUnit(o)
	}
}

func (r *Runner) succeed(res *RunResult) (*RunResult, error) {
	r.enter(res, StateReporting)
	r.enter(res, StateSuccess)
	return res, nil
}

func (r *Runner) fail(res *RunResult, err error) (*RunResult, error) {
	res.Failure = err
	if res.State == StateExecuting {
		r.enter(res, StateReporting)
	}
	r.enter(res, StateFailed)
	return res, err
}
