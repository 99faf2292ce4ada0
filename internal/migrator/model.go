package migrator

import "time"

// Unit is one migration file. Version orders units; the body is executed
// verbatim.
type Unit struct {
	Version  string
	Name     string
	Path     string
	Body     []byte
	Checksum string
	// SelfTransactional is set when the body carries its own BEGIN/COMMIT.
	SelfTransactional bool
}

// ID is the file stem, e.g. 002_create_households.
func (u Unit) ID() string { return u.Version + "_" + u.Name }

// LedgerEntry is a row of the migrations table.
type LedgerEntry struct {
	Version    string
	Name       string
	Checksum   string
	AppliedAt  time.Time
	AppliedBy  string
	DurationMS int64
}

type Status string

const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending" // dry run only
)

// Outcome is what happened to one unit during a run.
type Outcome struct {
	Version  string
	Name     string
	Status   Status
	Duration time.Duration
	Err      error
}

// State is a step of the runner's state machine.
type State int

const (
	StateIdle State = iota
	StateProbing
	StatePlanning
	StateExecuting
	StateReporting
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StatePlanning:
		return "planning"
	case StateExecuting:
		return "executing"
	case StateReporting:
		return "reporting"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// RunResult is the report of a single invocation. It is never persisted.
type RunResult struct {
	RunID    string
	State    State
	DryRun   bool
	Applied  int
	Skipped  int
	Failed   int
	Pending  int
	Outcomes []Outcome
	// Failure is the error that moved the run to StateFailed, if any.
	Failure error
	// Unknown lists ledgered versions with no file in the repository.
	Unknown []string
}

func (r *RunResult) record(o Outcome) {
	switch o.Status {
	case StatusApplied:
		r.Applied++
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	case StatusPending:
		r.Pending++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// OK reports whether the run ended in StateSuccess.
func (r *RunResult) OK() bool { return r.State == StateSuccess }
