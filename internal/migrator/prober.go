package migrator

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Prober waits for the database to accept connections before any planning
// starts.
type Prober struct {
	// Check performs one round-trip. Defaults to a ping followed by SELECT 1.
	Check func(ctx context.Context) error
	// Exponential switches from fixed-interval polling to exponential backoff
	// starting at the poll interval.
	Exponential bool
	// OnRetry is called after each failed attempt.
	OnRetry func(attempt int, err error, next time.Duration)
}

func NewProber(database *sql.DB) *Prober {
	return &Prober{Check: pingAndSelect(database)}
}

func pingAndSelect(database *sql.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := database.PingContext(ctx); err != nil {
			return err
		}
		var one int
		return database.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	}
}

// WaitUntilReady retries Check until it succeeds or timeout elapses, in which
// case it returns a *ConnectivityError carrying the last failure.
func (p *Prober) WaitUntilReady(ctx context.Context, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = interval
		eb.MaxInterval = 10 * interval
		eb.MaxElapsedTime = timeout
		b = eb
	} else {
		b = backoff.NewConstantBackOff(interval)
	}

	attempts := 0
	var last error
	op := func() error {
		attempts++
		err := p.Check(ctx)
		if err != nil {
			last = err
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, next)
		}
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if last == nil {
			last = err
		}
		return &ConnectivityError{Attempts: attempts, Timeout: timeout, Last: last}
	}
	return nil
}
