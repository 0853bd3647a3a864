package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/iliyamo/skillshare-booking/internal/config"
	"github.com/iliyamo/skillshare-booking/internal/database"
)

// ErrBusy is returned when a unit of work could not acquire its locks
// within the configured attempts.  Nothing was written; the caller may
// retry later.
var ErrBusy = errors.New("busy: retry later")

var errAttemptTimeout = errors.New("attempt deadline exceeded")

// txRunner executes units of work with a per-attempt deadline and bounded
// retries on lock contention.
type txRunner struct {
	db     *database.DB
	cfg    config.BookingConfig
	logger *slog.Logger
}

// run executes fn in a fresh transaction until it commits, fails with a
// non-transient error or exhausts cfg.MaxAttempts.  fn may be invoked more
// than once and must not keep state between calls.
func (r *txRunner) run(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	backoff := r.cfg.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := r.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Caller gave up; the transaction has already been rolled back.
			return err
		}
		if !r.retryable(err) {
			return err
		}
		lastErr = err
		r.logger.Warn("unit of work contended", "op", op, "attempt", attempt, "err", err)
		if attempt == r.cfg.MaxAttempts {
			break
		}
		sleep := backoff/2 + rand.N(backoff/2+1)
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > r.cfg.BackoffMax {
			backoff = r.cfg.BackoffMax
		}
	}
	return fmt.Errorf("%w: %s gave up after %d attempts: %v", ErrBusy, op, r.cfg.MaxAttempts, lastErr)
}

func (r *txRunner) attempt(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	actx, cancel := context.WithTimeout(ctx, r.cfg.LockTimeout)
	defer cancel()
	err := r.db.WithTx(actx, func(tx *sql.Tx) error { return fn(actx, tx) })
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", errAttemptTimeout, err)
	}
	return err
}

func (r *txRunner) retryable(err error) bool {
	return errors.Is(err, errAttemptTimeout) || r.db.Dialect.IsRetryable(err)
}
