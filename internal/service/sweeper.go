package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iliyamo/skillshare-booking/internal/repository"
)

// DueSessionLister finds upcoming sessions whose end time has passed.
type DueSessionLister interface {
	ListDueForCompletion(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// SystemActor is recorded for transitions made by background jobs.
var SystemActor = Actor{ID: "system"}

// CompletionSweeper marks sessions completed once event_start + duration
// has passed.  It runs on a cron schedule.
type CompletionSweeper struct {
	coord  *Coordinator
	lister DueSessionLister
	batch  int
	logger *slog.Logger
}

// NewCompletionSweeper returns a sweeper that completes at most batch
// sessions per run.
func NewCompletionSweeper(coord *Coordinator, lister DueSessionLister, batch int, logger *slog.Logger) *CompletionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if batch <= 0 {
		batch = 100
	}
	return &CompletionSweeper{coord: coord, lister: lister, batch: batch, logger: logger}
}

// Sweep completes every due session and returns how many it changed.  A
// session that was canceled or completed in the meantime is skipped.
func (s *CompletionSweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.lister.ListDueForCompletion(ctx, s.coord.Now(), s.batch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		err := s.coord.CompleteSession(ctx, id, SystemActor)
		switch {
		case err == nil:
			done++
		case errors.Is(err, repository.ErrInvalidTransition), errors.Is(err, repository.ErrNotFound):
			// raced with another writer
		default:
			s.logger.Error("complete session failed", "session_id", id, "err", err)
		}
	}
	return done, nil
}

// Start schedules Sweep with the given cron spec (e.g. "@every 1m").  The
// returned function stops the scheduler and waits for a running sweep.
func (s *CompletionSweeper) Start(spec string) (stop func(), err error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Error("completion sweep failed", "err", err)
			return
		}
		if n > 0 {
			s.logger.Info("completion sweep", "completed", n)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
