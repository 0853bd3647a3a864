package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iliyamo/skillshare-booking/internal/config"
	"github.com/iliyamo/skillshare-booking/internal/database"
	"github.com/iliyamo/skillshare-booking/internal/model"
	"github.com/iliyamo/skillshare-booking/internal/queue"
	"github.com/iliyamo/skillshare-booking/internal/repository"
)

// ErrInvalidState is returned when a booking is not in a status the
// requested action can start from.  It wraps repository.ErrInvalidTransition.
var ErrInvalidState = fmt.Errorf("invalid booking state: %w", repository.ErrInvalidTransition)

// Actor is the authenticated caller performing an action.  Ownership has
// already been checked by the HTTP layer.
type Actor struct {
	ID   string
	Role model.Role
}

// SessionStore is the subset of SessionRepo the coordinator needs.
type SessionStore interface {
	GetTx(ctx context.Context, q database.Querier, id string) (*model.Session, error)
	LockTx(ctx context.Context, tx *sql.Tx, id string) error
	TryReserveTx(ctx context.Context, tx *sql.Tx, id string, seats int) error
	ReleaseTx(ctx context.Context, tx *sql.Tx, id string, seats int) error
	MarkCompletedTx(ctx context.Context, tx *sql.Tx, id string) error
	MarkCanceledTx(ctx context.Context, tx *sql.Tx, id string) error
}

// BookingStore is the subset of BookingRepo the coordinator needs.
type BookingStore interface {
	CreateTx(ctx context.Context, tx *sql.Tx, sessionID, learnerID string, seats int, now time.Time) (*model.Booking, error)
	GetForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*model.Booking, error)
	SetStatusTx(ctx context.Context, tx *sql.Tx, id string, to model.BookingStatus, reason *string, actorID string, now time.Time) error
}

// Coordinator runs every booking transition that touches session capacity
// as a single unit of work.  Capacity and booking status either change
// together or not at all.
type Coordinator struct {
	runner    txRunner
	sessions  SessionStore
	bookings  BookingStore
	publisher EventPublisher
	logger    *slog.Logger

	// Now is the clock used for timestamps; tests may replace it.
	Now func() time.Time
}

// NewCoordinator wires a Coordinator.  A nil publisher disables events and
// a nil logger uses slog.Default().
func NewCoordinator(db *database.DB, sessions SessionStore, bookings BookingStore, cfg config.BookingConfig, publisher EventPublisher, logger *slog.Logger) *Coordinator {
	if db == nil || sessions == nil || bookings == nil {
		panic("nil dependency passed to NewCoordinator")
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		runner:    txRunner{db: db, cfg: cfg, logger: logger},
		sessions:  sessions,
		bookings:  bookings,
		publisher: publisher,
		logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateBooking records a pending booking for the learner.  The session
// row lock is taken before the duplicate check so concurrent creates for
// the same learner and session are serialised.
func (c *Coordinator) CreateBooking(ctx context.Context, sessionID, learnerID string, seats int) (*model.Booking, error) {
	if seats <= 0 {
		return nil, repository.ErrInvalidSeats
	}
	var created *model.Booking
	err := c.runner.run(ctx, "create_booking", func(ctx context.Context, tx *sql.Tx) error {
		if err := c.sessions.LockTx(ctx, tx, sessionID); err != nil {
			return err
		}
		s, err := c.sessions.GetTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if !s.Bookable() {
			return repository.ErrSessionNotBookable
		}
		created, err = c.bookings.CreateTx(ctx, tx, sessionID, learnerID, seats, c.Now())
		return err
	})
	if err != nil {
		c.logger.Info("create booking rejected", "session_id", sessionID, "learner_id", learnerID, "err", err)
		return nil, err
	}
	c.logger.Info("booking created", "booking_id", created.ID, "session_id", sessionID, "seats", seats)
	c.publish(ctx, queue.EventBookingCreated, created, learnerID, nil)
	return created, nil
}

// Accept moves a pending booking to accepted and takes its seats from the
// session.  When capacity is short the booking stays pending.
func (c *Coordinator) Accept(ctx context.Context, bookingID string, actor Actor) (*model.Booking, error) {
	var (
		accepted  *model.Booking
		remaining int
	)
	err := c.runner.run(ctx, "accept_booking", func(ctx context.Context, tx *sql.Tx) error {
		b, err := c.bookings.GetForUpdateTx(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != model.BookingPending {
			return fmt.Errorf("%w: booking is %s", ErrInvalidState, b.Status)
		}
		if err := c.sessions.TryReserveTx(ctx, tx, b.SessionID, b.Seats); err != nil {
			return err
		}
		now := c.Now()
		if err := c.bookings.SetStatusTx(ctx, tx, b.ID, model.BookingAccepted, nil, actor.ID, now); err != nil {
			return err
		}
		s, err := c.sessions.GetTx(ctx, tx, b.SessionID)
		if err != nil {
			return err
		}
		remaining = s.CapacityRemaining
		b.Status = model.BookingAccepted
		b.UpdatedAt = now
		accepted = b
		return nil
	})
	if err != nil {
		c.logger.Info("accept rejected", "booking_id", bookingID, "actor_id", actor.ID, "err", err)
		return nil, err
	}
	c.logger.Info("booking accepted", "booking_id", accepted.ID, "session_id", accepted.SessionID,
		"seats", accepted.Seats, "seats_remaining", remaining)
	c.publish(ctx, queue.EventBookingAccepted, accepted, actor.ID, &remaining)
	return accepted, nil
}

// Decline moves a pending booking to declined.  Capacity is not touched;
// the booking row lock keeps the pending check and the write consistent.
func (c *Coordinator) Decline(ctx context.Context, bookingID string, actor Actor, reason string) (*model.Booking, error) {
	var declined *model.Booking
	err := c.runner.run(ctx, "decline_booking", func(ctx context.Context, tx *sql.Tx) error {
		b, err := c.bookings.GetForUpdateTx(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != model.BookingPending {
			return fmt.Errorf("%w: booking is %s", ErrInvalidState, b.Status)
		}
		var rp *string
		if reason != "" {
			rp = &reason
		}
		now := c.Now()
		if err := c.bookings.SetStatusTx(ctx, tx, b.ID, model.BookingDeclined, rp, actor.ID, now); err != nil {
			return err
		}
		b.Status = model.BookingDeclined
		b.DeclineReason = rp
		b.UpdatedAt = now
		declined = b
		return nil
	})
	if err != nil {
		c.logger.Info("decline rejected", "booking_id", bookingID, "actor_id", actor.ID, "err", err)
		return nil, err
	}
	c.logger.Info("booking declined", "booking_id", declined.ID, "session_id", declined.SessionID)
	c.publish(ctx, queue.EventBookingDeclined, declined, actor.ID, nil)
	return declined, nil
}

// Cancel moves a pending or accepted booking to canceled.  Seats of an
// accepted booking are released in the same unit of work.
func (c *Coordinator) Cancel(ctx context.Context, bookingID string, actor Actor) (*model.Booking, error) {
	var (
		canceled  *model.Booking
		remaining *int
	)
	err := c.runner.run(ctx, "cancel_booking", func(ctx context.Context, tx *sql.Tx) error {
		remaining = nil
		b, err := c.bookings.GetForUpdateTx(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		now := c.Now()
		switch b.Status {
		case model.BookingPending:
			if err := c.bookings.SetStatusTx(ctx, tx, b.ID, model.BookingCanceled, nil, actor.ID, now); err != nil {
				return err
			}
		case model.BookingAccepted:
			if err := c.bookings.SetStatusTx(ctx, tx, b.ID, model.BookingCanceled, nil, actor.ID, now); err != nil {
				return err
			}
			if err := c.sessions.ReleaseTx(ctx, tx, b.SessionID, b.Seats); err != nil {
				return err
			}
			s, err := c.sessions.GetTx(ctx, tx, b.SessionID)
			if err != nil {
				return err
			}
			remaining = &s.CapacityRemaining
		default:
			return fmt.Errorf("%w: booking is %s", ErrInvalidState, b.Status)
		}
		b.Status = model.BookingCanceled
		b.UpdatedAt = now
		canceled = b
		return nil
	})
	if err != nil {
		c.logger.Info("cancel rejected", "booking_id", bookingID, "actor_id", actor.ID, "err", err)
		return nil, err
	}
	c.logger.Info("booking canceled", "booking_id", canceled.ID, "session_id", canceled.SessionID,
		"released", remaining != nil)
	c.publish(ctx, queue.EventBookingCanceled, canceled, actor.ID, remaining)
	return canceled, nil
}

// CompleteSession marks an upcoming session completed.
func (c *Coordinator) CompleteSession(ctx context.Context, sessionID string, actor Actor) error {
	return c.setSessionStatus(ctx, sessionID, actor, model.SessionCompleted)
}

// CancelSession marks an upcoming session canceled.  Its bookings and
// capacity are left as they are; reconciling them is a separate batch job.
func (c *Coordinator) CancelSession(ctx context.Context, sessionID string, actor Actor) error {
	return c.setSessionStatus(ctx, sessionID, actor, model.SessionCanceled)
}

func (c *Coordinator) setSessionStatus(ctx context.Context, sessionID string, actor Actor, to model.SessionStatus) error {
	op, evType := "complete_session", queue.EventSessionDone
	mark := c.sessions.MarkCompletedTx
	if to == model.SessionCanceled {
		op, evType = "cancel_session", queue.EventSessionCanceled
		mark = c.sessions.MarkCanceledTx
	}
	err := c.runner.run(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		return mark(ctx, tx, sessionID)
	})
	if err != nil {
		return err
	}
	c.logger.Info("session status changed", "session_id", sessionID, "status", to, "actor_id", actor.ID)
	c.emit(ctx, queue.BookingEvent{
		Type:       evType,
		SessionID:  sessionID,
		Status:     string(to),
		ActorID:    actor.ID,
		OccurredAt: c.Now().Format(time.RFC3339),
	})
	return nil
}

func (c *Coordinator) publish(ctx context.Context, evType string, b *model.Booking, actorID string, remaining *int) {
	ev := queue.BookingEvent{
		Type:           evType,
		BookingID:      b.ID,
		SessionID:      b.SessionID,
		LearnerID:      b.LearnerID,
		Seats:          b.Seats,
		Status:         string(b.Status),
		ActorID:        actorID,
		SeatsRemaining: remaining,
		OccurredAt:     b.UpdatedAt.Format(time.RFC3339),
	}
	if b.DeclineReason != nil {
		ev.Reason = *b.DeclineReason
	}
	c.emit(ctx, ev)
}

// emit publishes after commit.  The transition has already happened, so a
// broker failure is logged and never reported to the caller.
func (c *Coordinator) emit(ctx context.Context, ev queue.BookingEvent) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.publisher.Publish(pctx, ev); err != nil {
		c.logger.Warn("publish booking event failed", "type", ev.Type, "booking_id", ev.BookingID, "err", err)
	}
}

// IsBusy reports whether err means the caller should retry later.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }
