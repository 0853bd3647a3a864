package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/iliyamo/skillshare-booking/internal/model"
)

func createBooking(t *testing.T, sessions *SessionRepo, bookings *BookingRepo, sessionID, learnerID string, seats int) (*model.Booking, error) {
	t.Helper()
	ctx := context.Background()
	var b *model.Booking
	err := sessions.DB().WithTx(ctx, func(tx *sql.Tx) error {
		if err := sessions.LockTx(ctx, tx, sessionID); err != nil {
			return err
		}
		var err error
		b, err = bookings.CreateTx(ctx, tx, sessionID, learnerID, seats, time.Now())
		return err
	})
	return b, err
}

func TestCreateRejectsSecondActiveBooking(t *testing.T) {
	db := newTestDB(t)
	sessions, bookings := NewSessionRepo(db), NewBookingRepo(db)
	s := seedSession(t, sessions, 4, time.Now().Add(time.Hour))

	first, err := createBooking(t, sessions, bookings, s.ID, "learner-1", 1)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if first.Status != model.BookingPending {
		t.Errorf("status = %s, want pending", first.Status)
	}
	if _, err := createBooking(t, sessions, bookings, s.ID, "learner-1", 1); !errors.Is(err, ErrDuplicateBooking) {
		t.Fatalf("second create: got %v, want ErrDuplicateBooking", err)
	}
	if _, err := createBooking(t, sessions, bookings, s.ID, "learner-2", 1); err != nil {
		t.Fatalf("other learner: %v", err)
	}
}

func TestCreateAfterTerminalBookingIsAllowed(t *testing.T) {
	db := newTestDB(t)
	sessions, bookings := NewSessionRepo(db), NewBookingRepo(db)
	ctx := context.Background()
	s := seedSession(t, sessions, 4, time.Now().Add(time.Hour))

	b, err := createBooking(t, sessions, bookings, s.ID, "learner-1", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.WithTx(ctx, func(tx *sql.Tx) error {
		return bookings.SetStatusTx(ctx, tx, b.ID, model.BookingCanceled, nil, "learner-1", time.Now())
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := createBooking(t, sessions, bookings, s.ID, "learner-1", 1); err != nil {
		t.Fatalf("rebook after cancel: %v", err)
	}
}

func TestUniqueIndexBacksDuplicateCheck(t *testing.T) {
	db := newTestDB(t)
	sessions := NewSessionRepo(db)
	ctx := context.Background()
	s := seedSession(t, sessions, 4, time.Now().Add(time.Hour))

	insert := `INSERT INTO bookings (id, session_id, learner_id, seats, status, active_key, requested_at, updated_at)
		VALUES (?, ?, 'l', 1, 'pending', ?, 0, 0)`
	key := model.ActiveKey("l", s.ID)
	if _, err := db.ExecContext(ctx, insert, "b1", s.ID, key); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := db.ExecContext(ctx, insert, "b2", s.ID, key)
	if !db.Dialect.IsUniqueViolation(err) {
		t.Fatalf("second active row: got %v, want unique violation", err)
	}
}

func TestSetStatusEnforcesTransitionTable(t *testing.T) {
	db := newTestDB(t)
	sessions, bookings := NewSessionRepo(db), NewBookingRepo(db)
	ctx := context.Background()
	s := seedSession(t, sessions, 4, time.Now().Add(time.Hour))
	b, err := createBooking(t, sessions, bookings, s.ID, "learner-1", 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	reason := "schedule clash"
	if err := db.WithTx(ctx, func(tx *sql.Tx) error {
		return bookings.SetStatusTx(ctx, tx, b.ID, model.BookingDeclined, &reason, "instructor-1", time.Now())
	}); err != nil {
		t.Fatalf("decline: %v", err)
	}

	for _, to := range []model.BookingStatus{model.BookingAccepted, model.BookingCanceled, model.BookingPending} {
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			return bookings.SetStatusTx(ctx, tx, b.ID, to, nil, "instructor-1", time.Now())
		})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("declined -> %s: got %v, want ErrInvalidTransition", to, err)
		}
	}

	got, err := bookings.GetByID(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.BookingDeclined {
		t.Errorf("status = %s, want declined", got.Status)
	}
	if got.DeclineReason == nil || *got.DeclineReason != reason {
		t.Errorf("decline reason = %v", got.DeclineReason)
	}

	hist, err := bookings.HistoryByBooking(ctx, b.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].From != "" || hist[0].To != model.BookingPending {
		t.Errorf("first event = %+v", hist[0])
	}
	if hist[1].From != model.BookingPending || hist[1].To != model.BookingDeclined || hist[1].ActorID != "instructor-1" {
		t.Errorf("second event = %+v", hist[1])
	}
}

func TestSetStatusUnknownBooking(t *testing.T) {
	db := newTestDB(t)
	bookings := NewBookingRepo(db)
	ctx := context.Background()
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		return bookings.SetStatusTx(ctx, tx, "nope", model.BookingAccepted, nil, "x", time.Now())
	})
	if !errors.Is(err, ErrBookingNotFound) {
		t.Fatalf("got %v, want ErrBookingNotFound", err)
	}
}

func TestListQueriesAndAcceptedLookup(t *testing.T) {
	db := newTestDB(t)
	sessions, bookings := NewSessionRepo(db), NewBookingRepo(db)
	ctx := context.Background()
	s := seedSession(t, sessions, 5, time.Now().Add(time.Hour))

	b1, _ := createBooking(t, sessions, bookings, s.ID, "learner-1", 2)
	_, _ = createBooking(t, sessions, bookings, s.ID, "learner-2", 1)
	if err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := sessions.TryReserveTx(ctx, tx, s.ID, b1.Seats); err != nil {
			return err
		}
		return bookings.SetStatusTx(ctx, tx, b1.ID, model.BookingAccepted, nil, "instructor-1", time.Now())
	}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	all, err := bookings.ListBySession(ctx, s.ID, nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListBySession(all) = %d, %v", len(all), err)
	}
	accepted := model.BookingAccepted
	only, err := bookings.ListBySession(ctx, s.ID, &accepted)
	if err != nil || len(only) != 1 || only[0].ID != b1.ID {
		t.Fatalf("ListBySession(accepted) = %+v, %v", only, err)
	}
	mine, err := bookings.ListByLearner(ctx, "learner-1")
	if err != nil || len(mine) != 1 {
		t.Fatalf("ListByLearner = %d, %v", len(mine), err)
	}

	found, err := bookings.FindAcceptedTx(ctx, db, "learner-1", s.ID)
	if err != nil || found.ID != b1.ID {
		t.Fatalf("FindAcceptedTx = %+v, %v", found, err)
	}
	if _, err := bookings.FindAcceptedTx(ctx, db, "learner-2", s.ID); !errors.Is(err, ErrBookingNotFound) {
		t.Fatalf("pending booking reported as accepted: %v", err)
	}

	sum, err := bookings.SumAcceptedSeatsTx(ctx, db, s.ID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	got, _ := sessions.GetByID(ctx, s.ID)
	if sum != got.AcceptedSeats() {
		t.Errorf("accepted seats %d != total - remaining %d", sum, got.AcceptedSeats())
	}
}

func TestCreateForUnknownSession(t *testing.T) {
	db := newTestDB(t)
	bookings := NewBookingRepo(db)
	ctx := context.Background()
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := bookings.CreateTx(ctx, tx, "missing", "learner", 1, time.Now())
		return err
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}
