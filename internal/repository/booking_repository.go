package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/skillshare-booking/internal/database"
	"github.com/iliyamo/skillshare-booking/internal/model"
)

// BookingRepo owns the bookings table and its status history.  Every
// status change goes through SetStatusTx, which enforces the transition
// table and records a booking_status_events row in the same transaction.
type BookingRepo struct {
	db *database.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *database.DB) *BookingRepo { return &BookingRepo{db: db} }

// DB exposes the underlying pool so callers can begin transactions.
func (r *BookingRepo) DB() *database.DB { return r.db }

const bookingColumns = `id, session_id, learner_id, seats, status, decline_reason, requested_at, updated_at`

func scanBooking(row scanner) (*model.Booking, error) {
	var (
		b           model.Booking
		status      string
		reason      sql.NullString
		requestedAt int64
		updatedAt   int64
	)
	if err := row.Scan(&b.ID, &b.SessionID, &b.LearnerID, &b.Seats, &status, &reason, &requestedAt, &updatedAt); err != nil {
		return nil, err
	}
	st, err := model.ParseBookingStatus(status)
	if err != nil {
		return nil, err
	}
	b.Status = st
	if reason.Valid {
		rs := reason.String
		b.DeclineReason = &rs
	}
	b.RequestedAt = fromMillis(requestedAt)
	b.UpdatedAt = fromMillis(updatedAt)
	return &b, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// activeLiterals lists every stored spelling of a non-terminal status.
func activeLiterals() []any {
	return []any{string(model.BookingPending), string(model.BookingAccepted)}
}

// CreateTx inserts a pending booking.  The caller must already hold the
// session lock (SessionRepo.LockTx) so the duplicate check and the insert
// cannot interleave with another create for the same pair.  The unique
// index on active_key catches anything that slips past the check.
func (r *BookingRepo) CreateTx(ctx context.Context, tx *sql.Tx, sessionID, learnerID string, seats int, now time.Time) (*model.Booking, error) {
	if seats <= 0 {
		return nil, ErrInvalidSeats
	}

	var one int
	err := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT 1 FROM sessions WHERE id = ?`), sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}

	args := append([]any{learnerID, sessionID}, activeLiterals()...)
	var existing string
	err = tx.QueryRowContext(ctx, r.db.Rebind(
		`SELECT id FROM bookings WHERE learner_id = ? AND session_id = ? AND status IN (`+placeholders(2)+`) LIMIT 1`),
		args...).Scan(&existing)
	switch {
	case err == nil:
		return nil, ErrDuplicateBooking
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check active booking: %w", err)
	}

	now = now.UTC()
	b := &model.Booking{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		LearnerID:   learnerID,
		Seats:       seats,
		Status:      model.BookingPending,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	const ins = `INSERT INTO bookings (id, session_id, learner_id, seats, status, decline_reason, active_key, requested_at, updated_at)
	             VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, r.db.Rebind(ins), b.ID, b.SessionID, b.LearnerID, b.Seats, string(b.Status),
		model.ActiveKey(learnerID, sessionID), toMillis(now), toMillis(now))
	if err != nil {
		if r.db.Dialect.IsUniqueViolation(err) {
			return nil, ErrDuplicateBooking
		}
		return nil, fmt.Errorf("insert booking: %w", err)
	}
	if err := r.appendEventTx(ctx, tx, b.ID, "", b.Status, learnerID, nil, now); err != nil {
		return nil, err
	}
	return b, nil
}

// GetTx loads a booking through q, which may be the pool or a transaction.
func (r *BookingRepo) GetTx(ctx context.Context, q database.Querier, id string) (*model.Booking, error) {
	return r.get(ctx, q, id, "")
}

// GetByID loads a booking outside of any transaction.
func (r *BookingRepo) GetByID(ctx context.Context, id string) (*model.Booking, error) {
	return r.get(ctx, r.db, id, "")
}

// GetForUpdateTx loads a booking and locks its row until the transaction
// ends, so the status read cannot go stale before the write.
func (r *BookingRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, id string) (*model.Booking, error) {
	return r.get(ctx, tx, id, r.db.Dialect.ForUpdate())
}

func (r *BookingRepo) get(ctx context.Context, q database.Querier, id, suffix string) (*model.Booking, error) {
	row := q.QueryRowContext(ctx, r.db.Rebind(`SELECT `+bookingColumns+` FROM bookings WHERE id = ?`+suffix), id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

// SetStatusTx moves a booking to a new status.  The update is a
// compare-and-set on the status read at the start, so a concurrent change
// surfaces as ErrInvalidTransition rather than being overwritten.  Moving
// to a terminal status clears active_key; reason is stored only for
// declines.
func (r *BookingRepo) SetStatusTx(ctx context.Context, tx *sql.Tx, id string, to model.BookingStatus, reason *string, actorID string, now time.Time) error {
	var raw string
	err := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT status FROM bookings WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrBookingNotFound
	}
	if err != nil {
		return fmt.Errorf("read booking status: %w", err)
	}
	from, err := model.ParseBookingStatus(raw)
	if err != nil {
		return err
	}
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var declineReason any
	if to == model.BookingDeclined && reason != nil {
		declineReason = *reason
	}

	q := `UPDATE bookings SET status = ?, decline_reason = COALESCE(?, decline_reason), updated_at = ?`
	if to.IsTerminal() {
		q += `, active_key = NULL`
	}
	q += ` WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, r.db.Rebind(q), string(to), declineReason, toMillis(now), id, raw)
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
	}
	return r.appendEventTx(ctx, tx, id, from, to, actorID, reason, now)
}

func (r *BookingRepo) appendEventTx(ctx context.Context, tx *sql.Tx, bookingID string, from, to model.BookingStatus, actorID string, reason *string, now time.Time) error {
	var fromVal, reasonVal any
	if from != "" {
		fromVal = string(from)
	}
	if reason != nil {
		reasonVal = *reason
	}
	const q = `INSERT INTO booking_status_events (id, booking_id, from_status, to_status, actor_id, reason, created_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?)`
	// v7 ids sort by creation time, which keeps history ordered within one millisecond.
	evID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(q), evID.String(), bookingID, fromVal, string(to), actorID, reasonVal, toMillis(now)); err != nil {
		return fmt.Errorf("append booking event: %w", err)
	}
	return nil
}

// ListByLearner returns every booking made by the learner, newest first.
func (r *BookingRepo) ListByLearner(ctx context.Context, learnerID string) ([]model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE learner_id = ? ORDER BY requested_at DESC, id`
	return r.list(ctx, q, learnerID)
}

// ListBySession returns the bookings of a session, oldest first.  A nil
// status returns every booking; otherwise only those in that status.
func (r *BookingRepo) ListBySession(ctx context.Context, sessionID string, status *model.BookingStatus) ([]model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE session_id = ?`
	args := []any{sessionID}
	if status != nil {
		lits := status.Literals()
		q += ` AND status IN (` + placeholders(len(lits)) + `)`
		for _, l := range lits {
			args = append(args, l)
		}
	}
	q += ` ORDER BY requested_at, id`
	return r.list(ctx, q, args...)
}

func (r *BookingRepo) list(ctx context.Context, q string, args ...any) ([]model.Booking, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()
	out := []model.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// FindAcceptedTx returns the learner's accepted booking for the session,
// or ErrBookingNotFound when there is none.
func (r *BookingRepo) FindAcceptedTx(ctx context.Context, q database.Querier, learnerID, sessionID string) (*model.Booking, error) {
	return r.findAccepted(ctx, q, learnerID, sessionID, "")
}

// FindAcceptedForUpdateTx is FindAcceptedTx with a row lock, so the
// booking cannot be canceled before the transaction ends.
func (r *BookingRepo) FindAcceptedForUpdateTx(ctx context.Context, tx *sql.Tx, learnerID, sessionID string) (*model.Booking, error) {
	return r.findAccepted(ctx, tx, learnerID, sessionID, r.db.Dialect.ForUpdate())
}

func (r *BookingRepo) findAccepted(ctx context.Context, q database.Querier, learnerID, sessionID, suffix string) (*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
	          WHERE learner_id = ? AND session_id = ? AND status = ?
	          ORDER BY requested_at DESC LIMIT 1` + suffix
	row := q.QueryRowContext(ctx, r.db.Rebind(query), learnerID, sessionID, string(model.BookingAccepted))
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find accepted booking: %w", err)
	}
	return b, nil
}

// SumAcceptedSeatsTx returns the seats held by accepted bookings of the
// session.  It should always equal total_capacity - capacity_remaining.
func (r *BookingRepo) SumAcceptedSeatsTx(ctx context.Context, q database.Querier, sessionID string) (int, error) {
	var sum int
	err := q.QueryRowContext(ctx, r.db.Rebind(
		`SELECT COALESCE(SUM(seats), 0) FROM bookings WHERE session_id = ? AND status = ?`),
		sessionID, string(model.BookingAccepted)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum accepted seats: %w", err)
	}
	return sum, nil
}

// HistoryByBooking returns the status history of a booking in order.
func (r *BookingRepo) HistoryByBooking(ctx context.Context, bookingID string) ([]model.BookingStatusEvent, error) {
	const q = `SELECT id, booking_id, from_status, to_status, actor_id, reason, created_at
	           FROM booking_status_events WHERE booking_id = ? ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(q), bookingID)
	if err != nil {
		return nil, fmt.Errorf("booking history: %w", err)
	}
	defer rows.Close()
	out := []model.BookingStatusEvent{}
	for rows.Next() {
		var (
			ev        model.BookingStatusEvent
			from      sql.NullString
			to        string
			reason    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.BookingID, &from, &to, &ev.ActorID, &reason, &createdAt); err != nil {
			return nil, err
		}
		if from.Valid {
			if ev.From, err = model.ParseBookingStatus(from.String); err != nil {
				return nil, err
			}
		}
		if ev.To, err = model.ParseBookingStatus(to); err != nil {
			return nil, err
		}
		if reason.Valid {
			rs := reason.String
			ev.Reason = &rs
		}
		ev.CreatedAt = fromMillis(createdAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}
