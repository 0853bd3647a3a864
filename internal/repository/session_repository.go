package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/skillshare-booking/internal/database"
	"github.com/iliyamo/skillshare-booking/internal/model"
)

// SessionRepo owns the sessions table.  Capacity is only ever changed
// through single conditional UPDATE statements so that two writers can
// never both observe the same remaining count and both succeed.
type SessionRepo struct {
	db *database.DB
}

// NewSessionRepo returns a new SessionRepo bound to the given database.
func NewSessionRepo(db *database.DB) *SessionRepo { return &SessionRepo{db: db} }

// DB exposes the underlying pool so callers can begin transactions.
func (r *SessionRepo) DB() *database.DB { return r.db }

const sessionColumns = `id, instructor_id, total_capacity, capacity_remaining, status, event_start, duration_minutes, version, created_at`

func scanSession(row scanner) (*model.Session, error) {
	var (
		s          model.Session
		status     string
		eventStart int64
		createdAt  int64
	)
	if err := row.Scan(&s.ID, &s.InstructorID, &s.TotalCapacity, &s.CapacityRemaining,
		&status, &eventStart, &s.DurationMinutes, &s.Version, &createdAt); err != nil {
		return nil, err
	}
	st, err := model.ParseSessionStatus(status)
	if err != nil {
		return nil, err
	}
	s.Status = st
	s.EventStart = fromSeconds(eventStart)
	s.CreatedAt = fromMillis(createdAt)
	return &s, nil
}

// GetTx loads a session through q, which may be the pool or a transaction.
func (r *SessionRepo) GetTx(ctx context.Context, q database.Querier, id string) (*model.Session, error) {
	row := q.QueryRowContext(ctx, r.db.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// GetByID loads a session outside of any transaction.
func (r *SessionRepo) GetByID(ctx context.Context, id string) (*model.Session, error) {
	return r.GetTx(ctx, r.db, id)
}

// LockTx takes the session row lock for the rest of the transaction.
// Every unit of work that depends on a session's bookings or capacity
// acquires it first, which serialises writers per session.  SQLite has no
// row locks, so a version bump claims the database write lock instead.
func (r *SessionRepo) LockTx(ctx context.Context, tx *sql.Tx, id string) error {
	if r.db.Dialect == database.SQLite {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET version = version + 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrSessionNotFound
		}
		return nil
	}
	var got string
	err := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT id FROM sessions WHERE id = ?`+r.db.Dialect.ForUpdate()), id).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session: %w", err)
	}
	return nil
}

// TryReserveTx atomically takes seats from the session when it is upcoming
// and has enough remaining capacity.  When nothing was updated the row is
// re-read inside the same transaction to tell the caller why.
func (r *SessionRepo) TryReserveTx(ctx context.Context, tx *sql.Tx, id string, seats int) error {
	if seats <= 0 {
		return ErrInvalidSeats
	}
	const q = `UPDATE sessions
	           SET capacity_remaining = capacity_remaining - ?, version = version + 1
	           WHERE id = ? AND status = ? AND capacity_remaining >= ?`
	res, err := tx.ExecContext(ctx, r.db.Rebind(q), seats, id, string(model.SessionUpcoming), seats)
	if err != nil {
		return fmt.Errorf("reserve capacity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve capacity: %w", err)
	}
	if n == 1 {
		return nil
	}

	s, err := r.GetTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if !s.Bookable() {
		return ErrSessionNotBookable
	}
	return ErrCapacityExceeded
}

// ReleaseTx returns seats to the session.  A release that would exceed
// total_capacity is refused with ErrCapacityOverflow.
func (r *SessionRepo) ReleaseTx(ctx context.Context, tx *sql.Tx, id string, seats int) error {
	if seats <= 0 {
		return ErrInvalidSeats
	}
	const q = `UPDATE sessions
	           SET capacity_remaining = capacity_remaining + ?, version = version + 1
	           WHERE id = ? AND capacity_remaining + ? <= total_capacity`
	res, err := tx.ExecContext(ctx, r.db.Rebind(q), seats, id, seats)
	if err != nil {
		return fmt.Errorf("release capacity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release capacity: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetTx(ctx, tx, id); err != nil {
		return err
	}
	return ErrCapacityOverflow
}

// MarkCompletedTx moves an upcoming session to completed.
func (r *SessionRepo) MarkCompletedTx(ctx context.Context, tx *sql.Tx, id string) error {
	return r.setStatusFromUpcoming(ctx, tx, id, model.SessionCompleted)
}

// MarkCanceledTx moves an upcoming session to canceled.  Capacity and
// bookings are left untouched.
func (r *SessionRepo) MarkCanceledTx(ctx context.Context, tx *sql.Tx, id string) error {
	return r.setStatusFromUpcoming(ctx, tx, id, model.SessionCanceled)
}

func (r *SessionRepo) setStatusFromUpcoming(ctx context.Context, tx *sql.Tx, id string, to model.SessionStatus) error {
	const q = `UPDATE sessions SET status = ?, version = version + 1 WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, r.db.Rebind(q), string(to), id, string(model.SessionUpcoming))
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := r.GetTx(ctx, tx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

// CreateTx inserts a session.  A blank ID is generated and
// capacity_remaining starts at total_capacity.
func (r *SessionRepo) CreateTx(ctx context.Context, tx *sql.Tx, s *model.Session) error {
	if s.TotalCapacity <= 0 {
		return ErrInvalidSeats
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = model.SessionUpcoming
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.CapacityRemaining = s.TotalCapacity
	const q = `INSERT INTO sessions (id, instructor_id, total_capacity, capacity_remaining, status, event_start, duration_minutes, version, created_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`
	_, err := tx.ExecContext(ctx, r.db.Rebind(q), s.ID, s.InstructorID, s.TotalCapacity, s.CapacityRemaining,
		string(s.Status), s.EventStart.Unix(), s.DurationMinutes, toMillis(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Create inserts a session in its own transaction.
func (r *SessionRepo) Create(ctx context.Context, s *model.Session) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error { return r.CreateTx(ctx, tx, s) })
}

// ListDueForCompletion returns upcoming sessions whose end time is at or
// before now, oldest first.
func (r *SessionRepo) ListDueForCompletion(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id FROM sessions
	           WHERE status = ? AND event_start + duration_minutes * 60 <= ?
	           ORDER BY event_start
	           LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(q), string(model.SessionUpcoming), now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
