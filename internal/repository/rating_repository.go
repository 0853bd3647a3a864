package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/iliyamo/skillshare-booking/internal/database"
	"github.com/iliyamo/skillshare-booking/internal/model"
)

// RatingRepo stores learner ratings.  UNIQUE(learner_id, session_id)
// limits each learner to one rating per session.
type RatingRepo struct {
	db *database.DB
}

// NewRatingRepo returns a new RatingRepo bound to the given database.
func NewRatingRepo(db *database.DB) *RatingRepo { return &RatingRepo{db: db} }

// ExistsTx reports whether the learner has already rated the session.
func (r *RatingRepo) ExistsTx(ctx context.Context, q database.Querier, learnerID, sessionID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, r.db.Rebind(
		`SELECT COUNT(*) FROM ratings WHERE learner_id = ? AND session_id = ?`), learnerID, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("rating exists: %w", err)
	}
	return n > 0, nil
}

// CreateTx inserts a rating.  A duplicate for the pair is reported as
// ErrAlreadyRated.
func (r *RatingRepo) CreateTx(ctx context.Context, tx *sql.Tx, rt *model.Rating) error {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	const q = `INSERT INTO ratings (id, session_id, learner_id, rating, comment, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, r.db.Rebind(q), rt.ID, rt.SessionID, rt.LearnerID, rt.Rating, rt.Comment, toMillis(rt.CreatedAt))
	if err != nil {
		if r.db.Dialect.IsUniqueViolation(err) {
			return ErrAlreadyRated
		}
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

// ListBySession returns all ratings for a session, oldest first.
func (r *RatingRepo) ListBySession(ctx context.Context, sessionID string) ([]model.Rating, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(
		`SELECT id, session_id, learner_id, rating, comment, created_at FROM ratings WHERE session_id = ? ORDER BY created_at, id`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	defer rows.Close()
	out := []model.Rating{}
	for rows.Next() {
		var rt model.Rating
		var createdAt int64
		if err := rows.Scan(&rt.ID, &rt.SessionID, &rt.LearnerID, &rt.Rating, &rt.Comment, &createdAt); err != nil {
			return nil, err
		}
		rt.CreatedAt = fromMillis(createdAt)
		out = append(out, rt)
	}
	return out, rows.Err()
}
