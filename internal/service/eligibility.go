package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iliyamo/skillshare-booking/internal/config"
	"github.com/iliyamo/skillshare-booking/internal/database"
	"github.com/iliyamo/skillshare-booking/internal/model"
	"github.com/iliyamo/skillshare-booking/internal/repository"
)

// Reason explains why a learner may not rate a session.
type Reason string

const (
	ReasonNoAcceptedBooking  Reason = "NoAcceptedBooking"
	ReasonSessionNotYetEnded Reason = "SessionNotYetEnded"
	ReasonAlreadyRated       Reason = "AlreadyRated"
)

// Eligibility is the answer to "may this learner rate this session".
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   Reason `json:"reason,omitempty"`
}

// ErrNotEligible is the parent of every *NotEligibleError.
var ErrNotEligible = errors.New("not eligible to rate")

// ErrInvalidRating is returned for a score outside 1..5.
var ErrInvalidRating = fmt.Errorf("rating must be between %d and %d", model.MinRating, model.MaxRating)

// NotEligibleError is returned by SubmitRating when one of the conditions
// no longer holds at submit time.
type NotEligibleError struct {
	Reason Reason
}

func (e *NotEligibleError) Error() string { return "not eligible to rate: " + string(e.Reason) }

func (e *NotEligibleError) Unwrap() error { return ErrNotEligible }

// RatingStore is the rating existence check and insert path.
type RatingStore interface {
	ExistsTx(ctx context.Context, q database.Querier, learnerID, sessionID string) (bool, error)
	CreateTx(ctx context.Context, tx *sql.Tx, rt *model.Rating) error
}

// AcceptedBookingFinder looks up a learner's accepted booking.
type AcceptedBookingFinder interface {
	FindAcceptedTx(ctx context.Context, q database.Querier, learnerID, sessionID string) (*model.Booking, error)
	FindAcceptedForUpdateTx(ctx context.Context, tx *sql.Tx, learnerID, sessionID string) (*model.Booking, error)
}

// SessionReader loads sessions.
type SessionReader interface {
	GetTx(ctx context.Context, q database.Querier, id string) (*model.Session, error)
}

// EligibilityGate decides whether a learner may rate a session: they hold
// an accepted booking, the session has ended, and they have not rated it
// yet.  Conditions are checked in that order and the first failing one is
// reported.
type EligibilityGate struct {
	db       *database.DB
	runner   txRunner
	sessions SessionReader
	bookings AcceptedBookingFinder
	ratings  RatingStore
	now      func() time.Time
}

// NewEligibilityGate wires a gate.  A nil clock uses time.Now.
func NewEligibilityGate(db *database.DB, sessions SessionReader, bookings AcceptedBookingFinder, ratings RatingStore, cfg config.BookingConfig, clock func() time.Time, logger *slog.Logger) *EligibilityGate {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EligibilityGate{
		db:       db,
		runner:   txRunner{db: db, cfg: cfg, logger: logger},
		sessions: sessions,
		bookings: bookings,
		ratings:  ratings,
		now:      clock,
	}
}

// CanRate evaluates eligibility without mutating anything.  An unknown
// session is reported as repository.ErrSessionNotFound.
func (g *EligibilityGate) CanRate(ctx context.Context, learnerID, sessionID string) (Eligibility, error) {
	s, err := g.sessions.GetTx(ctx, g.db, sessionID)
	if err != nil {
		return Eligibility{}, err
	}
	_, err = g.bookings.FindAcceptedTx(ctx, g.db, learnerID, sessionID)
	return g.evaluate(ctx, g.db, s, learnerID, err)
}

func (g *EligibilityGate) evaluate(ctx context.Context, q database.Querier, s *model.Session, learnerID string, bookingErr error) (Eligibility, error) {
	switch {
	case errors.Is(bookingErr, repository.ErrBookingNotFound):
		return Eligibility{Reason: ReasonNoAcceptedBooking}, nil
	case bookingErr != nil:
		return Eligibility{}, bookingErr
	}
	if !s.HasEnded(g.now()) {
		return Eligibility{Reason: ReasonSessionNotYetEnded}, nil
	}
	rated, err := g.ratings.ExistsTx(ctx, q, learnerID, s.ID)
	if err != nil {
		return Eligibility{}, err
	}
	if rated {
		return Eligibility{Reason: ReasonAlreadyRated}, nil
	}
	return Eligibility{Eligible: true}, nil
}

// SubmitRating re-checks every condition inside one unit of work and
// records the rating.  The accepted booking is read with a row lock so a
// concurrent cancel cannot slip in between the check and the insert.
func (g *EligibilityGate) SubmitRating(ctx context.Context, learnerID, sessionID string, score int, comment string) (*model.Rating, error) {
	if score < model.MinRating || score > model.MaxRating {
		return nil, ErrInvalidRating
	}
	var rt *model.Rating
	err := g.runner.run(ctx, "submit_rating", func(ctx context.Context, tx *sql.Tx) error {
		s, err := g.sessions.GetTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		_, bErr := g.bookings.FindAcceptedForUpdateTx(ctx, tx, learnerID, sessionID)
		el, err := g.evaluate(ctx, tx, s, learnerID, bErr)
		if err != nil {
			return err
		}
		if !el.Eligible {
			return &NotEligibleError{Reason: el.Reason}
		}
		rt = &model.Rating{
			SessionID: sessionID,
			LearnerID: learnerID,
			Rating:    score,
			Comment:   strings.TrimSpace(comment),
			CreatedAt: g.now().UTC(),
		}
		if err := g.ratings.CreateTx(ctx, tx, rt); err != nil {
			if errors.Is(err, repository.ErrAlreadyRated) {
				return &NotEligibleError{Reason: ReasonAlreadyRated}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}
