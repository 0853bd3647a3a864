package model

import (
	"fmt"
	"strings"
	"time"
)

// BookingStatus is the state of a booking.  Declined and canceled are
// terminal; a canceled row is kept for audit and capacity history.
type BookingStatus string

const (
	BookingPending  BookingStatus = "pending"
	BookingAccepted BookingStatus = "accepted"
	BookingDeclined BookingStatus = "declined"
	BookingCanceled BookingStatus = "canceled"
)

// ParseBookingStatus normalises a status literal.  "cancelled" is
// accepted as an alias of BookingCanceled; only the canonical form is
// ever written.
func ParseBookingStatus(s string) (BookingStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return BookingPending, nil
	case "accepted":
		return BookingAccepted, nil
	case "declined":
		return BookingDeclined, nil
	case "canceled", "cancelled":
		return BookingCanceled, nil
	}
	return "", fmt.Errorf("unknown booking status %q", s)
}

// Literals returns every stored spelling of the status, for queries
// that must also match legacy rows.
func (s BookingStatus) Literals() []string {
	if s == BookingCanceled {
		return []string{"canceled", "cancelled"}
	}
	return []string{string(s)}
}

// IsTerminal reports whether no further transition is allowed.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingDeclined || s == BookingCanceled
}

// IsActive reports whether the booking counts toward the one active
// booking per learner and session rule.
func (s BookingStatus) IsActive() bool {
	return s == BookingPending || s == BookingAccepted
}

// BookingTransition is one allowed edge of the booking state machine.
type BookingTransition struct {
	From BookingStatus
	To   BookingStatus
}

var bookingTransitions = []BookingTransition{
	{From: BookingPending, To: BookingAccepted},
	{From: BookingPending, To: BookingDeclined},
	{From: BookingPending, To: BookingCanceled},
	{From: BookingAccepted, To: BookingCanceled},
}

// CanTransition reports whether from -> to is a legal booking transition.
func CanTransition(from, to BookingStatus) bool {
	for _, tr := range bookingTransitions {
		if tr.From == from && tr.To == to {
			return true
		}
	}
	return false
}

// Booking records a learner's request for one or more seats in a session.
//
// Fields:
//  ID            – primary key identifier (UUID).
//  SessionID     – owning session.
//  LearnerID     – learner who requested the seats.
//  Seats         – number of seats requested; at least one.
//  Status        – pending, accepted, declined or canceled.
//  DeclineReason – optional reason supplied when declining.
//  RequestedAt   – when the booking was created.
//  UpdatedAt     – last status change.
type Booking struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	LearnerID     string        `json:"learner_id"`
	Seats         int           `json:"seats"`
	Status        BookingStatus `json:"status"`
	DeclineReason *string       `json:"decline_reason,omitempty"`
	RequestedAt   time.Time     `json:"requested_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ActiveKey is the value stored in bookings.active_key while a booking
// is pending or accepted.  A unique index on the column backs the one
// active booking per pair rule.
func ActiveKey(learnerID, sessionID string) string {
	return learnerID + "|" + sessionID
}

// BookingStatusEvent is an append-only history row written for every
// booking status change, including creation (From is empty).
type BookingStatusEvent struct {
	ID        string        `json:"id"`
	BookingID string        `json:"booking_id"`
	From      BookingStatus `json:"from_status"`
	To        BookingStatus `json:"to_status"`
	ActorID   string        `json:"actor_id"`
	Reason    *string       `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}
