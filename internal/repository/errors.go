// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as
// handlers to distinguish between different failure scenarios. Errors
// that describe a state conflict wrap ErrConflict and those that describe
// a missing row wrap ErrNotFound, so handlers can map whole families to a
// status code with errors.Is.
package repository

import (
	"errors"
	"fmt"
)

// ErrForbidden is returned when the caller attempts an operation
// on a resource they do not own. Handlers should translate this
// into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an update cannot be performed because
// of conflicting state. Handlers should translate this into an HTTP
// 409 response.
var ErrConflict = errors.New("conflict")

// ErrNotFound is the parent of every "no such row" error.
var ErrNotFound = errors.New("not found")

var (
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
	ErrBookingNotFound = fmt.Errorf("booking %w", ErrNotFound)
)

var (
	// ErrInvalidTransition means the requested status change is not in
	// the transition table for the row's current status.
	ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrConflict)

	// ErrCapacityExceeded means the session has fewer remaining seats
	// than requested.
	ErrCapacityExceeded = fmt.Errorf("%w: capacity exhausted", ErrConflict)

	// ErrSessionNotBookable means the session is completed or canceled.
	ErrSessionNotBookable = fmt.Errorf("%w: session not bookable", ErrConflict)

	// ErrDuplicateBooking means the learner already holds a pending or
	// accepted booking for the session.
	ErrDuplicateBooking = fmt.Errorf("%w: active booking already exists", ErrConflict)

	// ErrAlreadyRated means a rating for the learner and session exists.
	ErrAlreadyRated = fmt.Errorf("%w: already rated", ErrConflict)
)

// ErrCapacityOverflow is returned when a release would push
// capacity_remaining above total_capacity.  It signals a caller bug and
// is never clamped.
var ErrCapacityOverflow = errors.New("capacity release exceeds total capacity")

// ErrInvalidSeats is returned for a non-positive seat count.
var ErrInvalidSeats = errors.New("seats must be positive")
