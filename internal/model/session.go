package model

import (
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionUpcoming  SessionStatus = "upcoming"
	SessionCompleted SessionStatus = "completed"
	SessionCanceled  SessionStatus = "canceled"
)

// ParseSessionStatus normalises a stored status literal.  The legacy
// spelling "cancelled" maps to SessionCanceled.
func ParseSessionStatus(s string) (SessionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "upcoming":
		return SessionUpcoming, nil
	case "completed":
		return SessionCompleted, nil
	case "canceled", "cancelled":
		return SessionCanceled, nil
	}
	return "", fmt.Errorf("unknown session status %q", s)
}

// Session represents a scheduled teaching event with a finite number
// of seats.  Sessions are authored elsewhere; this service only reads
// them and mutates capacity and status.
//
// Fields:
//  ID                – primary key identifier (UUID).
//  InstructorID      – user who owns the session.
//  TotalCapacity     – number of seats offered; always positive.
//  CapacityRemaining – seats not yet taken by accepted bookings.
//  Status            – upcoming, completed or canceled.
//  EventStart        – when the session begins (UTC).
//  DurationMinutes   – length of the session.
//  Version           – incremented on every capacity or status write.
//  CreatedAt         – creation timestamp.
type Session struct {
	ID                string        `json:"id"`
	InstructorID      string        `json:"instructor_id"`
	TotalCapacity     int           `json:"total_capacity"`
	CapacityRemaining int           `json:"capacity_remaining"`
	Status            SessionStatus `json:"status"`
	EventStart        time.Time     `json:"event_start"`
	DurationMinutes   int           `json:"duration_minutes"`
	Version           int64         `json:"version"`
	CreatedAt         time.Time     `json:"created_at"`
}

// EndsAt returns event_start + duration.
func (s *Session) EndsAt() time.Time {
	return s.EventStart.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// HasEnded reports whether now is at or past the end of the session.
func (s *Session) HasEnded(now time.Time) bool {
	return !now.Before(s.EndsAt())
}

// Bookable reports whether new seats may still be reserved.
func (s *Session) Bookable() bool {
	return s.Status == SessionUpcoming
}

// AcceptedSeats is the number of seats currently held by accepted bookings.
func (s *Session) AcceptedSeats() int {
	return s.TotalCapacity - s.CapacityRemaining
}
