// Package queue defines message payloads exchanged over the message broker
// and the background consumer that records them.
package queue

// Booking event types.
const (
	EventBookingCreated  = "booking.created"
	EventBookingAccepted = "booking.accepted"
	EventBookingDeclined = "booking.declined"
	EventBookingCanceled = "booking.canceled"
	EventSessionDone     = "session.completed"
	EventSessionCanceled = "session.canceled"
)

// DefaultQueue is the durable queue booking events are routed to.
const DefaultQueue = "booking.events"

// BookingEvent is published after a booking or session transition has
// committed.  It carries enough information for downstream consumers to
// log, notify or trigger analytics without querying the primary database.
// Session events leave the booking fields empty.
type BookingEvent struct {
	Type           string `json:"type"`
	BookingID      string `json:"booking_id,omitempty"`
	SessionID      string `json:"session_id"`
	LearnerID      string `json:"learner_id,omitempty"`
	Seats          int    `json:"seats,omitempty"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	ActorID        string `json:"actor_id,omitempty"`
	SeatsRemaining *int   `json:"seats_remaining,omitempty"`
	OccurredAt     string `json:"occurred_at"`
}
