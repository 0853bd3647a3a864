package model

import "time"

const (
	MinRating = 1
	MaxRating = 5
)

// Rating is a learner's score for a session they attended.  At most one
// rating exists per learner and session.
type Rating struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	LearnerID string    `json:"learner_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// Role is the caller's role as asserted by the identity provider.
type Role string

const (
	RoleLearner    Role = "LEARNER"
	RoleInstructor Role = "INSTRUCTOR"
	RoleAdmin      Role = "ADMIN"
)
