package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/skillshare-booking/internal/model"
	"github.com/iliyamo/skillshare-booking/internal/repository"
	"github.com/iliyamo/skillshare-booking/internal/service"
)

// SessionHandler serves session reads, the instructor's booking list and
// the session lifecycle commands.
type SessionHandler struct {
	Coord    *service.Coordinator
	Sessions *repository.SessionRepo
	Bookings *repository.BookingRepo
}

// NewSessionHandler panics if any dependency is nil.
func NewSessionHandler(coord *service.Coordinator, sessions *repository.SessionRepo, bookings *repository.BookingRepo) *SessionHandler {
	if coord == nil || sessions == nil || bookings == nil {
		panic("nil dependency passed to NewSessionHandler")
	}
	return &SessionHandler{Coord: coord, Sessions: sessions, Bookings: bookings}
}

type createSessionRequest struct {
	TotalCapacity   int       `json:"total_capacity" validate:"required,min=1,max=10000"`
	EventStart      time.Time `json:"event_start" validate:"required"`
	DurationMinutes int       `json:"duration_minutes" validate:"required,min=1,max=1440"`
}

// Create handles POST /v1/sessions.  The caller becomes the instructor.
func (h *SessionHandler) Create(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	var req createSessionRequest
	if err := decode(c, &req); err != nil {
		return badRequest(c, err)
	}
	s := &model.Session{
		InstructorID:    actor.ID,
		TotalCapacity:   req.TotalCapacity,
		EventStart:      req.EventStart.UTC().Truncate(time.Second),
		DurationMinutes: req.DurationMinutes,
	}
	if err := h.Sessions.Create(c.Request().Context(), s); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, s)
}

// Get handles GET /v1/sessions/:id.
func (h *SessionHandler) Get(c echo.Context) error {
	s, err := h.Sessions.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

// ListBookings handles GET /v1/sessions/:id/bookings?status=pending.
// Only the instructor and admins see the roster.
func (h *SessionHandler) ListBookings(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	ctx := c.Request().Context()
	s, err := h.Sessions.GetByID(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if !ownsSession(actor, s) {
		return forbidden(c)
	}
	var filter *model.BookingStatus
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		st, err := model.ParseBookingStatus(raw)
		if err != nil {
			return badRequest(c, err)
		}
		filter = &st
	}
	items, err := h.Bookings.ListBySession(ctx, s.ID, filter)
	if err != nil {
		return writeError(c, err)
	}
	if items == nil {
		items = []model.Booking{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"items":              items,
		"total_capacity":     s.TotalCapacity,
		"capacity_remaining": s.CapacityRemaining,
	})
}

// Complete handles POST /v1/sessions/:id/complete.
func (h *SessionHandler) Complete(c echo.Context) error {
	return h.transition(c, model.SessionCompleted)
}

// Cancel handles POST /v1/sessions/:id/cancel.  Bookings are left as
// they are; downstream consumers of session.canceled settle them.
func (h *SessionHandler) Cancel(c echo.Context) error {
	return h.transition(c, model.SessionCanceled)
}

func (h *SessionHandler) transition(c echo.Context, to model.SessionStatus) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	ctx := c.Request().Context()
	s, err := h.Sessions.GetByID(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if !ownsSession(actor, s) {
		return forbidden(c)
	}
	if to == model.SessionCompleted {
		err = h.Coord.CompleteSession(ctx, s.ID, actor)
	} else {
		err = h.Coord.CancelSession(ctx, s.ID, actor)
	}
	if err != nil {
		return writeError(c, err)
	}
	s, err = h.Sessions.GetByID(ctx, s.ID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, s)
}
