package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/skillshare-booking/internal/model"
	"github.com/iliyamo/skillshare-booking/internal/repository"
	"github.com/iliyamo/skillshare-booking/internal/service"
)

// BookingHandler exposes the booking lifecycle.  Every state change goes
// through the Coordinator; the repositories are used for reads and for
// the ownership checks made before a command is issued.
type BookingHandler struct {
	Coord    *service.Coordinator
	Sessions *repository.SessionRepo
	Bookings *repository.BookingRepo
}

// NewBookingHandler panics if any dependency is nil.
func NewBookingHandler(coord *service.Coordinator, sessions *repository.SessionRepo, bookings *repository.BookingRepo) *BookingHandler {
	if coord == nil || sessions == nil || bookings == nil {
		panic("nil dependency passed to NewBookingHandler")
	}
	return &BookingHandler{Coord: coord, Sessions: sessions, Bookings: bookings}
}

type createBookingRequest struct {
	Seats int `json:"seats" validate:"omitempty,min=1,max=100"`
}

type declineRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// Create handles POST /v1/sessions/:id/bookings.  The caller books for
// themselves; seats defaults to 1.
func (h *BookingHandler) Create(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	var req createBookingRequest
	if err := decode(c, &req); err != nil {
		return badRequest(c, err)
	}
	if req.Seats == 0 {
		req.Seats = 1
	}
	b, err := h.Coord.CreateBooking(c.Request().Context(), c.Param("id"), actor.ID, req.Seats)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

// Get handles GET /v1/bookings/:id for the learner, the session's
// instructor or an admin.
func (h *BookingHandler) Get(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	b, s, err := h.load(c, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if !participates(actor, b, s) {
		return forbidden(c)
	}
	return c.JSON(http.StatusOK, b)
}

// History handles GET /v1/bookings/:id/history.
func (h *BookingHandler) History(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	b, s, err := h.load(c, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if !participates(actor, b, s) {
		return forbidden(c)
	}
	events, err := h.Bookings.HistoryByBooking(c.Request().Context(), b.ID)
	if err != nil {
		return writeError(c, err)
	}
	if events == nil {
		events = []model.BookingStatusEvent{}
	}
	return c.JSON(http.StatusOK, echo.Map{"items": events})
}

// Mine handles GET /v1/my-bookings.
func (h *BookingHandler) Mine(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	items, err := h.Bookings.ListByLearner(c.Request().Context(), actor.ID)
	if err != nil {
		return writeError(c, err)
	}
	if items == nil {
		items = []model.Booking{}
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// Accept handles POST /v1/bookings/:id/accept.  Only the session's
// instructor or an admin may accept.
func (h *BookingHandler) Accept(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	_, s, err := h.load(c, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if !ownsSession(actor, s) {
		return forbidden(c)
	}
	b, err := h.Coord.Accept(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Decline handles POST /v1/bookings/:id/decline with an optional reason.
func (h *BookingHandler) Decline(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	var req declineRequest
	if err := decode(c, &req); err != nil {
		return badRequest(c, err)
	}
	_, s, err := h.load(c, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if !ownsSession(actor, s) {
		return forbidden(c)
	}
	b, err := h.Coord.Decline(c.Request().Context(), c.Param("id"), actor, req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Cancel handles POST /v1/bookings/:id/cancel.  The learner, the
// session's instructor or an admin may cancel; an accepted booking gives
// its seats back.
func (h *BookingHandler) Cancel(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	b, s, err := h.load(c, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if !participates(actor, b, s) {
		return forbidden(c)
	}
	b, err = h.Coord.Cancel(c.Request().Context(), b.ID, actor)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *BookingHandler) load(c echo.Context, id string) (*model.Booking, *model.Session, error) {
	ctx := c.Request().Context()
	b, err := h.Bookings.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	s, err := h.Sessions.GetByID(ctx, b.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return b, s, nil
}
