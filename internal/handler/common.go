package handler // handler defines http handlers

import (
	"errors"   // errors.Is / errors.As against repository and service sentinels
	"log/slog" // unexpected failures are logged before answering 500
	"net/http" // status codes

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/skillshare-booking/internal/middleware"
	"github.com/iliyamo/skillshare-booking/internal/model"
	"github.com/iliyamo/skillshare-booking/internal/repository"
	"github.com/iliyamo/skillshare-booking/internal/service"
)

var validate = validator.New()

// actorFrom builds the acting identity from the claims JWTAuth stored on
// the context.
func actorFrom(c echo.Context) (service.Actor, bool) {
	id := middleware.UserID(c)
	if id == "" {
		return service.Actor{}, false
	}
	return service.Actor{ID: id, Role: model.Role(middleware.Role(c))}, true
}

// ownsSession reports whether the actor may manage the session: its
// instructor or an admin.
func ownsSession(a service.Actor, s *model.Session) bool {
	if a.Role == model.RoleAdmin {
		return true
	}
	return a.Role == model.RoleInstructor && s.InstructorID == a.ID
}

// participates reports whether the actor may see or cancel the booking.
func participates(a service.Actor, b *model.Booking, s *model.Session) bool {
	if b.LearnerID == a.ID {
		return true
	}
	return ownsSession(a, s)
}

// decode binds the JSON body into req and runs its validate tags.
func decode(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return errors.New("invalid request body")
	}
	return validate.Struct(req)
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "validation_failed", "message": err.Error()})
}

// writeError maps a domain error onto an HTTP response.
func writeError(c echo.Context, err error) error {
	var ne *service.NotEligibleError
	switch {
	case errors.As(err, &ne):
		return c.JSON(http.StatusConflict, echo.Map{"error": "not_eligible", "reason": ne.Reason})
	case service.IsBusy(err):
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "busy", "message": "try again shortly"})
	case errors.Is(err, repository.ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "session_not_found"})
	case errors.Is(err, repository.ErrBookingNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "booking_not_found"})
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not_found"})
	case errors.Is(err, repository.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, repository.ErrCapacityExceeded):
		return c.JSON(http.StatusConflict, echo.Map{"error": "capacity_exhausted"})
	case errors.Is(err, repository.ErrSessionNotBookable):
		return c.JSON(http.StatusConflict, echo.Map{"error": "session_not_bookable"})
	case errors.Is(err, repository.ErrDuplicateBooking):
		return c.JSON(http.StatusConflict, echo.Map{"error": "duplicate_booking"})
	case errors.Is(err, repository.ErrAlreadyRated):
		return c.JSON(http.StatusConflict, echo.Map{"error": "already_rated"})
	case errors.Is(err, repository.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, echo.Map{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, repository.ErrInvalidSeats), errors.Is(err, service.ErrInvalidRating):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "validation_failed", "message": err.Error()})
	}
	slog.Error("request failed", "method", c.Request().Method, "path", c.Path(), "err", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error"})
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}

func forbidden(c echo.Context) error {
	return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
}
