package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/skillshare-booking/internal/handler"    // HTTP handlers
	"github.com/iliyamo/skillshare-booking/internal/middleware" // JWT, role and rate-limit middleware
	"github.com/iliyamo/skillshare-booking/internal/model"      // role constants
)

// Handlers groups the handlers mounted under /v1.
type Handlers struct {
	Bookings *handler.BookingHandler
	Sessions *handler.SessionHandler
	Ratings  *handler.RatingHandler
}

// RegisterRoutes registers routes that do not require authentication.
// Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health(db))
}

// RegisterBooking mounts the booking API under /v1.  Every route requires
// a valid JWT; write routes also pass through the rate limiter.  Ownership
// of bookings and sessions is checked inside the handlers.
func RegisterBooking(e *echo.Echo, h Handlers, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group("/v1", middleware.JWTAuth(jwtSecret))

	learner := middleware.RequireRole(model.RoleLearner)
	manager := middleware.RequireRole(model.RoleInstructor, model.RoleAdmin)
	anyone := middleware.RequireRole(model.RoleLearner, model.RoleInstructor, model.RoleAdmin)

	// ---- Sessions ----
	g.POST("/sessions", h.Sessions.Create, middleware.RequireRole(model.RoleInstructor), limiter)
	g.GET("/sessions/:id", h.Sessions.Get, anyone)
	g.GET("/sessions/:id/bookings", h.Sessions.ListBookings, manager)
	g.POST("/sessions/:id/complete", h.Sessions.Complete, manager, limiter)
	g.POST("/sessions/:id/cancel", h.Sessions.Cancel, manager, limiter)

	// ---- Bookings ----
	g.POST("/sessions/:id/bookings", h.Bookings.Create, learner, limiter)
	g.GET("/my-bookings", h.Bookings.Mine, anyone)
	g.GET("/bookings/:id", h.Bookings.Get, anyone)
	g.GET("/bookings/:id/history", h.Bookings.History, anyone)
	g.POST("/bookings/:id/accept", h.Bookings.Accept, manager, limiter)
	g.POST("/bookings/:id/decline", h.Bookings.Decline, manager, limiter)
	g.POST("/bookings/:id/cancel", h.Bookings.Cancel, anyone, limiter)

	// ---- Ratings ----
	g.GET("/sessions/:id/rating-eligibility", h.Ratings.Eligibility, learner)
	g.POST("/sessions/:id/ratings", h.Ratings.Submit, learner, limiter)
	g.GET("/sessions/:id/ratings", h.Ratings.List, anyone)
}
