package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/skillshare-booking/internal/model"
	"github.com/iliyamo/skillshare-booking/internal/repository"
	"github.com/iliyamo/skillshare-booking/internal/service"
)

// RatingHandler serves the learner-facing rating endpoints.
type RatingHandler struct {
	Gate    *service.EligibilityGate
	Ratings *repository.RatingRepo
}

// NewRatingHandler panics if any dependency is nil.
func NewRatingHandler(gate *service.EligibilityGate, ratings *repository.RatingRepo) *RatingHandler {
	if gate == nil || ratings == nil {
		panic("nil dependency passed to NewRatingHandler")
	}
	return &RatingHandler{Gate: gate, Ratings: ratings}
}

type submitRatingRequest struct {
	Rating  int    `json:"rating" validate:"required,min=1,max=5"`
	Comment string `json:"comment" validate:"max=2000"`
}

// Eligibility handles GET /v1/sessions/:id/rating-eligibility.  The
// answer is advisory; Submit checks again.
func (h *RatingHandler) Eligibility(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	el, err := h.Gate.CanRate(c.Request().Context(), actor.ID, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, el)
}

// Submit handles POST /v1/sessions/:id/ratings.
func (h *RatingHandler) Submit(c echo.Context) error {
	actor, ok := actorFrom(c)
	if !ok {
		return unauthorized(c)
	}
	var req submitRatingRequest
	if err := decode(c, &req); err != nil {
		return badRequest(c, err)
	}
	rt, err := h.Gate.SubmitRating(c.Request().Context(), actor.ID, c.Param("id"), req.Rating, req.Comment)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, rt)
}

// List handles GET /v1/sessions/:id/ratings.
func (h *RatingHandler) List(c echo.Context) error {
	items, err := h.Ratings.ListBySession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if items == nil {
		items = []model.Rating{}
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}
