package colony

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/appctx"
	"github.com/Ramsey-B/fern/internal/tracing"
	colonypkg "github.com/Ramsey-B/fern/pkg/colony"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
)

type Recorder interface {
	Observation(ctx context.Context, in colonypkg.ObservationInput) (*models.Observation, bool, error)
}

type Estimator interface {
	Estimate(ctx context.Context, placeID string, asOf time.Time) (*colonypkg.Estimate, error)
}

type Handler struct {
	recorder  Recorder
	estimator Estimator
}

func NewHandler(recorder Recorder, estimator Estimator) *Handler {
	return &Handler{recorder: recorder, estimator: estimator}
}

// Register registers colony routes under the places group
func (h *Handler) Register(g *echo.Group) {
	g.POST("/:id/observations", h.RecordObservation)
	g.GET("/:id/estimate", h.GetEstimate)
}

// RecordObservation stores one colony size report for a place
// @Summary Record a colony observation
// @Tags Colony
// @Accept json
// @Produce json
// @Param id path string true "Place ID"
// @Param body body colonypkg.ObservationInput true "Observation"
// @Success 201 {object} models.Observation
// @Success 200 {object} models.Observation "already recorded"
// @Failure 422 {object} httperror.HTTPError
// @Router /api/v1/places/{id}/observations [post]
func (h *Handler) RecordObservation(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "colony_handler.RecordObservation")
	defer span.End()

	var in colonypkg.ObservationInput
	if err := c.Bind(&in); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.PlaceID = c.Param("id")
	if in.SourceSystem == "" {
		in.SourceSystem = appctx.GetSourceSystem(ctx)
	}

	obs, inserted, err := h.recorder.Observation(ctx, in)
	if err != nil {
		return resolution.ToHTTPError(err)
	}
	if !inserted {
		return c.JSON(http.StatusOK, obs)
	}
	return c.JSON(http.StatusCreated, obs)
}

// GetEstimate returns the confidence-weighted colony estimate for a place
// @Summary Get a colony estimate
// @Tags Colony
// @Produce json
// @Param id path string true "Place ID"
// @Param as_of query string false "RFC3339 timestamp; defaults to now"
// @Success 200 {object} colonypkg.Estimate
// @Failure 404 {object} httperror.HTTPError
// @Router /api/v1/places/{id}/estimate [get]
func (h *Handler) GetEstimate(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "colony_handler.GetEstimate")
	defer span.End()

	var asOf time.Time
	if v := c.QueryParam("as_of"); v != "" {
		var err error
		if asOf, err = time.Parse(time.RFC3339, v); err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "as_of must be an RFC3339 timestamp")
		}
	}

	est, err := h.estimator.Estimate(ctx, c.Param("id"), asOf)
	if err != nil {
		return resolution.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, est)
}
