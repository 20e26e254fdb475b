package resolve

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/appctx"
	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/animal"
	"github.com/Ramsey-B/fern/pkg/person"
	"github.com/Ramsey-B/fern/pkg/place"
	"github.com/Ramsey-B/fern/pkg/resolution"
)

// Ingester is the resolve half of the intake processor
type Ingester interface {
	Person(ctx context.Context, rec person.Record) (*resolution.Result, error)
	Place(ctx context.Context, rec place.Record) (*resolution.Result, error)
	Animal(ctx context.Context, rec animal.Record) (*resolution.Result, error)
}

// Handler serves synchronous resolution for callers that need the canonical id back
type Handler struct {
	ingester Ingester
}

func NewHandler(ingester Ingester) *Handler {
	return &Handler{ingester: ingester}
}

// Register registers resolve routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/persons/resolve", h.ResolvePerson)
	g.POST("/places/resolve", h.ResolvePlace)
	g.POST("/animals/resolve", h.ResolveAnimal)
}

// sourceSystem falls back to the X-Source-System header
func sourceSystem(ctx context.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return appctx.GetSourceSystem(ctx)
}

func respond(c echo.Context, result *resolution.Result, err error) error {
	if err != nil {
		return resolution.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// ResolvePerson resolves one person record
// @Summary Resolve a person
// @Tags Resolve
// @Accept json
// @Produce json
// @Param body body person.Record true "Person record"
// @Success 200 {object} resolution.Result
// @Failure 422 {object} httperror.HTTPError
// @Router /api/v1/persons/resolve [post]
func (h *Handler) ResolvePerson(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "resolve_handler.ResolvePerson")
	defer span.End()

	var rec person.Record
	if err := c.Bind(&rec); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec.SourceSystem = sourceSystem(ctx, rec.SourceSystem)

	result, err := h.ingester.Person(ctx, rec)
	return respond(c, result, err)
}

// ResolvePlace resolves one place record
// @Summary Resolve a place
// @Tags Resolve
// @Accept json
// @Produce json
// @Param body body place.Record true "Place record"
// @Success 200 {object} resolution.Result
// @Failure 422 {object} httperror.HTTPError
// @Router /api/v1/places/resolve [post]
func (h *Handler) ResolvePlace(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "resolve_handler.ResolvePlace")
	defer span.End()

	var rec place.Record
	if err := c.Bind(&rec); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec.SourceSystem = sourceSystem(ctx, rec.SourceSystem)

	result, err := h.ingester.Place(ctx, rec)
	return respond(c, result, err)
}

// ResolveAnimal resolves one animal record
// @Summary Resolve an animal
// @Tags Resolve
// @Accept json
// @Produce json
// @Param body body animal.Record true "Animal record"
// @Success 200 {object} resolution.Result
// @Failure 422 {object} httperror.HTTPError
// @Router /api/v1/animals/resolve [post]
func (h *Handler) ResolveAnimal(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "resolve_handler.ResolveAnimal")
	defer span.End()

	var rec animal.Record
	if err := c.Bind(&rec); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec.SourceSystem = sourceSystem(ctx, rec.SourceSystem)
	if rec.Place != nil {
		rec.Place.SourceSystem = sourceSystem(ctx, rec.Place.SourceSystem)
	}

	result, err := h.ingester.Animal(ctx, rec)
	return respond(c, result, err)
}
