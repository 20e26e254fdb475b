package decisions

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
)

const maxPageSize = 500

type Reader interface {
	Decisions(ctx context.Context, filter models.DecisionFilter) ([]models.Decision, error)
	Decision(ctx context.Context, id string) (*models.Decision, error)
}

type Handler struct {
	ledger Reader
}

func NewHandler(ledger Reader) *Handler {
	return &Handler{ledger: ledger}
}

// Register registers decision log routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.ListDecisions)
	g.GET("/:id", h.GetDecision)
}

// Page parses limit/offset query params
func Page(c echo.Context) (limit, offset int, err error) {
	limit, offset = 100, 0
	if v := c.QueryParam("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, httperror.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v := c.QueryParam("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, httperror.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// ListDecisions lists the decision log, newest rows last
// @Summary List decisions
// @Tags Decisions
// @Produce json
// @Param entity_kind query string false "person, place or animal"
// @Param entity_id query string false "Entity ID"
// @Param outcome query string false "Outcome"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {array} models.Decision
// @Router /api/v1/decisions [get]
func (h *Handler) ListDecisions(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "decisions_handler.ListDecisions")
	defer span.End()

	limit, offset, err := Page(c)
	if err != nil {
		return err
	}

	filter := models.DecisionFilter{
		EntityKind: models.EntityKind(c.QueryParam("entity_kind")),
		EntityID:   c.QueryParam("entity_id"),
		Outcome:    models.DecisionOutcome(c.QueryParam("outcome")),
		Limit:      limit,
		Offset:     offset,
	}
	if filter.EntityKind != "" && !filter.EntityKind.Valid() {
		return httperror.NewHTTPError(http.StatusBadRequest, "entity_kind must be person, place or animal")
	}

	items, err := h.ledger.Decisions(ctx, filter)
	if err != nil {
		return resolution.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// GetDecision returns one decision
// @Summary Get a decision
// @Tags Decisions
// @Produce json
// @Param id path string true "Decision ID"
// @Success 200 {object} models.Decision
// @Failure 404 {object} httperror.HTTPError
// @Router /api/v1/decisions/{id} [get]
func (h *Handler) GetDecision(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "decisions_handler.GetDecision")
	defer span.End()

	d, err := h.ledger.Decision(ctx, c.Param("id"))
	if err != nil {
		return resolution.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}
