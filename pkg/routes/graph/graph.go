package graph

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/tracing"
	graphpkg "github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
)

type NeighborFinder interface {
	Neighbors(ctx context.Context, kind models.EntityKind, id string, limit int) ([]graphpkg.Neighbor, error)
}

// Handler handles graph exploration endpoints
type Handler struct {
	finder NeighborFinder
}

// NewHandler creates a new graph handler. finder may be nil when the graph is disabled.
func NewHandler(finder NeighborFinder) *Handler {
	return &Handler{finder: finder}
}

// Register registers the graph routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/neighbors/:kind/:id", h.FindNeighbors)
}

// FindNeighbors lists nodes linked to an entity
// @Summary Find neighbors of an entity
// @Tags Graph
// @Produce json
// @Param kind path string true "person, place or animal"
// @Param id path string true "Entity ID"
// @Param limit query int false "Maximum neighbors"
// @Success 200 {array} graphpkg.Neighbor
// @Failure 503 {object} httperror.HTTPError
// @Router /api/v1/graph/neighbors/{kind}/{id} [get]
func (h *Handler) FindNeighbors(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "graph_handler.FindNeighbors")
	defer span.End()

	if h.finder == nil {
		// the graph database is optional
		return httperror.NewHTTPError(http.StatusServiceUnavailable, "graph projection is disabled")
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return httperror.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	neighbors, err := h.finder.Neighbors(ctx, models.EntityKind(c.Param("kind")), c.Param("id"), limit)
	if err != nil {
		return resolution.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, neighbors)
}
