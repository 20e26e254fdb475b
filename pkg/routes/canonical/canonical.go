package canonical

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/resolution"
)

// Chainer follows merge chains
type Chainer interface {
	Chain(ctx context.Context, kind models.EntityKind, id string) ([]string, error)
	Family(ctx context.Context, kind models.EntityKind, id string) ([]string, error)
}

type Handler struct {
	ledger Chainer
}

func NewHandler(ledger Chainer) *Handler {
	return &Handler{ledger: ledger}
}

// Register registers canonical routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:kind/:id", h.GetCanonical)
}

// Response names the survivor of an id and how it got there
type Response struct {
	Kind        models.EntityKind `json:"kind"`
	ID          string            `json:"id"`
	CanonicalID string            `json:"canonical_id"`
	Chain       []string          `json:"chain"`
	Merged      bool              `json:"merged"`
	// Family lists every id that resolves to CanonicalID, survivor first
	Family []string `json:"family,omitempty"`
}

// GetCanonical resolves an entity id through its merge chain
// @Summary Canonicalize an entity id
// @Tags Canonical
// @Produce json
// @Param kind path string true "person, place or animal"
// @Param id path string true "Entity ID"
// @Param family query bool false "Include ids merged into the survivor"
// @Success 200 {object} Response
// @Failure 404 {object} httperror.HTTPError
// @Router /api/v1/canonical/{kind}/{id} [get]
func (h *Handler) GetCanonical(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "canonical_handler.GetCanonical")
	defer span.End()

	kind := models.EntityKind(c.Param("kind"))
	if !kind.Valid() {
		return httperror.NewHTTPError(http.StatusBadRequest, "kind must be person, place or animal")
	}
	id := c.Param("id")

	chain, err := h.ledger.Chain(ctx, kind, id)
	if err != nil {
		return resolution.ToHTTPError(err)
	}

	resp := Response{
		Kind:        kind,
		ID:          id,
		CanonicalID: chain[len(chain)-1],
		Chain:       chain,
		Merged:      len(chain) > 1,
	}
	if c.QueryParam("family") == "true" {
		if resp.Family, err = h.ledger.Family(ctx, kind, id); err != nil {
			return resolution.ToHTTPError(err)
		}
	}

	return c.JSON(http.StatusOK, resp)
}
