package review

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/appctx"
	"github.com/Ramsey-B/fern/internal/tracing"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/processor"
	"github.com/Ramsey-B/fern/pkg/resolution"
	reviewpkg "github.com/Ramsey-B/fern/pkg/review"
	"github.com/Ramsey-B/fern/pkg/routes/decisions"
)

type Queue interface {
	Pending(ctx context.Context, kind models.EntityKind, limit, offset int) ([]models.Decision, error)
	Resolve(ctx context.Context, req reviewpkg.Request) (*models.Decision, error)
}

type Handler struct {
	queue Queue
}

func NewHandler(queue Queue) *Handler {
	return &Handler{queue: queue}
}

// Register registers review queue routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.ListPending)
	g.POST("/:id/accept", h.Accept)
	g.POST("/:id/reject", h.Reject)
}

// ListPending lists open review items, oldest first
// @Summary List pending review items
// @Tags Review
// @Produce json
// @Param kind query string false "person, place or animal"
// @Success 200 {array} models.Decision
// @Router /api/v1/review [get]
func (h *Handler) ListPending(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "review_handler.ListPending")
	defer span.End()

	kind := models.EntityKind(c.QueryParam("kind"))
	if kind != "" && !kind.Valid() {
		return httperror.NewHTTPError(http.StatusBadRequest, "kind must be person, place or animal")
	}
	limit, offset, err := decisions.Page(c)
	if err != nil {
		return err
	}

	items, err := h.queue.Pending(ctx, kind, limit, offset)
	if err != nil {
		return resolution.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// Accept merges a review item into its candidate
// @Summary Accept a review item
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Decision ID"
// @Param body body reviewpkg.Request false "Operator and note"
// @Success 200 {object} models.Decision
// @Failure 409 {object} httperror.HTTPError
// @Router /api/v1/review/{id}/accept [post]
func (h *Handler) Accept(c echo.Context) error {
	return h.resolve(c, reviewpkg.ActionAccept)
}

// Reject keeps a review item separate from its candidate
// @Summary Reject a review item
// @Tags Review
// @Accept json
// @Produce json
// @Param id path string true "Decision ID"
// @Param body body reviewpkg.Request false "Operator and note"
// @Success 200 {object} models.Decision
// @Failure 409 {object} httperror.HTTPError
// @Router /api/v1/review/{id}/reject [post]
func (h *Handler) Reject(c echo.Context) error {
	return h.resolve(c, reviewpkg.ActionReject)
}

func (h *Handler) resolve(c echo.Context, action reviewpkg.Action) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "review_handler.resolve")
	defer span.End()

	var req reviewpkg.Request
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	req.DecisionID = c.Param("id")
	req.Action = action
	if req.Operator == "" {
		req.Operator = appctx.GetOperator(ctx)
	}
	if err := processor.Validate(req); err != nil {
		return resolution.ToHTTPError(err)
	}

	d, err := h.queue.Resolve(ctx, req)
	if err != nil {
		return resolution.ToHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}
