package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/appctx"
)

const (
	// HeaderOperator identifies the reviewer acting on the review queue
	HeaderOperator = "X-Operator"
	// HeaderSourceSystem tags records submitted over HTTP with their origin
	HeaderSourceSystem = "X-Source-System"
)

func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = appctx.SetRequestID(ctx, requestID)
			ctx = appctx.SetOperator(ctx, req.Header.Get(HeaderOperator))
			ctx = appctx.SetSourceSystem(ctx, req.Header.Get(HeaderSourceSystem))

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
