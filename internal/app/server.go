package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/internal/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/canonical"
	colonyroutes "github.com/Ramsey-B/fern/pkg/routes/colony"
	"github.com/Ramsey-B/fern/pkg/routes/decisions"
	graphroutes "github.com/Ramsey-B/fern/pkg/routes/graph"
	"github.com/Ramsey-B/fern/pkg/routes/resolve"
	reviewroutes "github.com/Ramsey-B/fern/pkg/routes/review"
)

// Router builds the HTTP API over the wired components
func (a *App) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomiddleware.Recover())
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: a.cfg.AllowOrigins,
		AllowMethods: a.cfg.AllowMethods,
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	a.Health.RegisterRoutes(e)

	api := e.Group("/api/v1")
	resolve.NewHandler(a.Processor).Register(api)
	canonical.NewHandler(a.Ledger).Register(api.Group("/canonical"))
	decisions.NewHandler(a.Ledger).Register(api.Group("/decisions"))
	reviewroutes.NewHandler(a.Review).Register(api.Group("/review"))
	colonyroutes.NewHandler(a.Processor, a.Colony).Register(api.Group("/places"))

	var finder graphroutes.NeighborFinder
	if a.Projector != nil {
		finder = a.Projector
	}
	graphroutes.NewHandler(finder).Register(api.Group("/graph"))

	return e
}

// Serve runs the consumer and the HTTP server until ctx is cancelled, then drains both
func (a *App) Serve(ctx context.Context) error {
	if err := a.StartConsumer(ctx); err != nil {
		return err
	}

	e := a.Router()
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(a.cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.WithContext(ctx).WithField("port", a.cfg.Port).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	a.Health.SetReady(true)

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.Health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	a.logger.WithContext(ctx).Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
