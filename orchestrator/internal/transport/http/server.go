// Package http provides the HTTP server implementation for the orchestrator.
package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/service"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/transport/http/internalapi"
)

// NewInternalServer creates and configures the internal-facing HTTP server.
// It serves ingress and out-of-process workflow workers. metricsHandler may
// be nil.
func NewInternalServer(svc *service.Service, metricsHandler http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}

	internalHandler := internalapi.NewHandler(svc)
	internalHandler.RegisterRoutes(e)

	return e
}
