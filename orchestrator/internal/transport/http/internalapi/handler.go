// Package internalapi provides HTTP handlers for internal orchestrator APIs.
// These APIs are only accessible to the ingress service and workflow workers.
package internalapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/service"
)

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Run management
	e.POST("/internal/runs", h.TriggerRun)
	e.GET("/internal/runs/:run_id", h.GetSnapshot)
	e.POST("/internal/runs/:run_id/error", h.ReportError)

	// Event replay
	e.GET("/internal/runs/:run_id/events", h.GetRunEvents)

	// Workflow workers
	e.POST("/internal/runs/:run_id/stages/:stage/result", h.ReportStageResult)
	e.POST("/internal/runs/:run_id/hooks", h.FireHook)
}

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]string{"error": msg})
}

// serviceError maps service errors onto HTTP statuses.
func serviceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrRunNotFound):
		return errorJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrRunNotActive), errors.Is(err, service.ErrExternalDisabled):
		return errorJSON(c, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidTrigger):
		return errorJSON(c, http.StatusBadRequest, err.Error())
	default:
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
}
