package internalapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/protocol"
)

// TriggerRun starts a run.
// POST /internal/runs
func (h *Handler) TriggerRun(c echo.Context) error {
	var req protocol.TriggerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, protocol.TriggerResponse{
			Code:  protocol.ErrorCodeInvalidTrigger,
			Error: "invalid request body",
		})
	}

	res, err := h.service.Trigger(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTrigger) {
			return c.JSON(http.StatusBadRequest, protocol.TriggerResponse{
				Code:  protocol.ErrorCodeInvalidTrigger,
				Error: err.Error(),
			})
		}
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}

	if res.Duplicate {
		return c.JSON(http.StatusConflict, protocol.TriggerResponse{
			RunID: res.RunID,
			Code:  protocol.ErrorCodeDuplicateTrigger,
			Error: "idempotency key already bound to " + res.RunID,
		})
	}
	return c.JSON(http.StatusCreated, protocol.TriggerResponse{Accepted: true, RunID: res.RunID})
}

// GetSnapshot returns the full state of a run.
// GET /internal/runs/:run_id
func (h *Handler) GetSnapshot(c echo.Context) error {
	snap, err := h.service.Snapshot(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// ReportErrorRequest is the body of an errored report.
type ReportErrorRequest struct {
	Message string `json:"message"`
}

// ReportError marks a run errored.
// POST /internal/runs/:run_id/error
func (h *Handler) ReportError(c echo.Context) error {
	var req ReportErrorRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	run, err := h.service.ReportError(c.Request().Context(), c.Param("run_id"), req.Message)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":  run.RunID,
		"errored": run.Errored,
	})
}
