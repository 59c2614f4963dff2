package internalapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
	"github.com/kvnkishore11/agentickanban/orchestrator/internal/hooks"
)

// StageResultRequest reports the outcome of an externally executed stage.
type StageResultRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ReportStageResult resolves a stage run by an out-of-process workflow.
// POST /internal/runs/:run_id/stages/:stage/result
func (h *Handler) ReportStageResult(c echo.Context) error {
	runID := c.Param("run_id")
	stage, err := domain.ParseStage(c.Param("stage"))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	var req StageResultRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}

	if err := h.service.ReportStageResult(c.Request().Context(), runID, stage, req.Success, req.Error); err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"stage":  stage,
		"ok":     true,
	})
}

// HookRequest is one telemetry hook reported by a workflow worker.
type HookRequest struct {
	Point      string          `json:"point"`
	Stage      string          `json:"stage,omitempty"`
	Model      string          `json:"model,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Content    string          `json:"content,omitempty"`
	StepSeq    int             `json:"step_seq,omitempty"`
}

// Context converts the request into a hook context.
func (r *HookRequest) Context() (domain.HookPoint, hooks.Context, error) {
	point, err := domain.ParseHookPoint(r.Point)
	if err != nil {
		return "", hooks.Context{}, err
	}
	hc := hooks.Context{
		Model:    r.Model,
		ToolName: r.ToolName,
		Input:    r.Input,
		Output:   r.Output,
		Success:  r.Success,
		Error:    r.Error,
		Duration: time.Duration(r.DurationMs) * time.Millisecond,
		Content:  r.Content,
		StepSeq:  r.StepSeq,
	}
	if r.Stage != "" {
		stage, err := domain.ParseStage(r.Stage)
		if err != nil {
			return "", hooks.Context{}, err
		}
		hc.Stage = stage
	}
	return point, hc, nil
}

// FireHook delivers worker telemetry to a run's hook dispatcher.
// POST /internal/runs/:run_id/hooks
func (h *Handler) FireHook(c echo.Context) error {
	runID := c.Param("run_id")

	var req HookRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	point, hc, err := req.Context()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	failed, err := h.service.FireHook(c.Request().Context(), runID, point, hc)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"failed": failed,
	})
}
