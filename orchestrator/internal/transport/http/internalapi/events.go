package internalapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/kvnkishore11/agentickanban/protocol"
)

const maxEventsLimit = 1000

// EventsResponse is the body of an event replay.
type EventsResponse struct {
	RunID   string            `json:"run_id"`
	Events  []*protocol.Event `json:"events"`
	LastSeq int64             `json:"last_seq"`
}

// GetRunEvents replays recorded events after a sequence.
// GET /internal/runs/:run_id/events?after_seq=&limit=
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	ctx := c.Request().Context()

	var afterSeq int64
	if v := c.QueryParam("after_seq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			return errorJSON(c, http.StatusBadRequest, "after_seq must be a non-negative integer")
		}
		afterSeq = parsed
	}

	limit := maxEventsLimit
	if v := c.QueryParam("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		if parsed < limit {
			limit = parsed
		}
	}

	if _, err := h.service.GetRun(ctx, runID); err != nil {
		return serviceError(c, err)
	}

	events, err := h.service.Events(ctx, runID, afterSeq, limit)
	if err != nil {
		return serviceError(c, err)
	}
	if events == nil {
		events = []*protocol.Event{}
	}

	lastSeq := afterSeq
	if len(events) > 0 {
		lastSeq = events[len(events)-1].Seq
	}
	return c.JSON(http.StatusOK, EventsResponse{RunID: runID, Events: events, LastSeq: lastSeq})
}
