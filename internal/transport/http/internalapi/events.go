package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// AppendEvent ingests a worker event. The run id in the path, when present,
// takes precedence over the body.
// POST /internal/runs/:run_id/events
// POST /internal/events
func (h *Handler) AppendEvent(c echo.Context) error {
	var req domain.AppendEventRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if runID := c.Param("run_id"); runID != "" {
		req.RunID = runID
	}

	event, err := h.service.AppendEvent(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, event)
}
