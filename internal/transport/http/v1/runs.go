package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

const maxListRuns = 500

// CancelRunRequest carries an optional cancellation reason.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CreateRun registers a run.
// POST /v1/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var req domain.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.service.CreateRun(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// ListRuns lists runs, newest first.
// GET /v1/runs?limit=
func (h *Handler) ListRuns(c echo.Context) error {
	limit, ok := queryInt64(c, "limit")
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
	}
	if limit == 0 || limit > maxListRuns {
		limit = maxListRuns
	}

	runs, err := h.service.ListRuns(c.Request().Context(), int(limit))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}

// GetRun returns a run's derived state.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListRunSteps returns the steps derived from a run's events.
// GET /v1/runs/:run_id/steps
func (h *Handler) ListRunSteps(c echo.Context) error {
	runID := c.Param("run_id")
	steps, err := h.service.ListRunSteps(c.Request().Context(), runID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"steps":  steps,
	})
}

// CancelRun cancels a run and its managed processes.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	var req CancelRunRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}

	resp, err := h.service.CancelRun(c.Request().Context(), c.Param("run_id"), req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
