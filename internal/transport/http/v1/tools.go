package v1

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// InvokeTool handles tool invocation. The tool name comes from the path on
// /v1/tools/:tool_name/invoke and from the body otherwise; run id and
// idempotency key may also arrive as X-Run-ID and Idempotency-Key headers.
// POST /v1/tools/invoke
// POST /v1/tools/:tool_name/invoke
func (h *Handler) InvokeTool(c echo.Context) error {
	var req domain.ToolInvokeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if toolName := strings.TrimSpace(c.Param("tool_name")); toolName != "" {
		if body := strings.TrimSpace(req.ToolName); body != "" && body != toolName {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "tool_name in body does not match path"})
		}
		req.ToolName = toolName
	}
	if strings.TrimSpace(req.RunID) == "" {
		req.RunID = c.Request().Header.Get("X-Run-ID")
	}
	if req.Key() == "" {
		req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}

	res, err := h.service.InvokeTool(c.Request().Context(), req)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSONBlob(res.StatusCode, res.Body)
}
