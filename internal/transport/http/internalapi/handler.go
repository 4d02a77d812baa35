// Package internalapi provides HTTP handlers for internal runplane APIs.
// These APIs are only reachable by workers running inside the deployment.
package internalapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runplane/internal/service"
)

// Handler handles internal HTTP requests from workers.
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
	// Event ingestion
	e.POST("/internal/runs/:run_id/events", h.AppendEvent)
	e.POST("/internal/events", h.AppendEvent)

	// Run management
	e.POST("/internal/runs/:run_id/cancel", h.CancelRun)
}

func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrRunNotFound):
		status = http.StatusNotFound
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
