package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

const (
	maxListEvents = 1000

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// errRunEnded stops a stream after the run's terminal event was sent.
var errRunEnded = errors.New("run ended")

// GetRunEvents returns events for a run.
// GET /v1/runs/:run_id/events?after_seq=&limit=
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	afterSeq, ok := queryInt64(c, "after_seq")
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid after_seq"})
	}
	limit, ok := queryInt64(c, "limit")
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
	}
	if limit == 0 || limit > maxListEvents {
		limit = maxListEvents
	}

	events, err := h.service.ListEvents(c.Request().Context(), runID, afterSeq, int(limit))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, domain.ListEventsResponse{RunID: runID, Events: events})
}

// streamStart returns the seq to resume after: the after_seq query
// parameter, else the SSE Last-Event-ID header.
func streamStart(c echo.Context) (int64, bool) {
	if c.QueryParam("after_seq") != "" {
		return queryInt64(c, "after_seq")
	}
	if last := c.Request().Header.Get("Last-Event-ID"); last != "" {
		v, err := strconv.ParseInt(last, 10, 64)
		return v, err == nil && v >= 0
	}
	return 0, true
}

// StreamRunEvents streams a run's events via SSE until the client leaves or
// the run reaches a terminal status.
// GET /v1/runs/:run_id/events/stream
func (h *Handler) StreamRunEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	afterSeq, ok := streamStart(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid after_seq"})
	}
	if _, err := h.service.GetRun(ctx, runID); err != nil {
		return writeError(c, err)
	}

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	err := h.service.StreamEvents(ctx, runID, afterSeq, func(event domain.RunEvent) error {
		if err := sendSSEEvent(c, event); err != nil {
			return err
		}
		if event.Type.EndsRun() {
			return errRunEnded
		}
		return nil
	})
	if err != nil && !errors.Is(err, errRunEnded) {
		h.logger.Warn("event stream stopped", "run_id", runID, "error", err)
	}
	return nil
}

// sendSSEEvent sends a single event in SSE format.
func sendSSEEvent(c echo.Context, event domain.RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w := c.Response()
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// StreamRunEventsWS streams a run's events over a websocket, one JSON event
// per text message.
// GET /v1/runs/:run_id/events/ws
func (h *Handler) StreamRunEventsWS(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")
	afterSeq, ok := queryInt64(c, "after_seq")
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid after_seq"})
	}
	if _, err := h.service.GetRun(ctx, runID); err != nil {
		return writeError(c, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "run_id", runID, "error", err)
		return nil
	}
	defer conn.Close()

	// The request context is not cancelled when a hijacked connection
	// closes; the read loop below does that.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	write := func(messageType int, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(messageType, data)
	}

	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err = h.service.StreamEvents(ctx, runID, afterSeq, func(event domain.RunEvent) error {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		return write(websocket.TextMessage, data)
	})
	if err != nil {
		h.logger.Warn("websocket stream stopped", "run_id", runID, "error", err)
	}
	_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
