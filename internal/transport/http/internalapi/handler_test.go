package internalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runplane/internal/broker"
	"github.com/xiaot623/gogo/runplane/internal/domain"
	"github.com/xiaot623/gogo/runplane/internal/logging"
	"github.com/xiaot623/gogo/runplane/internal/repository"
	"github.com/xiaot623/gogo/runplane/internal/service"
	"github.com/xiaot623/gogo/runplane/tests/helpers"
)

func setup(t *testing.T) (*echo.Echo, *repository.SQLiteStore) {
	t.Helper()
	store := helpers.NewTestSQLiteStore(t)
	svc := service.New(service.Deps{
		Store:  store,
		Broker: broker.New(broker.DefaultQueueSize),
		Logger: logging.NewForTest(),
	})
	e := echo.New()
	NewHandler(svc).RegisterRoutes(e)
	return e, store
}

func post(e *echo.Echo, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAppendEvent(t *testing.T) {
	e, store := setup(t)
	helpers.CreateTestRun(t, store, "r1")

	rec := post(e, "/internal/runs/r1/events", `{"run_id":"ignored","type":"run.started","source":"worker"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var event domain.RunEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	assert.Equal(t, "r1", event.RunID)
	assert.Equal(t, int64(1), event.Seq)
	assert.Equal(t, domain.EventTypeRunStarted, event.Type)

	rec = post(e, "/internal/events", `{"run_id":"r1","type":"step.started","payload":{"step_id":"s1"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	assert.Equal(t, int64(2), event.Seq)

	run, err := store.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
}

func TestAppendEventErrors(t *testing.T) {
	e, store := setup(t)
	helpers.CreateTestRun(t, store, "r1")

	tests := []struct {
		name   string
		target string
		body   string
		status int
	}{
		{"missing type", "/internal/runs/r1/events", `{}`, http.StatusBadRequest},
		{"malformed body", "/internal/runs/r1/events", `{"type":`, http.StatusBadRequest},
		{"missing run id", "/internal/events", `{"type":"run.started"}`, http.StatusBadRequest},
		{"unknown run", "/internal/runs/nope/events", `{"type":"run.started"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(e, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	events, err := store.ListEvents(context.Background(), "r1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCancelRun(t *testing.T) {
	e, store := setup(t)
	helpers.CreateTestRun(t, store, "r1")

	rec := post(e, "/internal/runs/r1/cancel", `{"reason":"worker shutdown"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.CancelRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.RunStatusCancelled, resp.Status)

	rec = post(e, "/internal/runs/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
