package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/v1/runs/r1/events/ws?after_seq=3"},
		{"https://runplane.example.com/", "wss://runplane.example.com/v1/runs/r1/events/ws?after_seq=3"},
		{"http://proxy/runplane", "ws://proxy/runplane/v1/runs/r1/events/ws?after_seq=3"},
	}
	for _, tt := range tests {
		got, err := streamURL(tt.base, "r1", 3)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestFetchEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/runs/r1/events" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"run not found"}`))
			return
		}
		assert.Equal(t, "2", r.URL.Query().Get("after_seq"))
		_ = json.NewEncoder(w).Encode(domain.ListEventsResponse{
			RunID: "r1",
			Events: []domain.RunEvent{
				{RunID: "r1", Seq: 3, Type: domain.EventTypeStepStarted, Payload: json.RawMessage(`{"step_id":"s1"}`)},
			},
		})
	}))
	defer srv.Close()

	events, err := fetchEvents(context.Background(), srv.URL, "r1", 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Seq)

	_, err = fetchEvents(context.Background(), srv.URL, "other", 2, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestPrintEvent(t *testing.T) {
	event := domain.RunEvent{
		RunID:     "r1",
		Seq:       7,
		Type:      domain.EventTypeRunStarted,
		Timestamp: time.Now(),
		Payload:   json.RawMessage(`{}`),
	}

	var buf bytes.Buffer
	require.NoError(t, printEvent(&buf, event, false))
	assert.Contains(t, buf.String(), "run.started")
	assert.NotContains(t, buf.String(), "{}")

	buf.Reset()
	require.NoError(t, printEvent(&buf, event, true))
	var decoded domain.RunEvent
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, int64(7), decoded.Seq)
}
