package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRecordAndServe(t *testing.T) {
	m := New(func() float64 { return 2 })
	m.EventAppended("run.started")
	m.EventAppended("run.started")
	m.ToolInvoked("workspace.read", "completed", 10*time.Millisecond)
	m.ToolInvoked("workspace.read", "deduped", 0)
	m.PolicyDenied("readonly")
	m.BrokerDropped()
	m.ProcessesReaped(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "runplane_managed_processes_live 2"), body)
	assert.Contains(t, body, `runplane_policy_denials_total{profile="readonly"} 1`)
	assert.Contains(t, body, `runplane_run_events_appended_total{type="run.started"} 2`)
	assert.Contains(t, body, `runplane_tool_invocations_total{outcome="deduped",tool="workspace.read"} 1`)
	assert.Contains(t, body, "runplane_managed_processes_reaped_total 3")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventAppended("x")
	m.ToolInvoked("t", "completed", time.Second)
	m.PolicyDenied("p")
	m.BrokerDropped()
	m.ProcessesReaped(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
