// Package metrics exposes Prometheus instrumentation for runplane.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	eventsAppended  *prometheus.CounterVec
	toolInvocations *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	policyDenials   *prometheus.CounterVec
	brokerDrops     prometheus.Counter
	processesReaped prometheus.Counter
	managedLive     prometheus.GaugeFunc
}

// New registers the collectors on a dedicated registry. liveProcesses, when
// non-nil, reports the current number of non-terminal managed processes.
func New(liveProcesses func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runplane",
			Name:      "run_events_appended_total",
			Help:      "Run events appended, by type.",
		}, []string{"type"}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runplane",
			Name:      "tool_invocations_total",
			Help:      "Tool invocations, by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "runplane",
			Name:      "tool_invocation_duration_seconds",
			Help:      "Wall time of executed tool invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		policyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runplane",
			Name:      "policy_denials_total",
			Help:      "Tool invocations denied by policy, by profile.",
		}, []string{"profile"}),
		brokerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runplane",
			Name:      "broker_dropped_events_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}),
		processesReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runplane",
			Name:      "managed_processes_reaped_total",
			Help:      "Terminal managed processes evicted by the reaper.",
		}),
	}
	reg.MustRegister(m.eventsAppended, m.toolInvocations, m.toolDuration, m.policyDenials, m.brokerDrops, m.processesReaped)
	if liveProcesses != nil {
		m.managedLive = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "runplane",
			Name:      "managed_processes_live",
			Help:      "Managed processes that have not exited.",
		}, liveProcesses)
		reg.MustRegister(m.managedLive)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	m.eventsAppended.WithLabelValues(eventType).Inc()
}

// ToolInvoked records one gateway outcome: completed, failed, deduped or denied.
func (m *Metrics) ToolInvoked(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolInvocations.WithLabelValues(tool, outcome).Inc()
	if outcome == "completed" || outcome == "failed" {
		m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

func (m *Metrics) PolicyDenied(profile string) {
	if m == nil {
		return
	}
	m.policyDenials.WithLabelValues(profile).Inc()
}

func (m *Metrics) BrokerDropped() {
	if m == nil {
		return
	}
	m.brokerDrops.Inc()
}

func (m *Metrics) ProcessesReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.processesReaped.Add(float64(n))
}
