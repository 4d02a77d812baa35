// Package domain defines the core domain models for the run execution platform.
package domain

import "strings"

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "created"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further lifecycle transitions are expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunPhase represents the coarse phase of a run.
type RunPhase string

const (
	RunPhasePlanning  RunPhase = "planning"
	RunPhaseExecuting RunPhase = "executing"
	RunPhaseCompleted RunPhase = "completed"
	RunPhaseFailed    RunPhase = "failed"
	RunPhaseCancelled RunPhase = "cancelled"
)

// EventType is the dotted type string of a RunEvent.
type EventType string

const (
	// Run lifecycle
	EventTypeRunStarted      EventType = "run.started"
	EventTypeRunPhaseChanged EventType = "run.phase.changed"
	EventTypeRunCompleted    EventType = "run.completed"
	EventTypeRunPartial      EventType = "run.partial"
	EventTypeRunFailed       EventType = "run.failed"
	EventTypeRunCancelled    EventType = "run.cancelled"
	EventTypeRunResumed      EventType = "run.resumed"

	// Step lifecycle
	EventTypeStepPlanned   EventType = "step.planned"
	EventTypeStepStarted   EventType = "step.started"
	EventTypeStepCompleted EventType = "step.completed"
	EventTypeStepFailed    EventType = "step.failed"
	EventTypeStepCancelled EventType = "step.cancelled"

	// Tool gateway
	EventTypeToolStarted   EventType = "tool.started"
	EventTypeToolCompleted EventType = "tool.completed"
	EventTypeToolFailed    EventType = "tool.failed"
	EventTypeToolDeduped   EventType = "tool.deduped"
	EventTypePolicyDenied  EventType = "policy.denied"

	// Managed processes
	EventTypeProcessStarted EventType = "process.started"
	EventTypeProcessExited  EventType = "process.exited"
)

// NormalizeEventType trims, lower-cases and converts underscores to dots so
// that "RUN_STARTED" and "run.started" name the same event.
func NormalizeEventType(t string) EventType {
	return EventType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(t)), "_", "."))
}

// EndsRun reports whether the event moves a run to a terminal status.
func (t EventType) EndsRun() bool {
	switch t {
	case EventTypeRunCompleted, EventTypeRunPartial, EventTypeRunFailed, EventTypeRunCancelled:
		return true
	}
	return false
}

// StepStatus represents the status of a run step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusCancelled StepStatus = "cancelled"
	StepStatusDenied    StepStatus = "denied"
)

// ProcessStatus represents the status of a managed process.
type ProcessStatus string

const (
	ProcessStatusStarting ProcessStatus = "starting"
	ProcessStatusRunning  ProcessStatus = "running"
	ProcessStatusExited   ProcessStatus = "exited"
	ProcessStatusFailed   ProcessStatus = "failed"
)

// Terminal reports whether the process has finished.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessStatusExited || s == ProcessStatusFailed
}

// ToolStatus is the outcome reported in a tool invocation response.
type ToolStatus string

const (
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusFailed    ToolStatus = "failed"
)
