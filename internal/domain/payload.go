package domain

import "encoding/json"

// RunOutcomePayload is carried by run.completed, run.partial and run.failed.
type RunOutcomePayload struct {
	CompletionReason string `json:"completion_reason,omitempty"`
}

// RunPhaseChangedPayload is carried by run.phase.changed.
type RunPhaseChangedPayload struct {
	Phase RunPhase `json:"phase"`
}

// RunResumedPayload is carried by run.resumed.
type RunResumedPayload struct {
	ResumedFrom string `json:"resumed_from,omitempty"`
}

// RunCancelledPayload is carried by run.cancelled.
type RunCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// StepPayload is the common shape of step-lifecycle payloads. Tool events
// reuse it, keyed by invocation id when no step id is given.
type StepPayload struct {
	StepID            string          `json:"step_id,omitempty"`
	InvocationID      string          `json:"invocation_id,omitempty"`
	ParentStepID      string          `json:"parent_step_id,omitempty"`
	Name              string          `json:"name,omitempty"`
	Kind              string          `json:"kind,omitempty"`
	Attempt           int             `json:"attempt,omitempty"`
	PolicyDecision    string          `json:"policy_decision,omitempty"`
	Dependencies      []string        `json:"dependencies,omitempty"`
	ExpectedArtifacts []string        `json:"expected_artifacts,omitempty"`
	Error             string          `json:"error,omitempty"`
	Diagnostics       json.RawMessage `json:"diagnostics,omitempty"`
}

// ToolEventPayload is emitted by the gateway for tool.* events.
type ToolEventPayload struct {
	InvocationID string         `json:"invocation_id"`
	ToolName     string         `json:"tool_name"`
	Name         string         `json:"name,omitempty"`
	Kind         string         `json:"kind,omitempty"`
	Profile      string         `json:"profile,omitempty"`
	StatusCode   int            `json:"status_code,omitempty"`
	ReasonCode   string         `json:"reason_code,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
	Artifacts    []Artifact     `json:"artifacts,omitempty"`
	Diagnostics  map[string]any `json:"diagnostics,omitempty"`
}

// PolicyDeniedPayload is emitted when the tool policy gate denies a call.
type PolicyDeniedPayload struct {
	InvocationID   string `json:"invocation_id"`
	ToolName       string `json:"tool_name"`
	Name           string `json:"name,omitempty"`
	Kind           string `json:"kind,omitempty"`
	Profile        string `json:"profile"`
	ReasonCode     string `json:"reason_code"`
	PolicyDecision string `json:"policy_decision"`
}

// ProcessEventPayload is emitted for managed process lifecycle changes.
type ProcessEventPayload struct {
	ProcessID string        `json:"process_id"`
	Command   string        `json:"command"`
	Args      []string      `json:"args,omitempty"`
	PID       int           `json:"pid,omitempty"`
	Status    ProcessStatus `json:"status"`
	ExitCode  *int          `json:"exit_code,omitempty"`
	Signal    string        `json:"signal,omitempty"`
	Error     string        `json:"error,omitempty"`
}
