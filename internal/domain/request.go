package domain

import (
	"encoding/json"
	"time"
)

// CreateRunRequest represents the request to create a run.
type CreateRunRequest struct {
	RunID         string   `json:"run_id,omitempty"`
	PolicyProfile string   `json:"policy_profile,omitempty"`
	ModelRoute    string   `json:"model_route,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	ResumedFrom   string   `json:"resumed_from,omitempty"`
}

// AppendEventRequest is a worker-submitted event. Callers never supply seq.
type AppendEventRequest struct {
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Source    string          `json:"source,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ListEventsResponse represents the response for listing run events.
type ListEventsResponse struct {
	RunID  string     `json:"run_id"`
	Events []RunEvent `json:"events"`
}

// CancelRunResponse is returned after a cancellation request.
type CancelRunResponse struct {
	RunID            string    `json:"run_id"`
	Status           RunStatus `json:"status"`
	StoppedProcesses int       `json:"stopped_processes"`
	Errors           []string  `json:"errors,omitempty"`
}
