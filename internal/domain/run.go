package domain

import (
	"encoding/json"
	"time"
)

// Run represents one agent task execution. Status, Phase and
// CompletionReason are derived from the run's events.
type Run struct {
	RunID            string    `json:"run_id"`
	Status           RunStatus `json:"status"`
	Phase            RunPhase  `json:"phase"`
	CompletionReason string    `json:"completion_reason,omitempty"`
	CheckpointSeq    int64     `json:"checkpoint_seq"`
	PolicyProfile    string    `json:"policy_profile"`
	ModelRoute       string    `json:"model_route,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	ResumedFrom      string    `json:"resumed_from,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// RunEvent is an immutable, per-run sequence-numbered fact.
type RunEvent struct {
	RunID     string          `json:"run_id"`
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RunStep is derived incrementally from step-lifecycle events.
type RunStep struct {
	RunID             string          `json:"run_id"`
	StepID            string          `json:"step_id"`
	ParentStepID      string          `json:"parent_step_id,omitempty"`
	Name              string          `json:"name"`
	Status            StepStatus      `json:"status"`
	Kind              string          `json:"kind"`
	Attempt           int             `json:"attempt"`
	PolicyDecision    string          `json:"policy_decision,omitempty"`
	Dependencies      []string        `json:"dependencies,omitempty"`
	ExpectedArtifacts []string        `json:"expected_artifacts,omitempty"`
	Diagnostics       json.RawMessage `json:"diagnostics,omitempty"`
	FirstSeq          int64           `json:"first_seq"`
	LastSeq           int64           `json:"last_seq"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}
