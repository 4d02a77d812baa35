package repository

import (
	"encoding/json"
	"strings"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// buildStep derives the partial RunStep carried by one event. The second
// result is false for events that do not describe a step.
func buildStep(event *domain.RunEvent) (domain.RunStep, bool) {
	var status domain.StepStatus
	kind := ""
	started, finished := false, false

	switch event.Type {
	case domain.EventTypeStepPlanned:
		status = domain.StepStatusPending
	case domain.EventTypeStepStarted:
		status = domain.StepStatusRunning
		started = true
	case domain.EventTypeStepCompleted:
		status = domain.StepStatusCompleted
		finished = true
	case domain.EventTypeStepFailed:
		status = domain.StepStatusFailed
		finished = true
	case domain.EventTypeStepCancelled:
		status = domain.StepStatusCancelled
		finished = true
	case domain.EventTypeToolStarted:
		status, kind, started = domain.StepStatusRunning, "tool", true
	case domain.EventTypeToolCompleted:
		status, kind, finished = domain.StepStatusCompleted, "tool", true
	case domain.EventTypeToolFailed:
		status, kind, finished = domain.StepStatusFailed, "tool", true
	case domain.EventTypePolicyDenied:
		status, kind, finished = domain.StepStatusDenied, "tool", true
	default:
		// Run, process and unknown event types do not touch steps.
		return domain.RunStep{}, false
	}

	var payload domain.StepPayload
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return domain.RunStep{}, false
		}
	}
	stepID := strings.TrimSpace(payload.StepID)
	if stepID == "" {
		stepID = strings.TrimSpace(payload.InvocationID)
	}
	if stepID == "" {
		return domain.RunStep{}, false
	}
	if strings.TrimSpace(payload.Kind) != "" {
		kind = strings.TrimSpace(payload.Kind)
	}
	policyDecision := strings.TrimSpace(payload.PolicyDecision)
	if event.Type == domain.EventTypePolicyDenied && policyDecision == "" {
		policyDecision = "deny"
	}

	step := domain.RunStep{
		RunID:             event.RunID,
		StepID:            stepID,
		ParentStepID:      strings.TrimSpace(payload.ParentStepID),
		Name:              strings.TrimSpace(payload.Name),
		Status:            status,
		Kind:              kind,
		Attempt:           payload.Attempt,
		PolicyDecision:    policyDecision,
		Dependencies:      payload.Dependencies,
		ExpectedArtifacts: payload.ExpectedArtifacts,
		Diagnostics:       stepDiagnostics(event, payload),
		FirstSeq:          event.Seq,
		LastSeq:           event.Seq,
	}
	ts := event.Timestamp
	if started {
		step.StartedAt = &ts
	}
	if finished {
		step.CompletedAt = &ts
	}
	return step, true
}

// stepDiagnostics folds the payload diagnostics object together with the
// event's own bookkeeping into one JSON object.
func stepDiagnostics(event *domain.RunEvent, payload domain.StepPayload) json.RawMessage {
	diag := map[string]any{}
	if len(payload.Diagnostics) > 0 {
		// Non-object diagnostics are dropped.
		_ = json.Unmarshal(payload.Diagnostics, &diag)
		if diag == nil {
			diag = map[string]any{}
		}
	}
	diag["seq"] = event.Seq
	if event.Source != "" {
		diag["source"] = event.Source
	}
	if payload.Error != "" {
		diag["error"] = payload.Error
	}
	encoded, err := json.Marshal(diag)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return encoded
}

// runTransition is the set of run fields an event changes. Empty fields are
// left untouched.
type runTransition struct {
	status           domain.RunStatus
	phase            domain.RunPhase
	completionReason string
	resumedFrom      string
}

// transitionFor maps a run-lifecycle event to its state transition.
func transitionFor(event *domain.RunEvent) runTransition {
	switch event.Type {
	case domain.EventTypeRunStarted:
		return runTransition{status: domain.RunStatusRunning, phase: domain.RunPhasePlanning}
	case domain.EventTypeRunPhaseChanged:
		var p domain.RunPhaseChangedPayload
		decodePayload(event.Payload, &p)
		return runTransition{phase: domain.RunPhase(strings.TrimSpace(string(p.Phase)))}
	case domain.EventTypeRunCompleted:
		var p domain.RunOutcomePayload
		decodePayload(event.Payload, &p)
		return runTransition{
			status:           domain.RunStatusCompleted,
			phase:            domain.RunPhaseCompleted,
			completionReason: strings.TrimSpace(p.CompletionReason),
		}
	case domain.EventTypeRunPartial:
		var p domain.RunOutcomePayload
		decodePayload(event.Payload, &p)
		return runTransition{
			status:           domain.RunStatusPartial,
			phase:            domain.RunPhaseCompleted,
			completionReason: strings.TrimSpace(p.CompletionReason),
		}
	case domain.EventTypeRunFailed:
		var p domain.RunOutcomePayload
		decodePayload(event.Payload, &p)
		reason := strings.TrimSpace(p.CompletionReason)
		if reason == "" {
			reason = "activity_error"
		}
		return runTransition{status: domain.RunStatusFailed, phase: domain.RunPhaseFailed, completionReason: reason}
	case domain.EventTypeRunCancelled:
		return runTransition{status: domain.RunStatusCancelled, phase: domain.RunPhaseCancelled, completionReason: "user_cancelled"}
	case domain.EventTypeRunResumed:
		var p domain.RunResumedPayload
		decodePayload(event.Payload, &p)
		return runTransition{status: domain.RunStatusRunning, phase: domain.RunPhasePlanning, resumedFrom: strings.TrimSpace(p.ResumedFrom)}
	default:
		// Unrecognized types only advance the checkpoint.
		return runTransition{}
	}
}

func decodePayload(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, v)
}
