package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/gogo/runplane/internal/domain"
	"github.com/xiaot623/gogo/runplane/internal/invocation"
	"github.com/xiaot623/gogo/runplane/internal/logging"
	"github.com/xiaot623/gogo/runplane/internal/tools"
)

// InvokeResult is the HTTP status and encoded ToolInvokeResponse of one
// gateway call.
type InvokeResult struct {
	StatusCode int
	Body       []byte
}

type flightResult struct {
	result   invocation.Result
	replayed bool
}

// InvokeTool runs one tool invocation through validation, the policy gate,
// the idempotency cache and the handler. The returned error is set only
// when the gateway itself fails; tool failures are encoded in the result.
func (s *Service) InvokeTool(ctx context.Context, req domain.ToolInvokeRequest) (*InvokeResult, error) {
	req.RunID = strings.TrimSpace(req.RunID)
	req.ToolName = strings.TrimSpace(req.ToolName)
	invocationID := req.Key()
	switch {
	case req.RunID == "":
		return reject(http.StatusBadRequest, domain.ReasonInvalidInput, "run_id is required")
	case invocationID == "":
		return reject(http.StatusBadRequest, domain.ReasonInvalidInput, "invocation_id or idempotency_key is required")
	case req.ToolName == "":
		return reject(http.StatusBadRequest, domain.ReasonInvalidInput, "tool_name is required")
	case req.TimeoutMs < 0:
		return reject(http.StatusBadRequest, domain.ReasonInvalidInput, "timeout_ms must not be negative")
	}
	if v := strings.TrimSpace(req.ContractVersion); v != "" && v != domain.ToolContractVersion {
		return reject(http.StatusBadRequest, domain.ReasonContractMismatch,
			fmt.Sprintf("unsupported contract_version %q, expected %q", v, domain.ToolContractVersion))
	}

	run, err := s.store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return reject(http.StatusNotFound, domain.ReasonRunNotFound, "run not found")
	}

	profile := req.Profile()
	decision, err := s.policy.Evaluate(ctx, profile, req.ToolName)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if !decision.Allow {
		return s.deny(ctx, req, invocationID, profile, decision.ReasonCode)
	}

	input, err := tools.Decode(req.ToolName, req.Input)
	if err != nil {
		if errors.Is(err, tools.ErrUnknownTool) {
			return reject(http.StatusNotFound, domain.ReasonUnknownTool, err.Error())
		}
		return reject(http.StatusBadRequest, domain.ReasonInvalidInput, err.Error())
	}

	call := &tools.Call{
		RunID:        req.RunID,
		InvocationID: invocationID,
		ToolName:     req.ToolName,
		Profile:      profile,
		Timeout:      time.Duration(req.TimeoutMs) * time.Millisecond,
		Input:        input,
	}
	key := invocation.Key{RunID: req.RunID, InvocationID: invocationID, ToolName: req.ToolName}

	// Only the caller whose function runs sets executed. Everyone else
	// shares that caller's outcome.
	executed := false
	v, err, _ := s.flight.Do(key.RunID+"\x00"+key.InvocationID+"\x00"+key.ToolName, func() (interface{}, error) {
		if cached, ok := s.cache.Get(key); ok {
			return flightResult{result: cached, replayed: true}, nil
		}
		executed = true
		// The effect must complete for every waiter, not just the first.
		res, err := s.execute(context.WithoutCancel(ctx), call)
		if err != nil {
			return nil, err
		}
		s.cache.Put(key, res)
		return flightResult{result: res}, nil
	})
	if err != nil {
		return nil, err
	}
	out := v.(flightResult)
	if executed || !invocation.Cacheable(out.result.StatusCode) {
		return &InvokeResult{StatusCode: out.result.StatusCode, Body: out.result.Body}, nil
	}
	return s.replay(ctx, call, out.result)
}

// execute records tool.started, runs the handler and records the outcome.
func (s *Service) execute(ctx context.Context, call *tools.Call) (invocation.Result, error) {
	logger := logging.WithInvocation(s.logger, call.RunID, call.InvocationID, call.ToolName)
	base := domain.ToolEventPayload{
		InvocationID: call.InvocationID,
		ToolName:     call.ToolName,
		Name:         call.ToolName,
		Kind:         "tool",
		Profile:      call.Profile,
	}
	if _, err := s.recordEvent(ctx, call.RunID, domain.EventTypeToolStarted, SourceGateway, base); err != nil {
		return invocation.Result{}, err
	}

	start := time.Now()
	res, err := s.tools.Execute(ctx, call)
	var output json.RawMessage
	if err == nil {
		output, err = tools.MarshalOutput(res)
	}
	elapsed := time.Since(start)

	if err != nil {
		failure := tools.Classify(err)
		status := failure.StatusCode()
		payload := base
		payload.StatusCode = status
		payload.ReasonCode = failure.ReasonCode
		payload.Error = failure.Message
		payload.DurationMs = elapsed.Milliseconds()
		payload.Diagnostics = failure.Diagnostics
		if _, recErr := s.recordEvent(ctx, call.RunID, domain.EventTypeToolFailed, SourceGateway, payload); recErr != nil {
			logger.Error("failed to record tool.failed", "error", recErr)
		}
		s.metrics.ToolInvoked(call.ToolName, "failed", elapsed)
		logger.Warn("tool invocation failed",
			"reason_code", failure.ReasonCode, "status_code", status, "duration_ms", elapsed.Milliseconds(), "error", err)
		return encode(status, domain.ToolInvokeResponse{
			Status:      domain.ToolStatusFailed,
			Error:       failure.Message,
			ReasonCode:  failure.ReasonCode,
			Diagnostics: failure.Diagnostics,
		})
	}

	payload := base
	payload.StatusCode = http.StatusOK
	payload.DurationMs = elapsed.Milliseconds()
	payload.Artifacts = res.Artifacts
	if _, recErr := s.recordEvent(ctx, call.RunID, domain.EventTypeToolCompleted, SourceGateway, payload); recErr != nil {
		logger.Error("failed to record tool.completed", "error", recErr)
	}
	s.metrics.ToolInvoked(call.ToolName, "completed", elapsed)
	logger.Info("tool invocation completed", "duration_ms", elapsed.Milliseconds())
	return encode(http.StatusOK, domain.ToolInvokeResponse{
		Status:    domain.ToolStatusCompleted,
		Output:    output,
		Artifacts: res.Artifacts,
	})
}

// replay answers from a memorized result and records tool.deduped.
func (s *Service) replay(ctx context.Context, call *tools.Call, cached invocation.Result) (*InvokeResult, error) {
	var resp domain.ToolInvokeResponse
	if err := json.Unmarshal(cached.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode cached response: %w", err)
	}
	resp.Deduped = true
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deduped response: %w", err)
	}

	payload := domain.ToolEventPayload{
		InvocationID: call.InvocationID,
		ToolName:     call.ToolName,
		Profile:      call.Profile,
		StatusCode:   cached.StatusCode,
		ReasonCode:   resp.ReasonCode,
	}
	if _, err := s.recordEvent(ctx, call.RunID, domain.EventTypeToolDeduped, SourceGateway, payload); err != nil {
		s.logger.Warn("failed to record tool.deduped",
			"run_id", call.RunID, "invocation_id", call.InvocationID, "error", err)
	}
	s.metrics.ToolInvoked(call.ToolName, "deduped", 0)
	return &InvokeResult{StatusCode: cached.StatusCode, Body: body}, nil
}

// deny records policy.denied and answers 403. Denials are not memorized, so
// a retry after a policy change is evaluated afresh.
func (s *Service) deny(ctx context.Context, req domain.ToolInvokeRequest, invocationID, profile, reasonCode string) (*InvokeResult, error) {
	if reasonCode == "" {
		reasonCode = domain.ReasonPolicyDenied
	}
	payload := domain.PolicyDeniedPayload{
		InvocationID:   invocationID,
		ToolName:       req.ToolName,
		Name:           req.ToolName,
		Kind:           "tool",
		Profile:        profile,
		ReasonCode:     reasonCode,
		PolicyDecision: "deny",
	}
	if _, err := s.recordEvent(ctx, req.RunID, domain.EventTypePolicyDenied, SourceGateway, payload); err != nil {
		return nil, err
	}
	s.metrics.PolicyDenied(profile)
	s.metrics.ToolInvoked(req.ToolName, "denied", 0)
	s.logger.Info("tool invocation denied by policy",
		"run_id", req.RunID, "invocation_id", invocationID, "tool_name", req.ToolName,
		"profile", profile, "reason_code", reasonCode)

	res, err := encode(http.StatusForbidden, domain.ToolInvokeResponse{
		Status:      domain.ToolStatusFailed,
		Error:       fmt.Sprintf("tool %s is not allowed for profile %s", req.ToolName, profile),
		ReasonCode:  reasonCode,
		Diagnostics: map[string]any{"profile": profile, "policy_decision": "deny"},
	})
	if err != nil {
		return nil, err
	}
	return &InvokeResult{StatusCode: res.StatusCode, Body: res.Body}, nil
}

func reject(status int, reasonCode, message string) (*InvokeResult, error) {
	res, err := encode(status, domain.ToolInvokeResponse{
		Status:     domain.ToolStatusFailed,
		Error:      message,
		ReasonCode: reasonCode,
	})
	if err != nil {
		return nil, err
	}
	return &InvokeResult{StatusCode: res.StatusCode, Body: res.Body}, nil
}

func encode(status int, resp domain.ToolInvokeResponse) (invocation.Result, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return invocation.Result{}, fmt.Errorf("failed to encode response: %w", err)
	}
	return invocation.Result{StatusCode: status, Body: body}, nil
}
