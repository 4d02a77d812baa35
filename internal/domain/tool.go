package domain

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ToolContractVersion is the tool invocation contract spoken by this gateway
// and by proxied workers.
const ToolContractVersion = "v1"

// DefaultPolicyProfile is used when a request carries no policy context.
const DefaultPolicyProfile = "default"

// PolicyContext carries the caller's policy selection.
type PolicyContext struct {
	Profile string `json:"profile,omitempty"`
}

// ToolInvokeRequest represents the request to invoke a tool.
type ToolInvokeRequest struct {
	RunID           string          `json:"run_id"`
	InvocationID    string          `json:"invocation_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	ToolName        string          `json:"tool_name"`
	Input           json.RawMessage `json:"input,omitempty"`
	TimeoutMs       int             `json:"timeout_ms,omitempty"`
	PolicyContext   *PolicyContext  `json:"policy_context,omitempty"`
	ContractVersion string          `json:"contract_version,omitempty"`
}

// Key returns the trimmed invocation id, falling back to the idempotency key.
func (r ToolInvokeRequest) Key() string {
	if id := strings.TrimSpace(r.InvocationID); id != "" {
		return id
	}
	return strings.TrimSpace(r.IdempotencyKey)
}

// Profile returns the requested policy profile or the default one.
func (r ToolInvokeRequest) Profile() string {
	if r.PolicyContext == nil || strings.TrimSpace(r.PolicyContext.Profile) == "" {
		return DefaultPolicyProfile
	}
	return strings.TrimSpace(r.PolicyContext.Profile)
}

// Artifact is a file produced or touched by a tool.
type Artifact struct {
	Path        string `json:"path"`
	Kind        string `json:"kind"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type,omitempty"`
}

// ToolInvokeResponse represents the response from invoking a tool.
type ToolInvokeResponse struct {
	Status      ToolStatus      `json:"status,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Artifacts   []Artifact      `json:"artifacts,omitempty"`
	Error       string          `json:"error,omitempty"`
	ReasonCode  string          `json:"reason_code,omitempty"`
	Diagnostics map[string]any  `json:"diagnostics,omitempty"`
	Deduped     bool            `json:"deduped,omitempty"`
}

// Reason codes reported by the gateway.
const (
	ReasonPolicyDenied        = "policy_denied"
	ReasonPathEscape          = "path_escape"
	ReasonSymlinkTarget       = "symlink_target"
	ReasonTooLarge            = "too_large"
	ReasonNotFound            = "not_found"
	ReasonInvalidInput        = "invalid_input"
	ReasonUnknownTool         = "unknown_tool"
	ReasonCommandNotAllowed   = "command_not_allowed"
	ReasonProcessTimeout      = "process_timeout"
	ReasonOutputLimitExceeded = "output_limit_exceeded"
	ReasonProcessNotFound     = "process_not_found"
	ReasonUpstreamFailure     = "upstream_failure"
	ReasonExecutionError      = "execution_error"
	ReasonRunNotFound         = "run_not_found"
	ReasonContractMismatch    = "unsupported_contract_version"
)

// ToolFailure is an execution failure reported as a failed tool result.
type ToolFailure struct {
	ReasonCode  string
	Message     string
	Diagnostics map[string]any
	// HTTPStatus defaults to 422 when zero.
	HTTPStatus int
	Err        error
}

func (f *ToolFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.ReasonCode, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.ReasonCode, f.Message)
}

func (f *ToolFailure) Unwrap() error {
	return f.Err
}

// StatusCode returns the HTTP status used to report the failure.
func (f *ToolFailure) StatusCode() int {
	if f.HTTPStatus == 0 {
		return http.StatusUnprocessableEntity
	}
	return f.HTTPStatus
}
