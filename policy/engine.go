package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Reason codes produced by the default policy.
const (
	ReasonToolNotAllowlisted = "tool_not_allowlisted"
	ReasonUnknownProfile     = "unknown_profile"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allow      bool
	ReasonCode string
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a policy engine from the policy module and the
// per-profile tool allowlists. Allowlist entries are glob patterns over
// dotted tool names.
func NewEngine(ctx context.Context, policyContent string, profiles map[string][]string) (*Engine, error) {
	if profiles == nil {
		profiles = DefaultProfiles
	}
	encoded, err := json.Marshal(profiles)
	if err != nil {
		return nil, fmt.Errorf("failed to encode profiles: %w", err)
	}
	profileModule := "package tool_policy_profiles\n\nprofiles = " + string(encoded) + "\n"

	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
		rego.Module("tool_policy_profiles.rego", profileModule),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks whether toolName is allowlisted for profile.
func (e *Engine) Evaluate(ctx context.Context, profile, toolName string) (Decision, error) {
	input := map[string]interface{}{
		"profile":   profile,
		"tool_name": toolName,
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	// The policy defines a default, so an empty result set means a broken module.
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Allow: false, ReasonCode: ReasonToolNotAllowlisted}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result type %T", results[0].Expressions[0].Value)
	}
	decision := Decision{}
	decision.Allow, _ = obj["allow"].(bool)
	decision.ReasonCode, _ = obj["reason_code"].(string)
	if !decision.Allow && decision.ReasonCode == "" {
		decision.ReasonCode = ReasonToolNotAllowlisted
	}
	return decision, nil
}

// DefaultProfiles allow every built-in tool family under "default" and only
// non-mutating tools under "readonly".
var DefaultProfiles = map[string][]string{
	"default": {"workspace.*", "process.*", "browser.*"},
	"readonly": {
		"workspace.read", "workspace.list", "workspace.stat",
		"process.status", "process.logs", "process.list",
	},
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package tool_policy

import data.tool_policy_profiles.profiles

default decision = {"allow": false, "reason_code": "tool_not_allowlisted"}

decision = {"allow": false, "reason_code": "unknown_profile"} {
	not profiles[input.profile]
}

decision = {"allow": true, "reason_code": ""} {
	pattern := profiles[input.profile][_]
	glob.match(pattern, ["."], input.tool_name)
}
`
