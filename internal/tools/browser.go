package tools

import (
	"context"
	"encoding/json"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

func (t *Toolbox) browserInvoke(ctx context.Context, call *Call) (*Result, error) {
	in := call.Input.(BrowserInput)
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	resp, err := t.browser.Invoke(ctx, &domain.ToolInvokeRequest{
		RunID:           call.RunID,
		InvocationID:    call.InvocationID,
		ToolName:        in.Name,
		Input:           in.Raw,
		TimeoutMs:       int(call.Timeout.Milliseconds()),
		PolicyContext:   &domain.PolicyContext{Profile: call.Profile},
		ContractVersion: domain.ToolContractVersion,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status == domain.ToolStatusFailed || resp.Error != "" {
		reason := resp.ReasonCode
		if reason == "" {
			reason = domain.ReasonUpstreamFailure
		}
		return nil, &domain.ToolFailure{
			ReasonCode:  reason,
			Message:     resp.Error,
			Diagnostics: resp.Diagnostics,
		}
	}

	var output any
	if len(resp.Output) > 0 {
		output = json.RawMessage(resp.Output)
	}
	return &Result{Output: output, Artifacts: resp.Artifacts}, nil
}
