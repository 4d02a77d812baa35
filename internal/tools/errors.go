package tools

import (
	"context"
	"errors"
	"net/http"

	"github.com/xiaot623/gogo/runplane/internal/adapter/browser"
	"github.com/xiaot623/gogo/runplane/internal/domain"
	"github.com/xiaot623/gogo/runplane/internal/process"
	"github.com/xiaot623/gogo/runplane/internal/sandbox"
)

// Classify maps a handler error to the typed failure reported to callers.
func Classify(err error) *domain.ToolFailure {
	if err == nil {
		return nil
	}
	var failure *domain.ToolFailure
	if errors.As(err, &failure) {
		return failure
	}

	var upstream *browser.UpstreamError
	if errors.As(err, &upstream) {
		f := &domain.ToolFailure{
			ReasonCode:  domain.ReasonUpstreamFailure,
			Message:     upstream.Error(),
			Diagnostics: upstream.Diagnostics,
		}
		if upstream.ReasonCode != "" {
			f.ReasonCode = upstream.ReasonCode
		}
		if upstream.Retryable() {
			f.HTTPStatus = http.StatusBadGateway
		}
		return f
	}

	reason, status := domain.ReasonExecutionError, 0
	switch {
	case errors.Is(err, sandbox.ErrPathEscape), errors.Is(err, process.ErrPathArgument):
		reason = domain.ReasonPathEscape
	case errors.Is(err, sandbox.ErrSymlinkTarget):
		reason = domain.ReasonSymlinkTarget
	case errors.Is(err, sandbox.ErrTooLarge):
		reason = domain.ReasonTooLarge
	case errors.Is(err, sandbox.ErrNotFound):
		reason = domain.ReasonNotFound
	case errors.Is(err, sandbox.ErrIsDirectory), errors.Is(err, sandbox.ErrNotEmpty),
		errors.Is(err, sandbox.ErrInvalidRunID), errors.Is(err, ErrInvalidInput):
		reason = domain.ReasonInvalidInput
	case errors.Is(err, process.ErrCommandNotAllowed):
		reason = domain.ReasonCommandNotAllowed
	case errors.Is(err, process.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		reason = domain.ReasonProcessTimeout
	case errors.Is(err, process.ErrOutputLimit):
		reason = domain.ReasonOutputLimitExceeded
	case errors.Is(err, process.ErrNotFound):
		reason = domain.ReasonProcessNotFound
	case errors.Is(err, ErrUnknownTool):
		reason, status = domain.ReasonUnknownTool, http.StatusNotFound
	case errors.Is(err, browser.ErrNotConfigured):
		reason, status = domain.ReasonUpstreamFailure, http.StatusBadGateway
	case errors.Is(err, process.ErrSpawn):
		reason = domain.ReasonExecutionError
	default:
		// Unclassified failures are treated as transient.
		status = http.StatusInternalServerError
	}
	return &domain.ToolFailure{ReasonCode: reason, Message: err.Error(), HTTPStatus: status, Err: err}
}
