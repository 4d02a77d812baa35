// Package browser provides the HTTP client for the browser-automation worker,
// which speaks the same tool invocation contract as the gateway.
package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// ErrNotConfigured is returned when no worker URL is set.
var ErrNotConfigured = errors.New("browser worker not configured")

// maxResponseBytes bounds how much of a worker response is read.
const maxResponseBytes = 16 << 20

// UpstreamError describes a failed worker call. StatusCode is zero when the
// worker was unreachable.
type UpstreamError struct {
	StatusCode  int
	Message     string
	ReasonCode  string
	Diagnostics map[string]any
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return "browser worker unreachable: " + e.Message
	}
	return fmt.Sprintf("browser worker returned status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the failure is transient from the caller's view.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// Client is an HTTP client for the browser worker.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new browser worker client. An empty baseURL yields a
// client whose calls fail with ErrNotConfigured.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a worker URL is set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Invoke forwards a tool invocation to the worker's /v1/tools/invoke.
func (c *Client) Invoke(ctx context.Context, req *domain.ToolInvokeRequest) (*domain.ToolInvokeResponse, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Run-ID", req.RunID)
	httpReq.Header.Set("Idempotency-Key", req.Key())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Message: Sanitize(err.Error())}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: Sanitize(err.Error())}
	}

	var out domain.ToolInvokeResponse
	decodeErr := json.Unmarshal(data, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		upstream := &UpstreamError{StatusCode: resp.StatusCode}
		if decodeErr == nil && out.Error != "" {
			upstream.Message = Sanitize(out.Error)
			upstream.ReasonCode = out.ReasonCode
			upstream.Diagnostics = out.Diagnostics
		} else {
			upstream.Message = Sanitize(truncate(string(data), 512))
		}
		return nil, upstream
	}
	if decodeErr != nil {
		return nil, &UpstreamError{StatusCode: http.StatusBadGateway, Message: "invalid worker response: " + Sanitize(decodeErr.Error())}
	}
	out.Error = Sanitize(out.Error)
	out.Deduped = false
	return &out, nil
}

// CancelSession asks the worker to abandon any browser session of runID.
// An unconfigured client has nothing to cancel.
func (c *Client) CancelSession(ctx context.Context, runID string) error {
	if !c.Configured() {
		return nil
	}
	endpoint := c.baseURL + "/v1/runs/" + url.PathEscape(runID) + "/cancel"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to cancel browser session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	// A worker without a session for the run is already in the desired state.
	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode <= 299) {
		return nil
	}
	return fmt.Errorf("browser worker returned status %d on cancel", resp.StatusCode)
}

// Sanitize strips control characters from upstream text so it is safe to
// log and to embed in events.
func Sanitize(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
