package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// Call is one parsed invocation handed to a handler.
type Call struct {
	RunID        string
	InvocationID string
	ToolName     string
	Profile      string
	// Timeout is the caller's budget; zero means the handler default.
	Timeout time.Duration
	Input   Input
}

// Result is a successful handler outcome. Output is marshaled as the
// response's output field.
type Result struct {
	Output    any
	Artifacts []domain.Artifact
}

// Handler executes one tool.
type Handler func(ctx context.Context, call *Call) (*Result, error)

// Registry stores tool handlers keyed by exact tool name or by name prefix.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	prefixes map[string]Handler
}

// NewRegistry creates an empty tool handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		prefixes: make(map[string]Handler),
	}
}

// Register adds a new handler for a tool name.
func (r *Registry) Register(toolName string, h Handler) error {
	if toolName == "" {
		return fmt.Errorf("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[toolName]; exists {
		return fmt.Errorf("handler already registered for %s", toolName)
	}
	r.handlers[toolName] = h
	return nil
}

// RegisterPrefix adds a handler for every tool name starting with prefix.
func (r *Registry) RegisterPrefix(prefix string, h Handler) error {
	if prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	if h == nil {
		return fmt.Errorf("handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.prefixes[prefix]; exists {
		return fmt.Errorf("handler already registered for prefix %s", prefix)
	}
	r.prefixes[prefix] = h
	return nil
}

// Lookup returns the handler for toolName. Exact names win over prefixes,
// and longer prefixes over shorter ones.
func (r *Registry) Lookup(toolName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[toolName]; ok {
		return h, true
	}
	var best string
	var handler Handler
	for prefix, h := range r.prefixes {
		if strings.HasPrefix(toolName, prefix) && len(toolName) > len(prefix) && len(prefix) > len(best) {
			best, handler = prefix, h
		}
	}
	return handler, handler != nil
}

// Execute runs the handler for the call's tool name.
func (r *Registry) Execute(ctx context.Context, call *Call) (*Result, error) {
	h, ok := r.Lookup(call.ToolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, call.ToolName)
	}
	return h(ctx, call)
}

// MarshalOutput encodes a result's output, defaulting to an empty object.
func MarshalOutput(res *Result) (json.RawMessage, error) {
	if res == nil || res.Output == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := res.Output.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(res.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool output: %w", err)
	}
	return data, nil
}
