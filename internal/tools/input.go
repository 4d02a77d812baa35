package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownTool is returned for tool names no handler serves.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidInput is returned when a tool input does not parse or
	// misses a required field.
	ErrInvalidInput = errors.New("invalid tool input")
)

// Tool names served by this gateway.
const (
	WorkspaceRead   = "workspace.read"
	WorkspaceWrite  = "workspace.write"
	WorkspaceDelete = "workspace.delete"
	WorkspaceList   = "workspace.list"
	WorkspaceStat   = "workspace.stat"
	ProcessExec     = "process.exec"
	ProcessStart    = "process.start"
	ProcessStatus   = "process.status"
	ProcessLogs     = "process.logs"
	ProcessStop     = "process.stop"
	ProcessList     = "process.list"

	// BrowserPrefix names the proxied browser tool family.
	BrowserPrefix = "browser."
)

// Input is the parsed, typed input of one tool. Each tool name maps to
// exactly one concrete type.
type Input interface {
	tool() string
}

type WorkspaceReadInput struct {
	Path string `json:"path"`
}

type WorkspaceWriteInput struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Append   bool   `json:"append,omitempty"`
	Encoding string `json:"encoding,omitempty"`
}

type WorkspaceDeleteInput struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

type WorkspaceListInput struct {
	Path string `json:"path"`
}

type WorkspaceStatInput struct {
	Path string `json:"path"`
}

type ProcessExecInput struct {
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	TimeoutMs int      `json:"timeout_ms,omitempty"`
}

type ProcessStartInput struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
}

type ProcessStatusInput struct {
	ProcessID string `json:"process_id"`
}

type ProcessLogsInput struct {
	ProcessID string `json:"process_id"`
	AfterSeq  int64  `json:"after_seq,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ProcessStopInput struct {
	ProcessID string `json:"process_id"`
	Force     bool   `json:"force,omitempty"`
}

type ProcessListInput struct{}

// BrowserInput is forwarded to the browser worker untouched.
type BrowserInput struct {
	Name string
	Raw  json.RawMessage
}

func (WorkspaceReadInput) tool() string   { return WorkspaceRead }
func (WorkspaceWriteInput) tool() string  { return WorkspaceWrite }
func (WorkspaceDeleteInput) tool() string { return WorkspaceDelete }
func (WorkspaceListInput) tool() string   { return WorkspaceList }
func (WorkspaceStatInput) tool() string   { return WorkspaceStat }
func (ProcessExecInput) tool() string     { return ProcessExec }
func (ProcessStartInput) tool() string    { return ProcessStart }
func (ProcessStatusInput) tool() string   { return ProcessStatus }
func (ProcessLogsInput) tool() string     { return ProcessLogs }
func (ProcessStopInput) tool() string     { return ProcessStop }
func (ProcessListInput) tool() string     { return ProcessList }
func (b BrowserInput) tool() string       { return b.Name }

// Decode parses raw into the typed input of toolName.
func Decode(toolName string, raw json.RawMessage) (Input, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage(`{}`)
	}

	switch toolName {
	case WorkspaceRead:
		return decodeAs[WorkspaceReadInput](raw)
	case WorkspaceWrite:
		in, err := decodeAs[WorkspaceWriteInput](raw)
		if err == nil && strings.TrimSpace(in.Path) == "" {
			err = fmt.Errorf("%w: path is required", ErrInvalidInput)
		}
		if err == nil && in.Encoding != "" && in.Encoding != "utf-8" && in.Encoding != "base64" {
			err = fmt.Errorf("%w: unsupported encoding %q", ErrInvalidInput, in.Encoding)
		}
		return in, err
	case WorkspaceDelete:
		in, err := decodeAs[WorkspaceDeleteInput](raw)
		if err == nil && strings.TrimSpace(in.Path) == "" {
			err = fmt.Errorf("%w: path is required", ErrInvalidInput)
		}
		return in, err
	case WorkspaceList:
		return decodeAs[WorkspaceListInput](raw)
	case WorkspaceStat:
		return decodeAs[WorkspaceStatInput](raw)
	case ProcessExec:
		in, err := decodeAs[ProcessExecInput](raw)
		if err == nil && strings.TrimSpace(in.Command) == "" {
			err = fmt.Errorf("%w: command is required", ErrInvalidInput)
		}
		if err == nil && in.TimeoutMs < 0 {
			err = fmt.Errorf("%w: timeout_ms must not be negative", ErrInvalidInput)
		}
		return in, err
	case ProcessStart:
		in, err := decodeAs[ProcessStartInput](raw)
		if err == nil && strings.TrimSpace(in.Command) == "" {
			err = fmt.Errorf("%w: command is required", ErrInvalidInput)
		}
		return in, err
	case ProcessStatus:
		in, err := decodeAs[ProcessStatusInput](raw)
		return in, requireProcessID(in.ProcessID, err)
	case ProcessLogs:
		in, err := decodeAs[ProcessLogsInput](raw)
		return in, requireProcessID(in.ProcessID, err)
	case ProcessStop:
		in, err := decodeAs[ProcessStopInput](raw)
		return in, requireProcessID(in.ProcessID, err)
	case ProcessList:
		return ProcessListInput{}, nil
	}

	if strings.HasPrefix(toolName, BrowserPrefix) && len(toolName) > len(BrowserPrefix) {
		if raw[0] != '{' {
			return nil, fmt.Errorf("%w: input must be an object", ErrInvalidInput)
		}
		return BrowserInput{Name: toolName, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
}

func decodeAs[T Input](raw json.RawMessage) (T, error) {
	var in T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return in, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if dec.More() {
		return in, fmt.Errorf("%w: trailing data after object", ErrInvalidInput)
	}
	return in, nil
}

func requireProcessID(id string, err error) error {
	if err == nil && strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: process_id is required", ErrInvalidInput)
	}
	return err
}
