// Package tools implements the gateway's tool handlers: workspace file
// operations, command execution, managed processes and the browser proxy.
package tools

import (
	"time"

	"github.com/xiaot623/gogo/runplane/internal/adapter/browser"
	"github.com/xiaot623/gogo/runplane/internal/process"
	"github.com/xiaot623/gogo/runplane/internal/sandbox"
)

// Limits bounds command execution.
type Limits struct {
	// ExecTimeout applies when neither the input nor the caller set one.
	ExecTimeout    time.Duration
	ExecTimeoutMax time.Duration
	OutputLimit    int64
}

// Toolbox holds the dependencies shared by the built-in handlers.
type Toolbox struct {
	sandbox   *sandbox.Sandbox
	guard     *process.Guard
	processes *process.Registry
	browser   *browser.Client
	limits    Limits
}

// NewToolbox creates a toolbox. browser may be nil, in which case browser.*
// tools are not registered.
func NewToolbox(sb *sandbox.Sandbox, guard *process.Guard, processes *process.Registry, bc *browser.Client, limits Limits) *Toolbox {
	return &Toolbox{
		sandbox:   sb,
		guard:     guard,
		processes: processes,
		browser:   bc,
		limits:    limits,
	}
}

// Register adds every built-in handler to r.
func (t *Toolbox) Register(r *Registry) error {
	handlers := map[string]Handler{
		WorkspaceRead:   t.workspaceRead,
		WorkspaceWrite:  t.workspaceWrite,
		WorkspaceDelete: t.workspaceDelete,
		WorkspaceList:   t.workspaceList,
		WorkspaceStat:   t.workspaceStat,
		ProcessExec:     t.processExec,
		ProcessStart:    t.processStart,
		ProcessStatus:   t.processStatus,
		ProcessLogs:     t.processLogs,
		ProcessStop:     t.processStop,
		ProcessList:     t.processList,
	}
	for name, h := range handlers {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	if t.browser != nil {
		if err := r.RegisterPrefix(BrowserPrefix, t.browserInvoke); err != nil {
			return err
		}
	}
	return nil
}
