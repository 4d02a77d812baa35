// Package process runs allowlisted commands inside a run workspace, either
// synchronously or as managed long-lived children.
package process

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	ErrCommandNotAllowed = errors.New("command not allowed")
	ErrTimeout           = errors.New("process timed out")
	ErrOutputLimit       = errors.New("process output limit exceeded")
	ErrNotFound          = errors.New("process not found")
	ErrSpawn             = errors.New("failed to spawn process")
	ErrPathArgument      = errors.New("path argument escapes workspace")
)

// PathResolver confines a workspace-relative path. sandbox.Workspace
// implements it.
type PathResolver interface {
	Resolve(p string) (string, error)
}

// Guard is the shared safety gate for exec and managed processes.
type Guard struct {
	allowed map[string]bool
}

// NewGuard builds a guard from the allowlisted executable names.
func NewGuard(commands []string) *Guard {
	allowed := make(map[string]bool, len(commands))
	for _, c := range commands {
		c = strings.TrimSpace(c)
		if c != "" {
			allowed[c] = true
		}
	}
	return &Guard{allowed: allowed}
}

// Allowed reports whether command may be spawned.
func (g *Guard) Allowed(command string) bool {
	if command == "" || strings.ContainsAny(command, `/\`) {
		return false
	}
	return g.allowed[command]
}

// Check validates the command name and every path-like argument before the
// child is spawned. cwd is the workspace-relative working directory.
func (g *Guard) Check(ws PathResolver, cwd, command string, args []string) error {
	if !g.Allowed(command) {
		return fmt.Errorf("%w: %q", ErrCommandNotAllowed, command)
	}
	for _, arg := range args {
		for _, candidate := range pathCandidates(arg) {
			if isAbsolute(candidate) {
				return fmt.Errorf("%w: %q", ErrPathArgument, arg)
			}
			rel := path.Join(strings.ReplaceAll(cwd, `\`, "/"), strings.ReplaceAll(candidate, `\`, "/"))
			if _, err := ws.Resolve(rel); err != nil {
				return fmt.Errorf("%w: %q: %v", ErrPathArgument, arg, err)
			}
		}
	}
	return nil
}

// pathCandidates returns the parts of arg that may name a path: the value
// half of --flag=value, anything containing a separator or starting with ".",
// and for an option without "=" the value glued to it (-f../x, -xf/etc/x).
//
// An option cluster cannot be split reliably, so both the text after the
// first option letter and the text after the leading letters are checked.
func pathCandidates(arg string) []string {
	if !strings.HasPrefix(arg, "-") {
		if strings.ContainsAny(arg, `/\`) || strings.HasPrefix(arg, ".") {
			return []string{arg}
		}
		return nil
	}
	if i := strings.IndexByte(arg, '='); i >= 0 {
		return []string{arg[i+1:]}
	}
	rest := strings.TrimLeft(arg, "-")
	if !strings.ContainsAny(rest, `/\`) && !strings.Contains(rest, "..") {
		return nil
	}
	var out []string
	if !strings.HasPrefix(arg, "--") && len(rest) > 1 {
		out = append(out, rest[1:])
	}
	if j := strings.IndexFunc(rest, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	}); j >= 0 && (len(out) == 0 || rest[j:] != out[0]) {
		out = append(out, rest[j:])
	}
	if len(out) == 0 {
		out = append(out, rest)
	}
	return out
}

func isAbsolute(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	// Windows drive letters.
	return len(p) >= 2 && p[1] == ':'
}
