// Package sandbox confines untrusted relative paths to a per-run workspace.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrPathEscape    = errors.New("path escapes workspace")
	ErrSymlinkTarget = errors.New("refusing to operate on a symlink")
	ErrTooLarge      = errors.New("content exceeds size limit")
	ErrNotFound      = errors.New("path not found")
	ErrInvalidRunID  = errors.New("invalid run id")
	ErrIsDirectory   = errors.New("path is a directory")
	ErrNotEmpty      = errors.New("directory not empty")
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Sandbox hands out per-run workspaces under a common root.
type Sandbox struct {
	root          string
	maxReadBytes  int64
	maxWriteBytes int64
}

// Options bounds the byte sizes a workspace accepts.
type Options struct {
	MaxReadBytes  int64
	MaxWriteBytes int64
}

// New creates the root directory if needed and returns a Sandbox.
func New(root string, opts Options) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Sandbox{root: abs, maxReadBytes: opts.MaxReadBytes, maxWriteBytes: opts.MaxWriteBytes}, nil
}

// Root returns the absolute workspace root.
func (s *Sandbox) Root() string {
	return s.root
}

// Workspace returns runID's jail, creating its directory on first use.
func (s *Sandbox) Workspace(runID string) (*Workspace, error) {
	if !runIDPattern.MatchString(runID) || runID == "." || runID == ".." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRunID, runID)
	}
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	realPath, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	return &Workspace{
		RunID:         runID,
		realRoot:      realPath,
		maxReadBytes:  s.maxReadBytes,
		maxWriteBytes: s.maxWriteBytes,
	}, nil
}

// Workspace is a single run's directory jail.
type Workspace struct {
	RunID string

	realRoot      string
	maxReadBytes  int64
	maxWriteBytes int64
}

// Dir returns the real path of the workspace directory.
func (w *Workspace) Dir() string {
	return w.realRoot
}

// normalize strips leading separators and collapses empty input to ".".
func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "."
	}
	return filepath.Clean(filepath.FromSlash(p))
}

// IsAbsolute reports whether p names an absolute location other than the
// workspace root itself.
func IsAbsolute(p string) bool {
	trimmed := strings.TrimSpace(p)
	if filepath.IsAbs(trimmed) || filepath.VolumeName(trimmed) != "" {
		return strings.Trim(trimmed, `/\`) != ""
	}
	if strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, `\`) {
		return strings.Trim(trimmed, `/\`) != ""
	}
	return false
}

// Resolve maps an untrusted relative path to its real location inside the
// workspace. Missing targets are checked through their nearest existing
// ancestor so that create operations are confined as well.
func (w *Workspace) Resolve(p string) (string, error) {
	rel := normalize(p)
	joined := filepath.Join(w.realRoot, rel)
	if !within(w.realRoot, joined) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}

	realPath, err := filepath.EvalSymlinks(joined)
	if err == nil {
		if !within(w.realRoot, realPath) {
			return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
		}
		return realPath, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	// Walk up to the nearest existing ancestor and re-attach the missing tail.
	ancestor := joined
	var tail []string
	for {
		parent := filepath.Dir(ancestor)
		tail = append([]string{filepath.Base(ancestor)}, tail...)
		ancestor = parent
		realPath, err = filepath.EvalSymlinks(ancestor)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
		if parent == filepath.Dir(parent) {
			return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
		}
	}
	if !within(w.realRoot, realPath) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	resolved := filepath.Join(append([]string{realPath}, tail...)...)
	if !within(w.realRoot, resolved) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, p)
	}
	return resolved, nil
}

// Rel returns the workspace-relative slash path of an already resolved path.
func (w *Workspace) Rel(resolved string) string {
	rel, err := filepath.Rel(w.realRoot, resolved)
	if err != nil {
		return filepath.ToSlash(resolved)
	}
	return filepath.ToSlash(rel)
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
