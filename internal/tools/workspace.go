package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"path/filepath"
	"unicode/utf8"

	"github.com/xiaot623/gogo/runplane/internal/domain"
	"github.com/xiaot623/gogo/runplane/internal/sandbox"
)

type readOutput struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Encoding  string `json:"encoding"`
	SizeBytes int64  `json:"size_bytes"`
}

type writeOutput struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Appended  bool   `json:"appended,omitempty"`
}

type deleteOutput struct {
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
}

type listOutput struct {
	Path    string          `json:"path"`
	Entries []sandbox.Entry `json:"entries"`
}

// workspace opens the run's jail and rejects absolute inputs.
func (t *Toolbox) workspace(runID, p string) (*sandbox.Workspace, error) {
	if sandbox.IsAbsolute(p) {
		return nil, fmt.Errorf("%w: absolute path %q", sandbox.ErrPathEscape, p)
	}
	return t.sandbox.Workspace(runID)
}

func (t *Toolbox) workspaceRead(ctx context.Context, call *Call) (*Result, error) {
	in := call.Input.(WorkspaceReadInput)
	ws, err := t.workspace(call.RunID, in.Path)
	if err != nil {
		return nil, err
	}
	data, rel, err := ws.ReadFile(in.Path)
	if err != nil {
		return nil, err
	}
	out := readOutput{Path: rel, SizeBytes: int64(len(data)), Encoding: "utf-8"}
	if utf8.Valid(data) {
		out.Content = string(data)
	} else {
		out.Content = base64.StdEncoding.EncodeToString(data)
		out.Encoding = "base64"
	}
	return &Result{Output: out}, nil
}

func (t *Toolbox) workspaceWrite(ctx context.Context, call *Call) (*Result, error) {
	in := call.Input.(WorkspaceWriteInput)
	ws, err := t.workspace(call.RunID, in.Path)
	if err != nil {
		return nil, err
	}
	content := []byte(in.Content)
	if in.Encoding == "base64" {
		content, err = base64.StdEncoding.DecodeString(in.Content)
		if err != nil {
			return nil, fmt.Errorf("%w: content is not valid base64", ErrInvalidInput)
		}
	}
	rel, size, err := ws.WriteFile(in.Path, content, in.Append)
	if err != nil {
		return nil, err
	}
	return &Result{
		Output: writeOutput{Path: rel, SizeBytes: size, Appended: in.Append},
		Artifacts: []domain.Artifact{{
			Path:        rel,
			Kind:        "file",
			SizeBytes:   size,
			ContentType: mime.TypeByExtension(filepath.Ext(rel)),
		}},
	}, nil
}

func (t *Toolbox) workspaceDelete(ctx context.Context, call *Call) (*Result, error) {
	in := call.Input.(WorkspaceDeleteInput)
	ws, err := t.workspace(call.RunID, in.Path)
	if err != nil {
		return nil, err
	}
	rel, err := ws.Delete(in.Path, in.Recursive)
	if err != nil {
		return nil, err
	}
	return &Result{Output: deleteOutput{Path: rel, Deleted: true}}, nil
}

func (t *Toolbox) workspaceList(ctx context.Context, call *Call) (*Result, error) {
	in := call.Input.(WorkspaceListInput)
	ws, err := t.workspace(call.RunID, in.Path)
	if err != nil {
		return nil, err
	}
	entries, err := ws.List(in.Path)
	if err != nil {
		return nil, err
	}
	resolved, err := ws.Resolve(in.Path)
	if err != nil {
		return nil, err
	}
	return &Result{Output: listOutput{Path: ws.Rel(resolved), Entries: entries}}, nil
}

func (t *Toolbox) workspaceStat(ctx context.Context, call *Call) (*Result, error) {
	in := call.Input.(WorkspaceStatInput)
	ws, err := t.workspace(call.RunID, in.Path)
	if err != nil {
		return nil, err
	}
	entry, err := ws.Stat(in.Path)
	if err != nil {
		return nil, err
	}
	return &Result{Output: entry}, nil
}
