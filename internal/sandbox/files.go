package sandbox

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Entry describes one file or directory inside a workspace.
type Entry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	IsDir     bool      `json:"is_dir"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// lstatTarget refuses symlinks as the final path component. The unresolved
// join is checked because Resolve has already followed the link.
func (w *Workspace) lstatTarget(p string) (fs.FileInfo, error) {
	info, err := os.Lstat(filepath.Join(w.realRoot, normalize(p)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymlinkTarget, p)
	}
	return info, nil
}

// ReadFile returns the content at p, refusing files above the read ceiling.
func (w *Workspace) ReadFile(p string) ([]byte, string, error) {
	resolved, err := w.Resolve(p)
	if err != nil {
		return nil, "", err
	}
	if _, err := w.lstatTarget(p); err != nil {
		return nil, "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, "", fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, "", fmt.Errorf("%w: %s", ErrIsDirectory, p)
	}
	if w.maxReadBytes > 0 && info.Size() > w.maxReadBytes {
		return nil, "", fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, info.Size(), w.maxReadBytes)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	// The file may grow between stat and read.
	reader := io.Reader(f)
	if w.maxReadBytes > 0 {
		reader = io.LimitReader(f, w.maxReadBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read file: %w", err)
	}
	if w.maxReadBytes > 0 && int64(len(data)) > w.maxReadBytes {
		return nil, "", fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, w.maxReadBytes)
	}
	return data, w.Rel(resolved), nil
}

// WriteFile writes or appends content at p, creating parent directories.
func (w *Workspace) WriteFile(p string, content []byte, appendMode bool) (string, int64, error) {
	if w.maxWriteBytes > 0 && int64(len(content)) > w.maxWriteBytes {
		return "", 0, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(content), w.maxWriteBytes)
	}
	resolved, err := w.Resolve(p)
	if err != nil {
		return "", 0, err
	}
	info, err := w.lstatTarget(p)
	if err != nil {
		return "", 0, err
	}
	if info != nil && info.IsDir() {
		return "", 0, fmt.Errorf("%w: %s", ErrIsDirectory, p)
	}
	if resolved == w.realRoot {
		return "", 0, fmt.Errorf("%w: %s", ErrIsDirectory, p)
	}
	if appendMode && info != nil && w.maxWriteBytes > 0 && info.Size()+int64(len(content)) > w.maxWriteBytes {
		return "", 0, fmt.Errorf("%w: append would exceed %d bytes", ErrTooLarge, w.maxWriteBytes)
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create parent directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return "", 0, fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close file: %w", err)
	}
	stat, err := os.Stat(resolved)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return w.Rel(resolved), stat.Size(), nil
}

// Delete removes the file or directory at p. Non-empty directories need
// recursive. The workspace root itself cannot be deleted.
func (w *Workspace) Delete(p string, recursive bool) (string, error) {
	resolved, err := w.Resolve(p)
	if err != nil {
		return "", err
	}
	info, err := w.lstatTarget(p)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if resolved == w.realRoot {
		return "", fmt.Errorf("%w: cannot delete workspace root", ErrPathEscape)
	}
	if info.IsDir() && recursive {
		err = os.RemoveAll(resolved)
	} else {
		err = os.Remove(resolved)
	}
	if err != nil {
		if info.IsDir() && !recursive {
			return "", fmt.Errorf("%w: %s", ErrNotEmpty, p)
		}
		return "", fmt.Errorf("failed to delete: %w", err)
	}
	return w.Rel(resolved), nil
}

// List returns the entries of the directory at p sorted by name.
func (w *Workspace) List(p string) ([]Entry, error) {
	resolved, err := w.Resolve(p)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:      de.Name(),
			Path:      w.Rel(filepath.Join(resolved, de.Name())),
			IsDir:     de.IsDir(),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime().UTC(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Stat describes the file or directory at p.
func (w *Workspace) Stat(p string) (*Entry, error) {
	resolved, err := w.Resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, fmt.Errorf("failed to stat: %w", err)
	}
	return &Entry{
		Name:      info.Name(),
		Path:      w.Rel(resolved),
		IsDir:     info.IsDir(),
		SizeBytes: info.Size(),
		ModTime:   info.ModTime().UTC(),
	}, nil
}
