// Package workspace provides file access over the directory a session
// operates on.
//
// Local is the filesystem implementation used in tests and headless hosts.
// Editor embedders supply their own implementation backed by the editor's
// document model, which is the only way to get dirty-document tracking and
// undo support.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
)

// ErrUndoUnsupported is returned by hosts without an editor undo stack.
var ErrUndoUnsupported = errors.New("editor undo is not available in this workspace")

// DefaultIgnores are directory patterns never worth backing up.
var DefaultIgnores = []string{
	".git/**",
	"node_modules/**",
	"vendor/**",
	"**/.DS_Store",
}

// Local is a direct-filesystem workspace rooted at a directory.
type Local struct {
	root        string
	ignores     []string
	maxFileSize int64
}

// LocalOption configures a Local workspace.
type LocalOption func(*Local)

// WithIgnores replaces the default ignore patterns.
func WithIgnores(patterns []string) LocalOption {
	return func(l *Local) { l.ignores = patterns }
}

// WithMaxFileSize caps the size of files returned by TrackedFiles.
// Zero means no cap.
func WithMaxFileSize(n int64) LocalOption {
	return func(l *Local) { l.maxFileSize = n }
}

// NewLocal creates a workspace over the given root directory.
func NewLocal(root string, opts ...LocalOption) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root is not a directory: %s", abs)
	}

	l := &Local{root: abs, ignores: DefaultIgnores}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Root returns the absolute workspace root.
func (l *Local) Root() string { return l.root }

// TrackedFiles walks the workspace and returns relative paths of regular
// files, minus ignored patterns and files over the size cap. The walk is
// parallel; results come back sorted for deterministic captures.
func (l *Local) TrackedFiles(ctx context.Context) ([]string, error) {
	var mu sync.Mutex
	var paths []string

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(l.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if l.ignored(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || l.ignored(rel) {
			return nil
		}
		if l.maxFileSize > 0 {
			if info, ierr := d.Info(); ierr == nil && info.Size() > l.maxFileSize {
				return nil
			}
		}

		mu.Lock()
		paths = append(paths, rel)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk workspace: %w", err)
	}

	sort.Strings(paths)
	return paths, nil
}

// ReadFile reads a workspace-relative file.
func (l *Local) ReadFile(path string) ([]byte, error) {
	abs, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// WriteFile writes a workspace-relative file, creating parent directories
// as needed.
func (l *Local) WriteFile(path string, content []byte) error {
	abs, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.WriteFile(abs, content, 0o644)
}

// DeleteFile removes a workspace-relative file. Missing files are not an
// error: the desired end state is already true.
func (l *Local) DeleteFile(path string) error {
	abs, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DirtyDocuments always returns nil: a filesystem workspace has no concept
// of unsaved editor buffers.
func (l *Local) DirtyDocuments() []string { return nil }

// Undo is unsupported on a filesystem workspace.
func (l *Local) Undo(string) error { return ErrUndoUnsupported }

// resolve maps a workspace-relative path to an absolute one, rejecting
// escapes outside the root.
func (l *Local) resolve(path string) (string, error) {
	abs := filepath.Join(l.root, filepath.FromSlash(path))
	if abs != l.root && !strings.HasPrefix(abs, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace root: %s", path)
	}
	return abs, nil
}

func (l *Local) ignored(rel string) bool {
	for _, pattern := range l.ignores {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		// Directory prefixes: "node_modules/**" also ignores the dir itself.
		if strings.HasSuffix(rel, "/") {
			if ok, _ := doublestar.Match(pattern, rel+"x"); ok {
				return true
			}
		}
	}
	return false
}
