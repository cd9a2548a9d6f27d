package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"codeagent/internal/domain"
)

var ErrPathOutsideWorkspace = errors.New("path escapes workspace root")

// Workspace confines workflow targets to one directory tree.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %q is not a directory", absRoot)
	}
	return &Workspace{root: filepath.Clean(absRoot)}, nil
}

func (w *Workspace) Root() string { return w.root }

// Resolve maps a relative or absolute path to an absolute path inside the
// root, plus its slash-separated form relative to the root. The target must
// exist.
func (w *Workspace) Resolve(p string) (absolute string, relative string, err error) {
	cleaned := strings.TrimSpace(p)
	if cleaned == "" {
		return "", "", fmt.Errorf("invalid path %q", p)
	}
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")

	var abs string
	if filepath.IsAbs(filepath.FromSlash(cleaned)) {
		abs = filepath.Clean(filepath.FromSlash(cleaned))
	} else {
		abs = filepath.Join(w.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "./")))
	}

	if resolved, evalErr := filepath.EvalSymlinks(abs); evalErr == nil {
		abs = resolved
	} else if errors.Is(evalErr, os.ErrNotExist) {
		return "", "", fmt.Errorf("target %q: %w", p, os.ErrNotExist)
	} else {
		return "", "", fmt.Errorf("resolve %q: %w", p, evalErr)
	}

	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", "", fmt.Errorf("%w: %q", ErrPathOutsideWorkspace, p)
	}
	return abs, rel, nil
}

// ResolveRequest rewrites the request's paths to absolute paths inside the
// workspace. Empty fields stay empty.
func (w *Workspace) ResolveRequest(req domain.WorkflowRequest) (domain.WorkflowRequest, error) {
	out := req
	if req.FilePath != "" {
		abs, _, err := w.Resolve(req.FilePath)
		if err != nil {
			return req, fmt.Errorf("file path: %w", err)
		}
		out.FilePath = abs
	}
	if req.ProjectPath != "" {
		abs, _, err := w.Resolve(req.ProjectPath)
		if err != nil {
			return req, fmt.Errorf("project path: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return req, fmt.Errorf("project path: %w", err)
		}
		if !info.IsDir() {
			return req, fmt.Errorf("project path %q is not a directory", req.ProjectPath)
		}
		out.ProjectPath = abs
	}
	return out, nil
}
