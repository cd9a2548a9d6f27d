package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"codeagent/internal/domain"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "pkg"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "pkg", "a.py"), []byte("import os\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ws, err := NewWorkspace(root)
	if err != nil {
		t.Fatalf("new workspace: %v", err)
	}
	return ws
}

func TestResolveRelativeAndAbsolute(t *testing.T) {
	ws := newTestWorkspace(t)

	abs, rel, err := ws.Resolve("./pkg/a.py")
	if err != nil {
		t.Fatalf("resolve relative: %v", err)
	}
	if rel != "pkg/a.py" {
		t.Fatalf("unexpected relative path %q", rel)
	}

	_, rel2, err := ws.Resolve(abs)
	if err != nil {
		t.Fatalf("resolve absolute: %v", err)
	}
	if rel2 != rel {
		t.Fatalf("absolute and relative disagree: %q vs %q", rel2, rel)
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	ws := newTestWorkspace(t)
	outside := t.TempDir()

	if _, _, err := ws.Resolve("../"); !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("expected escape error, got %v", err)
	}
	if _, _, err := ws.Resolve(outside); !errors.Is(err, ErrPathOutsideWorkspace) {
		t.Fatalf("expected escape error for outside dir, got %v", err)
	}
	if _, _, err := ws.Resolve("pkg/missing.py"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
	if _, _, err := ws.Resolve("   "); err == nil {
		t.Fatalf("expected error for blank path")
	}
}

func TestResolveRequest(t *testing.T) {
	ws := newTestWorkspace(t)

	got, err := ws.ResolveRequest(domain.WorkflowRequest{FilePath: "pkg/a.py", ProjectPath: "pkg"})
	if err != nil {
		t.Fatalf("resolve request: %v", err)
	}
	if got.FilePath != filepath.Join(ws.Root(), "pkg", "a.py") {
		t.Fatalf("unexpected file path %q", got.FilePath)
	}
	if got.ProjectPath != filepath.Join(ws.Root(), "pkg") {
		t.Fatalf("unexpected project path %q", got.ProjectPath)
	}

	if _, err := ws.ResolveRequest(domain.WorkflowRequest{ProjectPath: "pkg/a.py"}); err == nil {
		t.Fatalf("expected file as project path to fail")
	}
}
