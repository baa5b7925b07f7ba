package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T, aliases map[string]string) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "workspaces"), aliases)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	return m
}

func TestPrepareWithoutSource(t *testing.T) {
	m := newTestManager(t, nil)
	layout, err := m.Prepare(context.Background(), "job-1", "")
	if err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	info, err := os.Stat(layout.Workdir)
	if err != nil || !info.IsDir() {
		t.Fatalf("workdir %s not created", layout.Workdir)
	}
	if filepath.Base(layout.Workdir) != "work" {
		t.Errorf("workdir = %s, want .../work", layout.Workdir)
	}
	rel, err := filepath.Rel(m.Root(), layout.Workdir)
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		t.Errorf("workdir escaped root: %s", layout.Workdir)
	}
}

func TestPrepareRejectsBadJobIDs(t *testing.T) {
	m := newTestManager(t, nil)
	for _, jobID := range []string{"", "..", "a/b", `a\b`, "../../etc"} {
		if _, err := m.Prepare(context.Background(), jobID, ""); err == nil {
			t.Errorf("Prepare(%q) should fail", jobID)
		}
	}
}

func TestPrepareCopiesPlainSource(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "file.txt"), []byte("content"), 0o640); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, nil)
	layout, err := m.Prepare(context.Background(), "job-1", src)
	if err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(layout.Workdir, "sub", "file.txt"))
	if err != nil {
		t.Fatalf("copied file missing: %v", err)
	}
	if string(data) != "content" {
		t.Errorf("copied content = %q", data)
	}
}

func TestPrepareRejectsSymlinkInSource(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "real.txt"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/etc/passwd", filepath.Join(src, "evil")); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	m := newTestManager(t, nil)
	if _, err := m.Prepare(context.Background(), "job-1", src); err == nil {
		t.Error("Prepare() should refuse a source tree with symlinks")
	}
}

func TestPrepareImportsGitSource(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	src := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = src
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=t@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q")
	if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte("tracked"), 0o640); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "init")

	m := newTestManager(t, nil)
	layout, err := m.Prepare(context.Background(), "job-1", src)
	if err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(layout.Workdir, ".git")); err != nil {
		t.Error("imported workspace should be a git clone")
	}
	if _, err := os.Stat(filepath.Join(layout.Workdir, "file.txt")); err != nil {
		t.Error("tracked file missing from clone")
	}
}

func TestPrepareRejectsNonEmptyExistingWorkspace(t *testing.T) {
	m := newTestManager(t, nil)
	workdir := filepath.Join(m.Root(), "job-1", "work")
	if err := os.MkdirAll(workdir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workdir, "leftover.txt"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "f"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Prepare(context.Background(), "job-1", src); err == nil {
		t.Error("Prepare() should refuse a non-empty existing workspace")
	}
}

func TestResolveProjectAlias(t *testing.T) {
	project := t.TempDir()
	m := newTestManager(t, map[string]string{"demo": project})

	path, err := m.ResolveProjectAlias("demo")
	if err != nil {
		t.Fatalf("ResolveProjectAlias() failed: %v", err)
	}
	if path != project {
		t.Errorf("alias resolved to %s, want %s", path, project)
	}
	if _, err := m.ResolveProjectAlias("unknown"); err == nil {
		t.Error("unknown alias should fail")
	}
}

func TestMkdirSecureMode(t *testing.T) {
	m := newTestManager(t, nil)
	layout, err := m.Prepare(context.Background(), "job-1", "")
	if err != nil {
		t.Fatalf("Prepare() failed: %v", err)
	}
	info, err := os.Stat(layout.Root)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o750 {
		t.Errorf("workspace root mode = %o, want 750", perm)
	}
}
