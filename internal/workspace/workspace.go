// Package workspace prepares the isolated per-job working directory from
// a project alias or an explicit source directory.
package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/handleui/relay/internal/gitx"
)

// Error is returned for every workspace preparation failure. Workspace
// errors are fatal to the job being prepared.
type Error struct{ msg string }

func (e *Error) Error() string { return e.msg }

func errorf(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Layout is a prepared workspace: the per-job root and the workdir agents
// execute in.
type Layout struct {
	Root    string
	Workdir string
}

// Manager creates workspaces under a single root with secure permissions.
type Manager struct {
	root    string
	aliases map[string]string
}

// NewManager resolves the workspaces root and returns a manager.
func NewManager(root string, projectAliases map[string]string) (*Manager, error) {
	resolved, err := filepath.Abs(root)
	if err != nil {
		return nil, errorf("resolving workspaces root: %v", err)
	}
	if err := mkdirSecure(resolved); err != nil {
		return nil, err
	}
	return &Manager{root: resolved, aliases: projectAliases}, nil
}

// Root returns the workspaces root directory.
func (m *Manager) Root() string { return m.root }

// ResolveProjectAlias maps a project id to its configured source path.
func (m *Manager) ResolveProjectAlias(projectID string) (string, error) {
	path, ok := m.aliases[projectID]
	if !ok {
		return "", errorf("unknown project_id %q", projectID)
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", errorf("configured project path does not exist: %s", path)
	}
	return path, nil
}

// Prepare builds <root>/<job_id>/work. When sourceHint names a directory
// it is imported: git repositories are cloned locally, anything else is
// copied recursively after asserting the source tree holds no symlinks.
func (m *Manager) Prepare(ctx context.Context, jobID, sourceHint string) (*Layout, error) {
	if jobID == "" || strings.Contains(jobID, "..") || strings.ContainsAny(jobID, "/\\") {
		return nil, errorf("invalid job_id for workspace path: %q", jobID)
	}

	root := filepath.Join(m.root, jobID)
	workdir := filepath.Join(root, "work")

	if err := m.assertNoSymlinkComponents(root); err != nil {
		return nil, err
	}
	if err := mkdirSecure(root); err != nil {
		return nil, err
	}
	if err := m.assertNoSymlinkComponents(workdir); err != nil {
		return nil, err
	}

	if sourceHint == "" {
		if err := mkdirSecure(workdir); err != nil {
			return nil, err
		}
	} else {
		src, err := filepath.Abs(expandHome(sourceHint))
		if err != nil {
			return nil, errorf("resolving source %q: %v", sourceHint, err)
		}
		info, statErr := os.Stat(src)
		if statErr != nil || !info.IsDir() {
			return nil, errorf("source workdir does not exist: %s", src)
		}
		if existing, statErr := os.Stat(workdir); statErr == nil {
			entries, _ := os.ReadDir(workdir)
			if !existing.IsDir() || len(entries) > 0 {
				return nil, errorf("workspace already exists and is not empty: %s", workdir)
			}
		} else if err := m.importSource(ctx, src, workdir); err != nil {
			return nil, err
		}
	}

	final, err := filepath.EvalSymlinks(workdir)
	if err != nil {
		return nil, errorf("resolving workspace: %v", err)
	}
	if !within(m.root, final) {
		return nil, errorf("workspace escaped root: %s", final)
	}
	return &Layout{Root: root, Workdir: final}, nil
}

func (m *Manager) importSource(ctx context.Context, src, workdir string) error {
	if _, err := os.Stat(filepath.Join(src, ".git")); err == nil {
		if err := gitx.CloneLocal(ctx, src, workdir); err != nil {
			return errorf("importing git source: %v", err)
		}
		return nil
	}
	if err := assertNoSymlinksInTree(src); err != nil {
		return err
	}
	return copyTree(src, workdir)
}

// assertNoSymlinkComponents rejects any symlink in the path prefix between
// the workspaces root and target.
func (m *Manager) assertNoSymlinkComponents(target string) error {
	rel, err := filepath.Rel(m.root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errorf("path escapes workspaces root: %s", target)
	}
	cursor := m.root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		cursor = filepath.Join(cursor, part)
		info, err := os.Lstat(cursor)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errorf("inspecting %s: %v", cursor, err)
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return errorf("refusing symlink path component: %s", cursor)
		}
	}
	return nil
}

func assertNoSymlinksInTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errorf("scanning source tree: %v", err)
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return errorf("refusing source with symlink entry: %s", path)
		}
		return nil
	})
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errorf("copying source tree: %v", err)
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return errorf("copying source tree: %v", relErr)
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return mkdirSecure(target)
		}
		return copyFile(path, target, d)
	})
}

func copyFile(src, dst string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return errorf("copying %s: %v", src, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return errorf("copying %s: %v", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return errorf("copying %s: %v", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errorf("copying %s: %v", src, err)
	}
	return out.Close()
}

// mkdirSecure creates a directory with mode 0o750 under umask 0o027.
func mkdirSecure(path string) error {
	old := unix.Umask(0o027)
	defer unix.Umask(old)
	if err := os.MkdirAll(path, 0o750); err != nil {
		return errorf("creating %s: %v", path, err)
	}
	return os.Chmod(path, 0o750)
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
