// Package gitx wraps the git invocations the orchestrator needs: repo
// detection, base-commit capture, diff capture, patch application, and
// local clones for workspace imports.
//
// Every invocation runs with a filtered environment and hooks disabled so
// repository-local configuration cannot execute code in the runner's
// context.
package gitx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// safeGitEnv returns a minimal environment for git subprocesses.
func safeGitEnv() []string {
	essential := []string{"PATH", "HOME", "USER", "TMPDIR", "LANG", "LC_ALL", "TERM"}
	var env []string
	for _, name := range essential {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return env
}

func run(ctx context.Context, dir string, args ...string) (string, string, error) {
	full := append([]string{"-c", "core.hooksPath=/dev/null"}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = dir
	cmd.Env = safeGitEnv()
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(ctx context.Context, dir string) bool {
	out, _, err := run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// HeadCommit returns the current HEAD commit id, or "" when the repository
// has no commits or dir is not a repository.
func HeadCommit(ctx context.Context, dir string) string {
	out, _, err := run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// DiffSince returns the diff from baseCommit to the working tree. With an
// empty baseCommit it returns the unstaged diff. Errors collapse to "";
// callers treat an empty diff as "no changes".
func DiffSince(ctx context.Context, dir, baseCommit string) string {
	args := []string{"diff"}
	if baseCommit != "" {
		args = append(args, baseCommit)
	}
	out, _, err := run(ctx, dir, args...)
	if err != nil {
		return ""
	}
	return out
}

// Apply applies a patch file to the working tree.
func Apply(ctx context.Context, dir, patchPath string) error {
	_, stderr, err := run(ctx, dir, "apply", "--whitespace=nowarn", patchPath)
	if err != nil {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("git apply %s: %s", patchPath, detail)
	}
	return nil
}

// CloneLocal clones src into dst using hardlink-friendly local mode.
func CloneLocal(ctx context.Context, src, dst string) error {
	_, stderr, err := run(ctx, "", "clone", "--local", "--quiet", src, dst)
	if err != nil {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = err.Error()
		}
		return fmt.Errorf("git clone --local %s: %s", src, detail)
	}
	return nil
}
