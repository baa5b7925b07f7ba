package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/policy"
	"github.com/handleui/relay/internal/proc"
)

// fakeVariant lets tests drive the CLI template with an arbitrary command.
type fakeVariant struct {
	argv []string
}

func (f *fakeVariant) AgentName() string { return "fake" }

func (f *fakeVariant) BuildArgv(sc *StepContext, fullPrompt string) []string {
	return f.argv
}

func (f *fakeVariant) ParseOutput(sc *StepContext, res *proc.Result) ParsedOutput {
	return ParsedOutput{
		ReportMD: "# fake\n",
		Summary:  fmt.Sprintf("fake exit_code=%d", res.ExitCode),
	}
}

func makeGitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=t@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=t@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-q")
	if err := os.WriteFile(filepath.Join(dir, "tracked.txt"), []byte("original\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-q", "-m", "init")
	return dir
}

func realCLIContext(t *testing.T) *StepContext {
	t.Helper()
	sc := newTestContext(t, "fake", "implementer")
	sc.EnableRealCLI = true
	sc.Workdir = makeGitRepo(t)
	sc.Policy = policy.New(map[string]struct{}{"sh": {}}, false, "", nil, "allow")
	sc.MaxOutputChars = 100000
	return sc
}

func TestCLIRunDetectsChanges(t *testing.T) {
	sc := realCLIContext(t)
	w := NewCLIWorker(&fakeVariant{argv: []string{"sh", "-c", "echo changed >> tracked.txt"}})

	res, err := w.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Status != model.StatusSuccess {
		t.Fatalf("status = %s, want success (error: %+v)", res.Status, res.Error)
	}
	if res.ChangeStatus != model.ChangeChanged {
		t.Errorf("change_status = %q, want changed", res.ChangeStatus)
	}
	if !strings.Contains(res.Summary, "(changed)") {
		t.Errorf("summary = %q, want to contain (changed)", res.Summary)
	}
	patch, err := os.ReadFile(filepath.Join(sc.StepDir, "patch.diff"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(patch)) == "" {
		t.Error("patch.diff should be non-empty after a change")
	}
}

func TestCLIRunNoChanges(t *testing.T) {
	sc := realCLIContext(t)
	w := NewCLIWorker(&fakeVariant{argv: []string{"sh", "-c", "true"}})

	res, err := w.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.ChangeStatus != model.ChangeNoChanges {
		t.Errorf("change_status = %q, want no_changes", res.ChangeStatus)
	}
	if !strings.Contains(res.Summary, "(no_changes)") {
		t.Errorf("summary = %q, want to contain (no_changes)", res.Summary)
	}
	patch, _ := os.ReadFile(filepath.Join(sc.StepDir, "patch.diff"))
	if strings.TrimSpace(string(patch)) != "" {
		t.Error("patch.diff should be empty without changes")
	}
}

func TestCLIRunNonGitWorkdir(t *testing.T) {
	sc := newTestContext(t, "fake", "implementer")
	sc.EnableRealCLI = true
	sc.Workdir = t.TempDir() // not a repository
	// Empty allowlist: reaching the subprocess would be a policy error,
	// so a clean needs_human result proves no agent was invoked.
	sc.Policy = policy.New(nil, false, "", nil, "allow")

	w := NewCLIWorker(&fakeVariant{argv: []string{"sh", "-c", "echo should-not-run"}})
	res, err := w.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Status != model.StatusNeedsHuman {
		t.Errorf("status = %s, want needs_human", res.Status)
	}
	if res.Error == nil || res.Error.Code != "non_git_workdir" {
		t.Errorf("error = %+v, want code non_git_workdir", res.Error)
	}
	if res.ChangeStatus != "" {
		t.Errorf("change_status = %q, want empty for non-success", res.ChangeStatus)
	}
}

func TestCLIRunNonGitWorkdirFailedStatus(t *testing.T) {
	sc := newTestContext(t, "fake", "implementer")
	sc.EnableRealCLI = true
	sc.Workdir = t.TempDir()
	sc.NonGitWorkdirStatus = "failed"
	sc.Policy = policy.New(nil, false, "", nil, "allow")

	w := NewCLIWorker(&fakeVariant{argv: []string{"sh", "-c", "true"}})
	res, err := w.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed per configuration", res.Status)
	}
}

func TestCLIRunMissingPatch(t *testing.T) {
	sc := realCLIContext(t)
	sc.Step.ApplyPatchesFrom = []string{"steps/earlier/patch.diff"}

	w := NewCLIWorker(&fakeVariant{argv: []string{"sh", "-c", "true"}})
	res, err := w.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != "missing_patch" {
		t.Errorf("error = %+v, want code missing_patch", res.Error)
	}
}

func TestCLIRunInvalidPatchPath(t *testing.T) {
	sc := realCLIContext(t)
	sc.Step.ApplyPatchesFrom = []string{"../outside.diff"}

	w := NewCLIWorker(&fakeVariant{argv: []string{"sh", "-c", "true"}})
	res, err := w.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Error == nil || res.Error.Code != "invalid_patch_path" {
		t.Errorf("error = %+v, want code invalid_patch_path", res.Error)
	}
}

func TestCLIRunAppliesPatch(t *testing.T) {
	sc := realCLIContext(t)

	patch := `diff --git a/tracked.txt b/tracked.txt
index 94e65df..2f7a441 100644
--- a/tracked.txt
+++ b/tracked.txt
@@ -1 +1,2 @@
 original
+patched line
`
	patchPath := filepath.Join(sc.JobDir, "steps", "earlier")
	if err := os.MkdirAll(patchPath, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(patchPath, "patch.diff"), []byte(patch), 0o640); err != nil {
		t.Fatal(err)
	}
	sc.Step.ApplyPatchesFrom = []string{"steps/earlier/patch.diff"}

	w := NewCLIWorker(&fakeVariant{argv: []string{"sh", "-c", "true"}})
	res, err := w.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Status != model.StatusSuccess {
		t.Fatalf("status = %s (error %+v), want success", res.Status, res.Error)
	}
	content, err := os.ReadFile(filepath.Join(sc.Workdir, "tracked.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(content), "patched line") {
		t.Error("patch was not applied to the workdir")
	}
}

func TestCLIRunPolicyDenialIsFatal(t *testing.T) {
	sc := realCLIContext(t)
	sc.Policy = policy.New(map[string]struct{}{"other": {}}, false, "", nil, "allow")

	w := NewCLIWorker(&fakeVariant{argv: []string{"sh", "-c", "true"}})
	_, err := w.Run(context.Background(), sc)
	var policyErr *policy.Error
	if !errors.As(err, &policyErr) {
		t.Errorf("Run() err = %v, want *policy.Error", err)
	}
}

func TestCLIRunAgentNonZeroExit(t *testing.T) {
	sc := realCLIContext(t)
	w := NewCLIWorker(&fakeVariant{argv: []string{"sh", "-c", "exit 2"}})

	res, err := w.Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if res.Error == nil || res.Error.Code != "agent_exit_nonzero" {
		t.Errorf("error = %+v, want code agent_exit_nonzero", res.Error)
	}
}
