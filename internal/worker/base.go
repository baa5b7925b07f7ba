package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/handleui/relay/internal/gitx"
	"github.com/handleui/relay/internal/model"
)

// ParsedOutput is what a variant extracts from its agent's stdout.
type ParsedOutput struct {
	ReportMD string
	Summary  string
	Status   string // empty means "derive from exit code"
	Error    *model.ErrorInfo
}

func artifactPaths(step model.StepSpec) model.ArtifactPaths {
	base := filepath.Join("steps", step.StepID)
	return model.ArtifactPaths{
		ReportMD:   filepath.Join(base, "report.md"),
		PatchDiff:  filepath.Join(base, "patch.diff"),
		LogsTxt:    filepath.Join(base, "logs.txt"),
		ResultJSON: filepath.Join(base, "result.json"),
	}
}

// writeStepFiles writes the fixed artifact files into the step directory
// with redaction applied. result.json is the runner's to write, after
// validation.
func writeStepFiles(sc *StepContext, reportMD, patchDiff, logsTxt, rawStdout, rawStderr string) error {
	if err := os.MkdirAll(sc.StepDir, 0o750); err != nil {
		return err
	}
	files := map[string]string{
		"report.md":  reportMD,
		"patch.diff": patchDiff,
		"logs.txt":   logsTxt,
	}
	if rawStdout != "" {
		files["raw_stdout.txt"] = rawStdout
	}
	if rawStderr != "" {
		files["raw_stderr.txt"] = rawStderr
	}
	for name, text := range files {
		redacted := sc.Redactor.Redact(text)
		if err := renameio.WriteFile(filepath.Join(sc.StepDir, name), []byte(redacted), 0o640); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

func buildFullPrompt(sc *StepContext) string {
	return sc.Assembler.Build(sc.Step.Agent, sc.Step.Prompt, sc.JobDir, sc.Step.InputArtifacts)
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// applyRequestedPatches applies each patch listed in apply_patches_from to
// the workdir. Paths must stay inside the job's artifact directory.
func applyRequestedPatches(ctx context.Context, sc *StepContext) *model.ErrorInfo {
	if len(sc.Step.ApplyPatchesFrom) == 0 {
		return nil
	}
	if errInfo := ensureGitRepo(ctx, sc); errInfo != nil {
		return errInfo
	}
	for _, relPatch := range sc.Step.ApplyPatchesFrom {
		patchPath := filepath.Join(sc.JobDir, relPatch)
		if !within(sc.JobDir, patchPath) {
			return &model.ErrorInfo{
				Code:    "invalid_patch_path",
				Message: fmt.Sprintf("patch path escapes job dir: %s", relPatch),
				Details: map[string]any{"patch": relPatch},
			}
		}
		info, err := os.Stat(patchPath)
		if err != nil {
			return &model.ErrorInfo{
				Code:    "missing_patch",
				Message: fmt.Sprintf("patch file does not exist: %s", relPatch),
				Details: map[string]any{"patch": relPatch},
			}
		}
		if info.IsDir() {
			return &model.ErrorInfo{
				Code:    "invalid_patch_path",
				Message: fmt.Sprintf("patch path is a directory: %s", relPatch),
				Details: map[string]any{"patch": relPatch},
			}
		}
		if err := gitx.Apply(ctx, sc.Workdir, patchPath); err != nil {
			return &model.ErrorInfo{
				Code:    "patch_apply_failed",
				Message: fmt.Sprintf("failed to apply patch: %s", relPatch),
				Details: map[string]any{"patch": relPatch, "error": err.Error()},
			}
		}
	}
	return nil
}

func ensureGitRepo(ctx context.Context, sc *StepContext) *model.ErrorInfo {
	if gitx.IsRepo(ctx, sc.Workdir) {
		return nil
	}
	return &model.ErrorInfo{
		Code:    "non_git_workdir",
		Message: fmt.Sprintf("workdir is not a git repository: %s", sc.Workdir),
		Details: map[string]any{"workdir": sc.Workdir, "status": sc.NonGitWorkdirStatus},
	}
}

// earlyFailure builds the step result for a failure that happened before
// the agent was invoked.
func earlyFailure(sc *StepContext, startedAt string, errInfo *model.ErrorInfo) *model.StepResult {
	status := model.StatusFailed
	if errInfo.Code == "non_git_workdir" {
		status = sc.NonGitWorkdirStatus
	}
	reportMD := fmt.Sprintf(
		"# %s step %s [%s]\n\n- error: `%s`\n- message: `%s`\n",
		sc.Step.Agent, sc.Step.StepID, status, errInfo.Code, errInfo.Message,
	)
	logsTxt := fmt.Sprintf(
		"[%s] %s run skipped\nstatus=%s\nerror=%s\n",
		sc.Step.StepID, sc.Step.Agent, status, errInfo.Code,
	)
	_ = writeStepFiles(sc, reportMD, "", logsTxt, "", "")

	return &model.StepResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "step",
		JobID:         sc.Job.JobID,
		StepID:        sc.Step.StepID,
		Agent:         sc.Step.Agent,
		Role:          sc.Step.Role,
		Status:        status,
		Attempts:      1,
		StartedAt:     startedAt,
		FinishedAt:    model.NowISO(),
		Summary:       truncateSummary(errInfo.Message),
		Artifacts:     artifactPaths(sc.Step),
		Metrics:       model.Metrics{},
		Error:         errInfo,
	}
}

func truncateSummary(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncateSummary(s)
}

// sleepCtx pauses for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// simulate is the simulation-mode branch shared by every worker: it
// writes deterministic artifacts and reports success without touching
// the workspace.
func simulate(ctx context.Context, sc *StepContext, delay time.Duration, reportMD, patchDiff, logsTxt, summary string) (*model.StepResult, error) {
	startedAt := model.NowISO()
	sleepCtx(ctx, delay)
	if err := writeStepFiles(sc, reportMD, patchDiff, logsTxt, "", ""); err != nil {
		return nil, err
	}
	return &model.StepResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "step",
		JobID:         sc.Job.JobID,
		StepID:        sc.Step.StepID,
		Agent:         sc.Step.Agent,
		Role:          sc.Step.Role,
		Status:        model.StatusSuccess,
		Attempts:      1,
		StartedAt:     startedAt,
		FinishedAt:    model.NowISO(),
		Summary:       summary,
		Artifacts:     artifactPaths(sc.Step),
		Metrics:       model.Metrics{DurationMS: int(delay.Milliseconds())},
	}, nil
}

func defaultSimulation(ctx context.Context, sc *StepContext) (*model.StepResult, error) {
	fullPrompt := buildFullPrompt(sc)
	reportMD := fmt.Sprintf(
		"# Step %s\n\n- agent: **%s**\n- role: **%s**\n\n## Prompt\n\n%s\n\n## Output (simulated)\n\nSimulated worker run; enable ENABLE_REAL_CLI for real execution.\n",
		sc.Step.StepID, sc.Step.Agent, sc.Step.Role, fullPrompt,
	)
	patchDiff := fmt.Sprintf(
		"diff --git a/README.md b/README.md\nindex 0000000..1111111 100644\n--- a/README.md\n+++ b/README.md\n@@ -0,0 +1,1 @@\n+Simulated change from %s:%s\n",
		sc.Step.Agent, sc.Step.Role,
	)
	logsTxt := fmt.Sprintf("[%s] simulated logs\nprompt_length=%d\n", sc.Step.StepID, len(fullPrompt))
	return simulate(ctx, sc, 500*time.Millisecond, reportMD, patchDiff, logsTxt, "Simulated success")
}
