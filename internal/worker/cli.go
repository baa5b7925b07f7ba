package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/handleui/relay/internal/gitx"
	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/policy"
	"github.com/handleui/relay/internal/proc"
)

// CLIVariant supplies the agent-specific pieces of the subprocess
// template: the argv vector and the stdout parser.
type CLIVariant interface {
	AgentName() string
	BuildArgv(sc *StepContext, fullPrompt string) []string
	ParseOutput(sc *StepContext, res *proc.Result) ParsedOutput
}

// patchPostprocessor lets a variant rewrite the captured diff.
type patchPostprocessor interface {
	PostprocessPatch(sc *StepContext, diff string) string
}

// simulator lets a variant customise its simulation-mode artifacts.
type simulator interface {
	Simulate(ctx context.Context, sc *StepContext) (*model.StepResult, error)
}

// CLIWorker is the template for agents invoked as subprocesses.
type CLIWorker struct {
	variant CLIVariant
}

// NewCLIWorker wraps a variant into the subprocess template.
func NewCLIWorker(variant CLIVariant) *CLIWorker {
	return &CLIWorker{variant: variant}
}

func (w *CLIWorker) AgentName() string { return w.variant.AgentName() }

// RequiredBinaries returns the agent binary plus git (for diff capture
// and patch application).
func (w *CLIWorker) RequiredBinaries(step model.StepSpec) []string {
	return []string{step.Agent, "git"}
}

// Run drives one step through the agent subprocess. Policy denials are
// returned as errors (fatal to the job); everything else flows through
// the StepResult status.
func (w *CLIWorker) Run(ctx context.Context, sc *StepContext) (*model.StepResult, error) {
	if !sc.EnableRealCLI {
		if sim, ok := w.variant.(simulator); ok {
			return sim.Simulate(ctx, sc)
		}
		return defaultSimulation(ctx, sc)
	}

	startedAt := model.NowISO()

	if errInfo := applyRequestedPatches(ctx, sc); errInfo != nil {
		return earlyFailure(sc, startedAt, errInfo), nil
	}
	if errInfo := ensureGitRepo(ctx, sc); errInfo != nil {
		return earlyFailure(sc, startedAt, errInfo), nil
	}

	fullPrompt := buildFullPrompt(sc)
	baseCommit := gitx.HeadCommit(ctx, sc.Workdir)

	argv, err := sc.Policy.WrapCommand(w.variant.BuildArgv(sc, fullPrompt))
	if err != nil {
		var policyErr *policy.Error
		if errors.As(err, &policyErr) {
			return nil, err
		}
		return nil, fmt.Errorf("wrapping command: %w", err)
	}

	result, err := proc.Run(ctx, proc.Options{
		Argv:           argv,
		Dir:            sc.Workdir,
		EnvAllowlist:   sc.EnvAllowlist,
		ClearEnv:       sc.ClearEnv,
		Timeout:        time.Duration(sc.Step.TimeoutSec) * time.Second,
		IdleTimeout:    sc.IdleWatchdog,
		MaxOutputChars: sc.MaxOutputChars,
		Log:            sc.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", sc.Step.Agent, err)
	}
	finishedAt := model.NowISO()

	parsed := w.variant.ParseOutput(sc, result)
	status := parsed.Status
	if status == "" {
		if result.ExitCode == 0 {
			status = model.StatusSuccess
		} else {
			status = model.StatusFailed
		}
	}
	if result.KilledByWatchdog {
		status = model.StatusTimeout
	}
	errInfo := parsed.Error
	if status != model.StatusSuccess && errInfo == nil {
		if status == model.StatusTimeout {
			errInfo = &model.ErrorInfo{
				Code:    "timeout",
				Message: fmt.Sprintf("%s killed by watchdog after %ds budget", sc.Step.Agent, sc.Step.TimeoutSec),
				Details: map[string]any{"exit_code": result.ExitCode},
			}
		} else {
			errInfo = &model.ErrorInfo{
				Code:    "agent_exit_nonzero",
				Message: fmt.Sprintf("%s exited with code %d", sc.Step.Agent, result.ExitCode),
				Details: map[string]any{"exit_code": result.ExitCode},
			}
		}
	}

	patchDiff := gitx.DiffSince(ctx, sc.Workdir, baseCommit)
	if post, ok := w.variant.(patchPostprocessor); ok {
		patchDiff = post.PostprocessPatch(sc, patchDiff)
	}

	changeStatus := ""
	if status == model.StatusSuccess {
		if strings.TrimSpace(patchDiff) != "" {
			changeStatus = model.ChangeChanged
		} else {
			changeStatus = model.ChangeNoChanges
		}
	}

	logsTxt := fmt.Sprintf(
		"[%s] %s run\nexit_code=%d\nduration_ms=%d\nkilled_by_watchdog=%t\nstdout_truncated=%t\nstderr_truncated=%t\nstatus=%s\n",
		sc.Step.StepID, sc.Step.Agent, result.ExitCode, result.DurationMS,
		result.KilledByWatchdog, result.StdoutTruncated, result.StderrTruncated, status,
	)
	if changeStatus != "" {
		logsTxt += "change_status=" + changeStatus + "\n"
	}

	if err := writeStepFiles(sc, parsed.ReportMD, patchDiff, logsTxt, result.Stdout, result.Stderr); err != nil {
		return nil, err
	}

	summary := parsed.Summary
	if changeStatus != "" {
		summary = fmt.Sprintf("%s (%s)", summary, changeStatus)
	}

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
		FinishedAt:    finishedAt,
		Summary:       summary,
		ChangeStatus:  changeStatus,
		Artifacts:     artifactPaths(sc.Step),
		Metrics:       model.Metrics{DurationMS: result.DurationMS},
		Error:         errInfo,
	}, nil
}
