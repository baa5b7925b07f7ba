// Package runner is the engine: it claims queue entries, prepares
// workspaces, drives each step through its worker with retries and
// budget gating, persists artifacts, and routes failures.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/handleui/relay/internal/artifacts"
	"github.com/handleui/relay/internal/budget"
	"github.com/handleui/relay/internal/callback"
	"github.com/handleui/relay/internal/config"
	"github.com/handleui/relay/internal/contract"
	"github.com/handleui/relay/internal/doctor"
	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/policy"
	"github.com/handleui/relay/internal/prompt"
	"github.com/handleui/relay/internal/queue"
	"github.com/handleui/relay/internal/redact"
	"github.com/handleui/relay/internal/secrets"
	"github.com/handleui/relay/internal/worker"
	"github.com/handleui/relay/internal/workspace"
)

// maxStepExecutions bounds total step executions per job so a backwards
// goto chain cannot spin forever.
const maxStepExecutions = 100

const maxBackoff = 30 * time.Second

// Runner owns one orchestration loop. Multiple runner processes may share
// a queue root; claims race on rename and the loser moves on.
type Runner struct {
	settings   *config.Settings
	queue      *queue.Queue
	store      *artifacts.Store
	workspaces *workspace.Manager
	registry   *worker.Registry
	basePolicy *policy.Policy
	tracker    *budget.Tracker
	checker    *secrets.Checker
	redactor   *redact.Redactor
	assembler  *prompt.Assembler
	validate   *validator.Validate
	log        *zap.Logger

	lastRetention time.Time
}

// New wires a runner from its collaborators. tracker may be nil when
// budget caps are disabled.
func New(settings *config.Settings, q *queue.Queue, store *artifacts.Store, workspaces *workspace.Manager, registry *worker.Registry, tracker *budget.Tracker, log *zap.Logger) *Runner {
	return &Runner{
		settings:   settings,
		queue:      q,
		store:      store,
		workspaces: workspaces,
		registry:   registry,
		basePolicy: policy.New(settings.AllowedBinaries, settings.Sandbox, settings.SandboxWrapper, settings.SandboxWrapperArgs, settings.NetworkPolicy),
		tracker:    tracker,
		checker:    secrets.NewChecker(settings.SecretsCheckScript, log.Named("secrets")),
		redactor:   redact.New(settings.SensitiveEnvVars),
		assembler: prompt.New("prompts", prompt.Limits{
			MaxFiles:      settings.MaxInputArtifactsFiles,
			MaxFileChars:  settings.MaxInputArtifactChars,
			MaxTotalChars: settings.MaxInputArtifactsChars,
		}),
		validate: model.NewValidator(),
		log:      log,
	}
}

// RunForever drives the loop until the context ends.
func (r *Runner) RunForever(ctx context.Context) error {
	if r.settings.EnableRealCLI {
		if err := r.basePolicy.AssertRealCLISafe(); err != nil {
			return fmt.Errorf("startup policy check: %w", err)
		}
	}
	r.log.Info("runner started",
		zap.Bool("enable_real_cli", r.settings.EnableRealCLI),
		zap.Bool("sandbox", r.settings.Sandbox),
		zap.Strings("agents", r.registry.Agents()))

	poll := time.Duration(r.settings.RunnerPollIntervalSec) * time.Second
	reclaimAfter := time.Duration(r.settings.RunnerReclaimAfterSec) * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		if n, err := r.queue.ReclaimStaleRunning(reclaimAfter); err != nil {
			r.log.Warn("stale reclaim failed", zap.Error(err))
		} else if n > 0 {
			r.log.Info("reclaimed stale running jobs", zap.Int("count", n))
		}
		r.maybeRunRetention()

		claimed, err := r.queue.Claim()
		if errors.Is(err, queue.ErrEmpty) {
			sleepCtx(ctx, poll)
			continue
		}
		if err != nil {
			r.log.Error("claim failed", zap.Error(err))
			sleepCtx(ctx, poll)
			continue
		}
		r.processJob(ctx, claimed)
	}
}

func (r *Runner) maybeRunRetention() {
	interval := time.Duration(r.settings.RetentionIntervalSec) * time.Second
	if interval <= 0 || time.Since(r.lastRetention) < interval {
		return
	}
	r.lastRetention = time.Now()
	stats := RunRetention(RetentionConfig{
		QueueRoot:      r.settings.QueueRoot,
		ArtifactsRoot:  r.settings.ArtifactsRoot,
		WorkspacesRoot: r.settings.WorkspacesRoot,
		ArtifactsTTL:   time.Duration(r.settings.ArtifactsTTLSec) * time.Second,
		WorkspacesTTL:  time.Duration(r.settings.WorkspacesTTLSec) * time.Second,
	})
	if stats.RemovedArtifacts > 0 || stats.RemovedWorkspaces > 0 {
		r.log.Info("retention pass",
			zap.Int("removed_artifacts", stats.RemovedArtifacts),
			zap.Int("removed_workspaces", stats.RemovedWorkspaces))
	}
}

// processJob runs one claimed job end to end. Every escape hatch moves
// the queue entry to failed so the stale reclaimer never resurfaces it.
func (r *Runner) processJob(ctx context.Context, claimed *queue.Claimed) {
	log := r.log.With(zap.String("job_id", claimed.JobID))

	failEarly := func(err error) {
		log.Error("job failed before execution", zap.Error(err))
		if qErr := r.queue.Fail(claimed); qErr != nil {
			log.Error("cannot move job to failed", zap.Error(qErr))
		}
	}

	payload, err := r.queue.ReadClaimed(claimed)
	if err != nil {
		failEarly(fmt.Errorf("reading claimed entry: %w", err))
		return
	}
	if err := contract.ValidateJob(payload); err != nil {
		failEarly(err)
		return
	}
	var job model.JobSpec
	if err := json.Unmarshal(payload, &job); err != nil {
		failEarly(fmt.Errorf("decoding job: %w", err))
		return
	}
	applyJobDefaults(&job, r.settings)
	if err := r.validate.Struct(&job); err != nil {
		failEarly(fmt.Errorf("validating job: %w", err))
		return
	}

	startedAt := model.NowISO()

	sourceHint := ""
	if job.ProjectID != "" {
		sourceHint, err = r.workspaces.ResolveProjectAlias(job.ProjectID)
		if err != nil {
			failEarly(err)
			return
		}
	} else if job.Source.Type == model.SourceManual && job.Workdir != "" && job.Workdir != "." {
		sourceHint = job.Workdir
	}

	layout, err := r.workspaces.Prepare(ctx, job.JobID, sourceHint)
	if err != nil {
		failEarly(err)
		return
	}
	job.Workdir = layout.Workdir

	if err := r.store.EnsureJobLayout(job.JobID); err != nil {
		failEarly(err)
		return
	}
	if err := r.store.WriteJobSpec(job.JobID, &job); err != nil {
		failEarly(err)
		return
	}
	if len(job.ContextWindow) > 0 {
		_ = r.store.WriteContext(job.JobID, job.ContextWindow)
	}

	state := &model.State{
		JobID:     job.JobID,
		Status:    model.StatusRunning,
		StartedAt: startedAt,
		Steps:     make(map[string]model.StepState),
	}
	_ = r.store.WriteState(job.JobID, state)

	jobPolicy := r.basePolicy.ForJob(job.Policy.Sandbox, job.Policy.Network, job.Policy.AllowedBinaries)

	overallStatus := model.StatusSuccess
	var overallError *model.ErrorInfo
	var stepResults []model.StepResult
	askHuman := false

	if err := r.assertExecutable(jobPolicy, &job); err != nil {
		overallStatus = model.StatusFailed
		overallError = &model.ErrorInfo{Code: "policy", Message: err.Error()}
		log.Error("job rejected by policy", zap.Error(err))
	} else {
		overallStatus, overallError, stepResults, askHuman = r.runSteps(ctx, &job, jobPolicy, state, log)
	}

	if askHuman {
		state.Status = "awaiting_approval"
		_ = r.store.WriteState(job.JobID, state)
		if err := r.queue.AwaitApproval(claimed); err != nil {
			log.Error("cannot park job for approval", zap.Error(err))
			_ = r.queue.Fail(claimed)
		}
		log.Info("job paused for human approval")
		return
	}

	finishedAt := model.NowISO()
	jobResult := r.aggregate(&job, overallStatus, overallError, stepResults, startedAt, finishedAt)

	if err := contract.ValidateResult(&jobResult); err != nil {
		log.Error("job result failed contract validation", zap.Error(err))
		jobResult.Status = model.StatusFailed
		jobResult.Error = &model.ErrorInfo{Code: "result_schema_validation_failed", Message: err.Error()}
		overallStatus = model.StatusFailed
	}

	reportMD, patchDiff, logsTxt := r.aggregateFiles(&job, stepResults)
	if err := r.store.WriteJobArtifacts(job.JobID, reportMD, patchDiff, logsTxt, &jobResult); err != nil {
		log.Error("cannot write job artifacts", zap.Error(err))
	}

	state.Status = overallStatus
	state.FinishedAt = finishedAt
	_ = r.store.WriteState(job.JobID, state)

	if job.CallbackURL != "" {
		callback.Fire(ctx, job.CallbackURL, &jobResult, log.Named("callback"))
	}

	if overallStatus == model.StatusSuccess {
		err = r.queue.Ack(claimed)
	} else {
		err = r.queue.Fail(claimed)
	}
	if err != nil {
		log.Error("cannot finalize queue entry", zap.Error(err))
	}
	log.Info("job finished", zap.String("status", overallStatus))
}

// assertExecutable verifies the derived policy and, in real mode, the
// binary preflight for every agent the job needs.
func (r *Runner) assertExecutable(jobPolicy *policy.Policy, job *model.JobSpec) error {
	if !r.settings.EnableRealCLI {
		return nil
	}
	if err := jobPolicy.AssertRealCLISafe(); err != nil {
		return err
	}
	required := r.registry.RequiredBinaries(job)
	if _, err := doctor.AssertRealCLIReady(jobPolicy.AllowedBinaries, r.settings.MinBinaryVersions, required); err != nil {
		return err
	}
	return nil
}

// runSteps executes the pipeline with handoff, retries, and failure
// routing. Returns the overall verdict, collected step results, and
// whether the job should park for approval.
func (r *Runner) runSteps(ctx context.Context, job *model.JobSpec, jobPolicy *policy.Policy, state *model.State, log *zap.Logger) (string, *model.ErrorInfo, []model.StepResult, bool) {
	jobDir, err := r.store.JobDir(job.JobID)
	if err != nil {
		return model.StatusFailed, &model.ErrorInfo{Code: "exception", Message: err.Error()}, nil, false
	}

	var stepResults []model.StepResult
	lastSuccessful := ""
	executions := 0
	i := 0

	for i < len(job.Steps) {
		if ctx.Err() != nil {
			return model.StatusFailed, &model.ErrorInfo{Code: "cancelled", Message: "runner shutting down"}, stepResults, false
		}
		executions++
		if executions > maxStepExecutions {
			log.Warn("step execution limit reached; aborting pipeline")
			return model.StatusFailed, &model.ErrorInfo{
				Code:    "step_failed",
				Message: fmt.Sprintf("pipeline exceeded %d step executions (goto loop?)", maxStepExecutions),
			}, stepResults, false
		}

		step := effectiveStep(job, i, lastSuccessful)
		if err := r.store.EnsureStepLayout(job.JobID, step.StepID); err != nil {
			return model.StatusFailed, &model.ErrorInfo{Code: "exception", Message: err.Error()}, stepResults, false
		}
		stepDir, _ := r.store.StepDir(job.JobID, step.StepID)

		state.CurrentStep = step.StepID
		if _, ok := state.Steps[step.StepID]; !ok {
			state.Steps[step.StepID] = model.StepState{}
		}
		_ = r.store.WriteState(job.JobID, state)

		w, ok := r.registry.Get(step.Agent)
		if !ok {
			return model.StatusFailed, &model.ErrorInfo{
				Code:    "unknown_agent",
				Message: fmt.Sprintf("unknown agent %q", step.Agent),
			}, stepResults, false
		}

		res, fatal := r.runStepAttempts(ctx, job, step, w, jobDir, stepDir, jobPolicy, state)
		if fatal != nil {
			return model.StatusFailed, fatal, stepResults, false
		}
		stepResults = append(stepResults, *res)

		if res.Status == model.StatusSuccess {
			lastSuccessful = step.StepID
			i++
			continue
		}

		if target, ok := step.GotoTarget(); ok {
			idx := stepIndex(job.Steps, target)
			if idx < 0 {
				log.Warn("on_failure goto target not found; stopping",
					zap.String("step_id", step.StepID), zap.String("target", target))
				return model.StatusFailed, &model.ErrorInfo{
					Code:    "step_failed",
					Message: fmt.Sprintf("step %s failed and goto target %q is unknown", step.StepID, target),
				}, stepResults, false
			}
			i = idx
			continue
		}
		switch step.OnFailure {
		case "continue":
			i++
		case "ask_human":
			return model.StatusRunning, nil, stepResults, true
		default: // stop
			return model.StatusFailed, &model.ErrorInfo{
				Code:    "step_failed",
				Message: fmt.Sprintf("step %s failed with status=%s", step.StepID, res.Status),
			}, stepResults, false
		}
	}

	return model.StatusSuccess, nil, stepResults, false
}

// runStepAttempts drives the retry loop for one step. A non-nil fatal
// error aborts the whole job (policy denial).
func (r *Runner) runStepAttempts(ctx context.Context, job *model.JobSpec, step model.StepSpec, w worker.Worker, jobDir, stepDir string, jobPolicy *policy.Policy, state *model.State) (*model.StepResult, *model.ErrorInfo) {
	var last *model.StepResult
	maxAttempts := step.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptStarted := model.NowISO()
		ss := state.Steps[step.StepID]
		ss.Status = model.StatusRunning
		ss.Attempt = attempt
		ss.Agent = step.Agent
		ss.Role = step.Role
		ss.StartedAt = attemptStarted
		state.Steps[step.StepID] = ss
		_ = r.store.WriteState(job.JobID, state)

		res, invoked, noRetry, fatal := r.attemptStep(ctx, job, step, w, jobDir, stepDir, jobPolicy, attemptStarted)
		if fatal != nil {
			return nil, fatal
		}
		res.Attempts = attempt

		if r.checker.Check(ctx, stepDir) {
			res.SecretsCheck = model.SecretsPassed
		} else {
			res.Status = model.StatusFailed
			res.SecretsCheck = model.SecretsFailed
			res.Error = &model.ErrorInfo{
				Code:    "secrets_check_failed",
				Message: "post-step secrets check flagged the step artifacts",
			}
		}

		if err := contract.ValidateResult(res); err != nil {
			replacement := r.synthesizeResult(job, step, attemptStarted, model.StatusFailed,
				"result_schema_validation_failed", err.Error())
			replacement.Attempts = attempt
			replacement.SecretsCheck = res.SecretsCheck
			res = replacement
			noRetry = true
		}

		r.redactResult(res)
		if err := r.store.WriteStepResult(job.JobID, step.StepID, res); err != nil {
			r.log.Error("cannot persist step result", zap.Error(err))
		}

		if invoked && r.tracker != nil && r.tracker.Enabled() {
			if err := r.tracker.Log(step.Agent, 1, res.Metrics.CostUSD); err != nil {
				r.log.Warn("cannot log budget usage", zap.Error(err))
			}
		}

		ss = state.Steps[step.StepID]
		ss.Status = res.Status
		ss.FinishedAt = res.FinishedAt
		ss.Summary = res.Summary
		state.Steps[step.StepID] = ss
		_ = r.store.WriteState(job.JobID, state)

		last = res
		if res.Status == model.StatusSuccess || noRetry {
			return res, nil
		}
		if attempt < maxAttempts {
			ss.Status = "retrying"
			state.Steps[step.StepID] = ss
			_ = r.store.WriteState(job.JobID, state)
			sleepCtx(ctx, backoffDelay(step.RetryBackoffSec, attempt))
		}
	}
	return last, nil
}

// attemptStep performs a single attempt: the budget gate and the worker
// invocation under the outer safety timeout.
func (r *Runner) attemptStep(ctx context.Context, job *model.JobSpec, step model.StepSpec, w worker.Worker, jobDir, stepDir string, jobPolicy *policy.Policy, startedAt string) (res *model.StepResult, invoked, noRetry bool, fatal *model.ErrorInfo) {
	if r.tracker != nil && r.tracker.Enabled() {
		if _, err := r.tracker.Check(); err != nil {
			if errors.Is(err, budget.ErrLimitExceeded) {
				return r.synthesizeResult(job, step, startedAt, model.StatusFailed, "budget_exceeded", err.Error()), false, true, nil
			}
			return r.synthesizeResult(job, step, startedAt, model.StatusFailed, "exception", err.Error()), false, false, nil
		}
	}

	sc := &worker.StepContext{
		Job:                 job,
		Step:                step,
		JobDir:              jobDir,
		StepDir:             stepDir,
		Workdir:             job.Workdir,
		EnableRealCLI:       r.settings.EnableRealCLI,
		Policy:              jobPolicy,
		EnvAllowlist:        r.settings.EnvAllowlist,
		ClearEnv:            r.settings.SandboxClearEnv,
		IdleWatchdog:        time.Duration(r.settings.RunnerMaxIdleSec) * time.Second,
		MaxOutputChars:      r.settings.MaxSubprocessOutputChars,
		NonGitWorkdirStatus: r.settings.NonGitWorkdirStatus,
		Assembler:           r.assembler,
		Redactor:            r.redactor,
		Log:                 r.log.Named("worker." + step.Agent),
	}

	// Last-resort cap on top of the driver's own watchdogs.
	outerCtx, cancel := context.WithTimeout(ctx, time.Duration(step.TimeoutSec+5)*time.Second)
	defer cancel()

	result, err := w.Run(outerCtx, sc)
	invoked = true
	if err != nil {
		var policyErr *policy.Error
		if errors.As(err, &policyErr) {
			return nil, invoked, false, &model.ErrorInfo{Code: "policy", Message: err.Error()}
		}
		if errors.Is(outerCtx.Err(), context.DeadlineExceeded) {
			return r.synthesizeResult(job, step, startedAt, model.StatusTimeout, "timeout",
				fmt.Sprintf("step timeout after %ds", step.TimeoutSec)), invoked, false, nil
		}
		return r.synthesizeResult(job, step, startedAt, model.StatusFailed, "exception", err.Error()), invoked, false, nil
	}
	if result == nil {
		return r.synthesizeResult(job, step, startedAt, model.StatusFailed, "exception", "worker returned no result"), invoked, false, nil
	}
	return result, invoked, false, nil
}

func (r *Runner) synthesizeResult(job *model.JobSpec, step model.StepSpec, startedAt, status, code, message string) *model.StepResult {
	errInfo := &model.ErrorInfo{Code: code, Message: message}
	if status == model.StatusTimeout && code == "timeout" {
		// timeout is carried by the status; keep the code anyway for
		// downstream consumers that only read error.code.
		errInfo.Details = map[string]any{"timeout_sec": step.TimeoutSec}
	}
	summary := message
	if len(summary) > 200 {
		summary = summary[:200]
	}
	base := filepath.Join("steps", step.StepID)
	return &model.StepResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "step",
		JobID:         job.JobID,
		StepID:        step.StepID,
		Agent:         step.Agent,
		Role:          step.Role,
		Status:        status,
		Attempts:      1,
		StartedAt:     startedAt,
		FinishedAt:    model.NowISO(),
		Summary:       summary,
		Artifacts: model.ArtifactPaths{
			ReportMD:   filepath.Join(base, "report.md"),
			PatchDiff:  filepath.Join(base, "patch.diff"),
			LogsTxt:    filepath.Join(base, "logs.txt"),
			ResultJSON: filepath.Join(base, "result.json"),
		},
		Metrics: model.Metrics{},
		Error:   errInfo,
	}
}

func (r *Runner) redactResult(res *model.StepResult) {
	res.Summary = r.redactor.Redact(res.Summary)
	if res.Error != nil {
		res.Error.Message = r.redactor.Redact(res.Error.Message)
	}
}

// aggregate builds the final JobResult from the step results.
func (r *Runner) aggregate(job *model.JobSpec, status string, overallError *model.ErrorInfo, steps []model.StepResult, startedAt, finishedAt string) model.JobResult {
	secretsCheck := ""
	if len(steps) > 0 {
		secretsCheck = model.SecretsPassed
		for _, s := range steps {
			if s.SecretsCheck != model.SecretsPassed {
				secretsCheck = model.SecretsFailed
				break
			}
		}
	}
	if steps == nil {
		steps = []model.StepResult{}
	}
	return model.JobResult{
		SchemaVersion: model.SchemaVersion,
		Kind:          "job",
		JobID:         job.JobID,
		Status:        status,
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		Summary:       fmt.Sprintf("Completed with status=%s. steps=%d", status, len(steps)),
		Artifacts: model.ArtifactPaths{
			ReportMD:   "report.md",
			PatchDiff:  "patch.diff",
			LogsTxt:    "logs.txt",
			ResultJSON: "result.json",
		},
		SecretsCheck: secretsCheck,
		Steps:        steps,
		Error:        overallError,
	}
}

// aggregateFiles concatenates per-step artifact files with step headers.
func (r *Runner) aggregateFiles(job *model.JobSpec, steps []model.StepResult) (reportMD, patchDiff, logsTxt string) {
	reportParts := []string{fmt.Sprintf("# Job %s\n", job.JobID), fmt.Sprintf("## Goal\n\n%s\n", job.Goal)}
	var patchParts, logParts []string

	for _, sr := range steps {
		header := fmt.Sprintf("step %s (%s:%s)", sr.StepID, sr.Agent, sr.Role)
		reportParts = append(reportParts,
			fmt.Sprintf("\n---\n\n## Step %s (%s:%s)\n\n", sr.StepID, sr.Agent, sr.Role),
			r.store.ReadText(job.JobID, "steps", sr.StepID, "report.md"))

		if patch := strings.TrimSpace(r.store.ReadText(job.JobID, "steps", sr.StepID, "patch.diff")); patch != "" {
			patchParts = append(patchParts, fmt.Sprintf("\n\n# --- %s ---\n\n%s\n", header, patch))
		}
		if logs := strings.TrimSpace(r.store.ReadText(job.JobID, "steps", sr.StepID, "logs.txt")); logs != "" {
			logParts = append(logParts, fmt.Sprintf("\n\n# --- %s ---\n\n%s\n", header, logs))
		}
	}

	reportMD = strings.TrimSpace(strings.Join(reportParts, "\n")) + "\n"
	patchDiff = strings.TrimSpace(strings.Join(patchParts, "\n")) + "\n"
	logsTxt = strings.TrimSpace(strings.Join(logParts, "\n")) + "\n"
	return reportMD, patchDiff, logsTxt
}

// effectiveStep applies the job's handoff strategy to the declared step.
func effectiveStep(job *model.JobSpec, idx int, lastSuccessful string) model.StepSpec {
	step := job.Steps[idx]
	switch job.ArtifactHandoff {
	case model.HandoffPatchFirst:
		if lastSuccessful != "" {
			step.InputArtifacts = []string{filepath.Join("steps", lastSuccessful, "patch.diff")}
		} else {
			step.InputArtifacts = nil
		}
		step.ApplyPatchesFrom = nil
	case model.HandoffWorkspaceFirst:
		step.InputArtifacts = nil
		step.ApplyPatchesFrom = nil
	}
	return step
}

func stepIndex(steps []model.StepSpec, stepID string) int {
	for i := range steps {
		if steps[i].StepID == stepID {
			return i
		}
	}
	return -1
}

func backoffDelay(baseSec, attempt int) time.Duration {
	if baseSec <= 0 {
		return 0
	}
	delay := time.Duration(baseSec) * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return min(delay, maxBackoff)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// applyJobDefaults fills fields older or minimal job documents may omit.
func applyJobDefaults(job *model.JobSpec, settings *config.Settings) {
	if job.SchemaVersion == "" {
		job.SchemaVersion = model.SchemaVersion
	}
	if job.CreatedAt == "" {
		job.CreatedAt = model.NowISO()
	}
	if job.Source.Type == "" {
		job.Source.Type = model.SourceManual
	}
	if job.Workdir == "" {
		job.Workdir = "."
	}
	if job.Policy.Network == "" {
		job.Policy.Network = model.NetworkDeny
	}
	if job.ContextStrategy == "" {
		job.ContextStrategy = "sliding"
	}
	if job.ArtifactHandoff == "" {
		job.ArtifactHandoff = settings.DefaultArtifactHandoff
	}
	for i := range job.Steps {
		if job.Steps[i].TimeoutSec == 0 {
			job.Steps[i].TimeoutSec = 600
		}
		if job.Steps[i].OnFailure == "" {
			job.Steps[i].OnFailure = "stop"
		}
	}
}
