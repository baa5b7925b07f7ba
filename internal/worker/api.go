package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/handleui/relay/internal/gitx"
	"github.com/handleui/relay/internal/model"
)

// CallContext is the job-level context passed to API variants.
type CallContext struct {
	JobID           string
	StepID          string
	Agent           string
	Role            string
	Metadata        map[string]any
	ContextWindow   []map[string]any
	ContextStrategy string
}

// APIResponse is what an API variant returns from one call.
type APIResponse struct {
	ReportMD string
	Summary  string
	Status   string // empty means success
	Error    *model.ErrorInfo
	Raw      string
	Metrics  *model.Metrics
}

// APIVariant supplies the agent-specific API call.
type APIVariant interface {
	AgentName() string
	CallAPI(ctx context.Context, fullPrompt string, call CallContext) (*APIResponse, error)
}

// APIWorker is the template for agents reached over an HTTP API instead
// of a subprocess. It follows the CLI template but replaces the command
// construction, execution, and parsing with a single API call.
type APIWorker struct {
	variant APIVariant
}

// NewAPIWorker wraps a variant into the API template.
func NewAPIWorker(variant APIVariant) *APIWorker {
	return &APIWorker{variant: variant}
}

func (w *APIWorker) AgentName() string { return w.variant.AgentName() }

// RequiredBinaries is empty: API variants need no local agent binary.
func (w *APIWorker) RequiredBinaries(model.StepSpec) []string { return nil }

// Run drives one step through the agent API.
func (w *APIWorker) Run(ctx context.Context, sc *StepContext) (*model.StepResult, error) {
	if !sc.EnableRealCLI {
		if sim, ok := w.variant.(simulator); ok {
			return sim.Simulate(ctx, sc)
		}
		return defaultSimulation(ctx, sc)
	}

	startedAt := model.NowISO()
	startedClock := time.Now()

	if errInfo := applyRequestedPatches(ctx, sc); errInfo != nil {
		return earlyFailure(sc, startedAt, errInfo), nil
	}
	if errInfo := ensureGitRepo(ctx, sc); errInfo != nil {
		return earlyFailure(sc, startedAt, errInfo), nil
	}

	fullPrompt := buildFullPrompt(sc)
	baseCommit := gitx.HeadCommit(ctx, sc.Workdir)

	call := CallContext{
		JobID:           sc.Job.JobID,
		StepID:          sc.Step.StepID,
		Agent:           sc.Step.Agent,
		Role:            sc.Step.Role,
		Metadata:        sc.Job.Metadata,
		ContextWindow:   sc.Job.ContextWindow,
		ContextStrategy: sc.Job.ContextStrategy,
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(sc.Step.TimeoutSec)*time.Second)
	response, err := w.variant.CallAPI(callCtx, fullPrompt, call)
	cancel()
	if err != nil {
		response = &APIResponse{
			ReportMD: fmt.Sprintf("# API call failed\n\n- error: `%v`\n", err),
			Summary:  "API call failed",
			Status:   model.StatusFailed,
			Error:    &model.ErrorInfo{Code: "api_call_failed", Message: err.Error()},
			Raw:      err.Error(),
		}
		if callCtx.Err() == context.DeadlineExceeded {
			response.Status = model.StatusTimeout
			response.Error = &model.ErrorInfo{
				Code:    "timeout",
				Message: fmt.Sprintf("API call exceeded %ds budget", sc.Step.TimeoutSec),
			}
		}
	}

	finishedAt := model.NowISO()
	durationMS := int(time.Since(startedClock).Milliseconds())
	status := response.Status
	if status == "" {
		if response.Error == nil {
			status = model.StatusSuccess
		} else {
			status = model.StatusFailed
		}
	}
	errInfo := response.Error
	if status != model.StatusSuccess && errInfo == nil {
		errInfo = &model.ErrorInfo{Code: "api_error", Message: "API worker returned non-success status"}
	}

	patchDiff := gitx.DiffSince(ctx, sc.Workdir, baseCommit)
	changeStatus := ""
	if status == model.StatusSuccess {
		if strings.TrimSpace(patchDiff) != "" {
			changeStatus = model.ChangeChanged
		} else {
			changeStatus = model.ChangeNoChanges
		}
	}

	logsTxt := fmt.Sprintf(
		"[%s] %s api run\nstatus=%s\nduration_ms=%d\n",
		sc.Step.StepID, sc.Step.Agent, status, durationMS,
	)
	rawStderr := ""
	if errInfo != nil {
		rawStderr = errInfo.Message
	}
	if err := writeStepFiles(sc, response.ReportMD, patchDiff, logsTxt, response.Raw, rawStderr); err != nil {
		return nil, err
	}

	metrics := model.Metrics{DurationMS: durationMS}
	if response.Metrics != nil {
		metrics = *response.Metrics
		if metrics.DurationMS == 0 {
			metrics.DurationMS = durationMS
		}
	}

	summary := response.Summary
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
		Metrics:       metrics,
		Error:         errInfo,
	}, nil
}
