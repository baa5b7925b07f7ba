// Package model defines the wire types shared by the queue, the runner,
// the gateway, and the workers. Field names follow the JSON contract in
// contracts/job.schema.json and contracts/result.schema.json.
package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const SchemaVersion = "1.0"

// Queue and result statuses.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusRetryable  = "retryable"
	StatusTimeout    = "timeout"
	StatusCancelled  = "cancelled"
	StatusNeedsHuman = "needs_human"
	StatusRunning    = "running"
)

// Network policies.
const (
	NetworkDeny  = "deny"
	NetworkAllow = "allow"
)

// Secrets check verdicts.
const (
	SecretsPassed = "passed"
	SecretsFailed = "failed"
)

// Change statuses.
const (
	ChangeChanged   = "changed"
	ChangeNoChanges = "no_changes"
)

// Artifact handoff strategies.
const (
	HandoffManual         = "manual"
	HandoffPatchFirst     = "patch_first"
	HandoffWorkspaceFirst = "workspace_first"
)

// Job source types.
const (
	SourceWebhook = "webhook"
	SourceManual  = "manual"
	SourceCron    = "cron"
)

var gotoPattern = regexp.MustCompile(`^goto:[0-9A-Za-z][0-9A-Za-z_-]{0,63}$`)

// NowISO returns the current UTC time in RFC 3339 form, the timestamp
// format used throughout the artifact tree.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// NewJobID returns a fresh 32-character hex job identifier.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// JobSource records where a job came from.
type JobSource struct {
	Type string         `json:"type" validate:"oneof=webhook manual cron"`
	Meta map[string]any `json:"meta,omitempty"`
}

// StepSpec is one unit of agent work within a job.
type StepSpec struct {
	StepID           string   `json:"step_id" validate:"required"`
	Agent            string   `json:"agent" validate:"required"`
	Role             string   `json:"role" validate:"required"`
	Prompt           string   `json:"prompt" validate:"required"`
	TimeoutSec       int      `json:"timeout_sec" validate:"min=1,max=3600"`
	MaxRetries       int      `json:"max_retries" validate:"min=0,max=10"`
	RetryBackoffSec  int      `json:"retry_backoff_sec" validate:"min=0,max=60"`
	InputArtifacts   []string `json:"input_artifacts,omitempty"`
	ApplyPatchesFrom []string `json:"apply_patches_from,omitempty"`
	AllowedTools     []string `json:"allowed_tools,omitempty"`
	OnFailure        string   `json:"on_failure" validate:"on_failure"`
}

// GotoTarget returns the target step id when on_failure is a goto directive.
func (s *StepSpec) GotoTarget() (string, bool) {
	if gotoPattern.MatchString(s.OnFailure) {
		return strings.TrimPrefix(s.OnFailure, "goto:"), true
	}
	return "", false
}

// PolicySpec is the per-job slice of the execution policy.
type PolicySpec struct {
	Sandbox          bool     `json:"sandbox"`
	Network          string   `json:"network" validate:"oneof=deny allow"`
	AllowedBinaries  []string `json:"allowed_binaries,omitempty"`
	RequiresApproval bool     `json:"requires_approval"`
}

// DefaultPolicySpec returns the policy a job gets when the payload omits one.
func DefaultPolicySpec() PolicySpec {
	return PolicySpec{Sandbox: true, Network: NetworkDeny}
}

// JobSpec is the durable description of a job. The queue entry holds its
// JSON serialization; the runner rewrites Workdir once the workspace is
// prepared.
type JobSpec struct {
	SchemaVersion string    `json:"schema_version"`
	JobID         string    `json:"job_id" validate:"required"`
	CreatedAt     string    `json:"created_at"`
	Source        JobSource `json:"source"`
	Goal          string    `json:"goal" validate:"required,min=1,max=5000"`

	ProjectID string     `json:"project_id,omitempty"`
	Workdir   string     `json:"workdir"`
	Steps     []StepSpec `json:"steps" validate:"required,min=1,dive"`
	Policy    PolicySpec `json:"policy"`

	CallbackURL     string           `json:"callback_url,omitempty" validate:"omitempty,url"`
	ContextWindow   []map[string]any `json:"context_window,omitempty"`
	ContextStrategy string           `json:"context_strategy" validate:"oneof=full summarize sliding"`
	ArtifactHandoff string           `json:"artifact_handoff" validate:"oneof=manual patch_first workspace_first"`

	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewJobSpec returns a JobSpec with identity, timestamps, and defaults
// filled in. Steps, policy, and source are the caller's to set.
func NewJobSpec(goal string) JobSpec {
	return JobSpec{
		SchemaVersion:   SchemaVersion,
		JobID:           NewJobID(),
		CreatedAt:       NowISO(),
		Source:          JobSource{Type: SourceManual},
		Goal:            goal,
		Workdir:         ".",
		Policy:          DefaultPolicySpec(),
		ContextStrategy: "sliding",
		ArtifactHandoff: HandoffManual,
	}
}

// ArtifactPaths holds artifact locations relative to artifacts/<job_id>/.
type ArtifactPaths struct {
	ReportMD   string `json:"report_md"`
	PatchDiff  string `json:"patch_diff"`
	LogsTxt    string `json:"logs_txt"`
	ResultJSON string `json:"result_json"`
}

// ErrorInfo is the structured error carried by step and job results.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Metrics aggregates per-step execution measurements.
type Metrics struct {
	DurationMS int     `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	TokensIn   int64   `json:"tokens_in,omitempty"`
	TokensOut  int64   `json:"tokens_out,omitempty"`
}

// StepResult is the persisted outcome of one step attempt series.
type StepResult struct {
	SchemaVersion string `json:"schema_version"`
	Kind          string `json:"kind"`

	JobID  string `json:"job_id"`
	StepID string `json:"step_id"`
	Agent  string `json:"agent"`
	Role   string `json:"role"`

	Status   string `json:"status"`
	Attempts int    `json:"attempts"`

	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`

	Summary      string        `json:"summary"`
	ChangeStatus string        `json:"change_status,omitempty"`
	Artifacts    ArtifactPaths `json:"artifacts"`
	SecretsCheck string        `json:"secrets_check,omitempty"`
	Metrics      Metrics       `json:"metrics"`
	Error        *ErrorInfo    `json:"error,omitempty"`
}

// JobResult aggregates step results with the overall verdict.
type JobResult struct {
	SchemaVersion string `json:"schema_version"`
	Kind          string `json:"kind"`

	JobID  string `json:"job_id"`
	Status string `json:"status"`

	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`

	Summary      string        `json:"summary"`
	Artifacts    ArtifactPaths `json:"artifacts"`
	SecretsCheck string        `json:"secrets_check,omitempty"`

	Steps []StepResult `json:"steps"`
	Error *ErrorInfo   `json:"error,omitempty"`
}

// StepState is the live per-step section of state.json.
type StepState struct {
	Status     string `json:"status,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	Agent      string `json:"agent,omitempty"`
	Role       string `json:"role,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// State is the operational state.json written after every transition.
type State struct {
	JobID       string               `json:"job_id"`
	Status      string               `json:"status"`
	StartedAt   string               `json:"started_at"`
	FinishedAt  string               `json:"finished_at,omitempty"`
	CurrentStep string               `json:"current_step,omitempty"`
	Steps       map[string]StepState `json:"steps"`
}

// NewValidator returns a validator with the on_failure rule registered.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("on_failure", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		switch value {
		case "stop", "continue", "ask_human":
			return true
		}
		return gotoPattern.MatchString(value)
	})
	return v
}
