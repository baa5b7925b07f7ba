// Package config loads the orchestrator configuration from environment
// variables into one immutable Settings value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Settings is the process configuration. It is constructed once at startup
// and passed by value or pointer; nothing mutates it afterwards.
type Settings struct {
	QueueRoot      string
	ArtifactsRoot  string
	WorkspacesRoot string
	StateDBPath    string
	ProjectAliases map[string]string

	WebhookToken  string
	WebhookTokens map[string][]string // token -> allowed project patterns ("*" for any)

	RateLimitWindowSec  int
	RateLimitMaxRequests int
	MaxWebhookBodyBytes int64
	GatewayAddr         string

	DefaultArtifactHandoff string

	RunnerPollIntervalSec int
	RunnerMaxIdleSec      int
	RunnerReclaimAfterSec int

	EnableRealCLI bool

	Sandbox            bool
	SandboxWrapper     string
	SandboxWrapperArgs []string
	SandboxClearEnv    bool

	AllowedBinaries   map[string]struct{}
	MinBinaryVersions map[string]string
	NetworkPolicy     string

	EnvAllowlist     []string
	SensitiveEnvVars []string

	MaxInputArtifactsFiles   int
	MaxInputArtifactChars    int
	MaxInputArtifactsChars   int
	MaxSubprocessOutputChars int

	MaxDailyAPICalls int
	MaxDailyCostUSD  float64

	NonGitWorkdirStatus string
	SecretsCheckScript  string
	SchedulesDir        string

	RetentionIntervalSec int
	ArtifactsTTLSec      int
	WorkspacesTTLSec     int

	LogLevel string
	LogJSON  bool
}

// Load reads all settings from the environment and ensures the storage
// roots exist.
func Load() (*Settings, error) {
	s := &Settings{
		QueueRoot:      envString("QUEUE_ROOT", "var/queue"),
		ArtifactsRoot:  envString("ARTIFACTS_ROOT", "artifacts"),
		WorkspacesRoot: envString("WORKSPACES_ROOT", "workspaces"),
		StateDBPath:    envString("STATE_DB_PATH", "var/state.db"),
		ProjectAliases: envPathMap("PROJECT_ALIASES"),

		WebhookToken:  envString("WEBHOOK_TOKEN", "dev-token"),
		WebhookTokens: envTokenMap("WEBHOOK_TOKENS"),

		RateLimitWindowSec:   envInt("WEBHOOK_RATE_LIMIT_WINDOW_SEC", 60),
		RateLimitMaxRequests: envInt("WEBHOOK_RATE_LIMIT_MAX_REQUESTS", 30),
		MaxWebhookBodyBytes:  int64(envInt("MAX_WEBHOOK_BODY_BYTES", 262144)),
		GatewayAddr:          envString("GATEWAY_ADDR", "127.0.0.1:8080"),

		DefaultArtifactHandoff: envString("DEFAULT_ARTIFACT_HANDOFF", "manual"),

		RunnerPollIntervalSec: envInt("RUNNER_POLL_INTERVAL_SEC", 1),
		RunnerMaxIdleSec:      envInt("RUNNER_MAX_IDLE_SEC", 120),
		RunnerReclaimAfterSec: envInt("RUNNER_RECLAIM_AFTER_SEC", 600),

		EnableRealCLI: envBool("ENABLE_REAL_CLI", false),

		Sandbox:            envBool("SANDBOX", true),
		SandboxWrapper:     os.Getenv("SANDBOX_WRAPPER"),
		SandboxWrapperArgs: strings.Fields(os.Getenv("SANDBOX_WRAPPER_ARGS")),
		SandboxClearEnv:    envBool("SANDBOX_CLEAR_ENV", false),

		AllowedBinaries:   envSet("ALLOWED_BINARIES", ""),
		MinBinaryVersions: envStringMap("MIN_BINARY_VERSIONS"),
		NetworkPolicy:     envString("NETWORK_POLICY", "deny"),

		EnvAllowlist:     envList("ENV_ALLOWLIST", "ANTHROPIC_API_KEY,OPENAI_API_KEY,PATH,HOME,TMPDIR"),
		SensitiveEnvVars: envList("SENSITIVE_ENV_VARS", "ANTHROPIC_API_KEY,OPENAI_API_KEY"),

		MaxInputArtifactsFiles:   envInt("MAX_INPUT_ARTIFACTS_FILES", 10),
		MaxInputArtifactChars:    envInt("MAX_INPUT_ARTIFACT_CHARS", 12000),
		MaxInputArtifactsChars:   envInt("MAX_INPUT_ARTIFACTS_CHARS", 40000),
		MaxSubprocessOutputChars: envInt("MAX_SUBPROCESS_OUTPUT_CHARS", 200000),

		MaxDailyAPICalls: envInt("MAX_DAILY_API_CALLS", 0),
		MaxDailyCostUSD:  envFloat("MAX_DAILY_COST_USD", 0),

		NonGitWorkdirStatus: envString("NON_GIT_WORKDIR_STATUS", "needs_human"),
		SecretsCheckScript:  envString("SECRETS_CHECK_SCRIPT", ""),
		SchedulesDir:        envString("SCHEDULES_DIR", "schedules"),

		RetentionIntervalSec: envInt("RETENTION_INTERVAL_SEC", 300),
		ArtifactsTTLSec:      envInt("ARTIFACTS_TTL_SEC", 604800),
		WorkspacesTTLSec:     envInt("WORKSPACES_TTL_SEC", 172800),

		LogLevel: envString("LOG_LEVEL", "info"),
		LogJSON:  envBool("LOG_JSON", false),
	}

	if s.NonGitWorkdirStatus != "needs_human" && s.NonGitWorkdirStatus != "failed" {
		s.NonGitWorkdirStatus = "needs_human"
	}
	switch s.DefaultArtifactHandoff {
	case "manual", "patch_first", "workspace_first":
	default:
		s.DefaultArtifactHandoff = "manual"
	}
	if s.NetworkPolicy != "deny" && s.NetworkPolicy != "allow" {
		s.NetworkPolicy = "deny"
	}

	for _, dir := range []string{s.QueueRoot, s.ArtifactsRoot, s.WorkspacesRoot} {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", dir, err)
		}
		if err := os.MkdirAll(abs, 0o750); err != nil {
			return nil, fmt.Errorf("creating %s: %w", abs, err)
		}
	}
	var err error
	if s.QueueRoot, err = filepath.Abs(s.QueueRoot); err != nil {
		return nil, err
	}
	if s.ArtifactsRoot, err = filepath.Abs(s.ArtifactsRoot); err != nil {
		return nil, err
	}
	if s.WorkspacesRoot, err = filepath.Abs(s.WorkspacesRoot); err != nil {
		return nil, err
	}
	return s, nil
}

// BudgetEnabled reports whether either daily cap is configured.
func (s *Settings) BudgetEnabled() bool {
	return s.MaxDailyAPICalls > 0 || s.MaxDailyCostUSD > 0
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envBool(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(name string, fallback float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return f
}

func envList(name, fallback string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		raw = fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envSet(name, fallback string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, item := range envList(name, fallback) {
		out[item] = struct{}{}
	}
	return out
}

func envStringMap(name string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(os.Getenv(name), ",") {
		item := strings.TrimSpace(part)
		if item == "" || !strings.Contains(item, "=") {
			continue
		}
		key, value, _ := strings.Cut(item, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}

func envPathMap(name string) map[string]string {
	out := make(map[string]string)
	for alias, raw := range envStringMap(name) {
		if abs, err := filepath.Abs(expandHome(raw)); err == nil {
			out[alias] = abs
		}
	}
	return out
}

// envTokenMap parses WEBHOOK_TOKENS: "token=proj1|proj2,other=*".
func envTokenMap(name string) map[string][]string {
	out := make(map[string][]string)
	for token, raw := range envStringMap(name) {
		var projects []string
		for _, p := range strings.Split(raw, "|") {
			if p = strings.TrimSpace(p); p != "" {
				projects = append(projects, p)
			}
		}
		if len(projects) > 0 {
			out[token] = projects
		}
	}
	return out
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
