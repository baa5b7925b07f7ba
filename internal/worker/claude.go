package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/proc"
)

// Tool capabilities the claude agent may be granted. Reviewer roles are
// restricted to the read-only subset no matter what a step requests.
var (
	claudeSafeTools     = map[string]struct{}{"Read": {}, "Grep": {}, "Glob": {}, "Edit": {}, "Write": {}, "Bash": {}}
	claudeReviewerTools = []string{"Read", "Grep", "Glob"}
)

// claudeVariant runs the claude CLI in structured-JSON output mode and
// extracts the response text from its payload.
type claudeVariant struct {
	log *zap.Logger
}

func (v *claudeVariant) AgentName() string { return "claude" }

func isReviewerRole(role string) bool {
	return strings.Contains(strings.ToLower(role), "review")
}

// allowedTools resolves the effective tool list for a step: the requested
// override filtered against the safe set, with mutating tools stripped
// for reviewer roles.
func (v *claudeVariant) allowedTools(sc *StepContext) []string {
	requested := sc.Step.AllowedTools
	if len(requested) == 0 {
		return claudeReviewerTools
	}

	var normalized []string
	seen := make(map[string]struct{})
	for _, raw := range requested {
		tool := strings.TrimSpace(raw)
		if tool == "" {
			continue
		}
		if _, dup := seen[tool]; dup {
			continue
		}
		seen[tool] = struct{}{}
		normalized = append(normalized, tool)
	}
	if len(normalized) == 0 {
		return claudeReviewerTools
	}

	var unknown, filtered []string
	for _, tool := range normalized {
		if _, ok := claudeSafeTools[tool]; ok {
			filtered = append(filtered, tool)
		} else {
			unknown = append(unknown, tool)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		v.log.Warn("step requested unknown claude tools",
			zap.String("step_id", sc.Step.StepID),
			zap.String("tools", strings.Join(unknown, ",")))
	}
	if len(filtered) == 0 {
		return claudeReviewerTools
	}

	if isReviewerRole(sc.Step.Role) {
		var readonly, denied []string
		for _, tool := range filtered {
			if containsString(claudeReviewerTools, tool) {
				readonly = append(readonly, tool)
			} else {
				denied = append(denied, tool)
			}
		}
		if len(denied) > 0 {
			v.log.Warn("reviewer role requested mutating claude tools; forcing read-only",
				zap.String("step_id", sc.Step.StepID),
				zap.String("tools", strings.Join(denied, ",")))
		}
		if len(readonly) == 0 {
			return claudeReviewerTools
		}
		return readonly
	}
	return filtered
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}

func (v *claudeVariant) BuildArgv(sc *StepContext, fullPrompt string) []string {
	return []string{
		"claude",
		"-p", fullPrompt,
		"--allowedTools", strings.Join(v.allowedTools(sc), ","),
		"--output-format", "json",
	}
}

func (v *claudeVariant) ParseOutput(sc *StepContext, res *proc.Result) ParsedOutput {
	var payload any
	var parseError string
	var extracted string

	if err := json.Unmarshal([]byte(res.Stdout), &payload); err != nil {
		parseError = err.Error()
	} else {
		extracted = strings.TrimSpace(extractResponseText(payload))
		if extracted == "" && payload != nil {
			if pretty, err := json.MarshalIndent(payload, "", "  "); err == nil {
				extracted = string(pretty)
			}
		}
	}
	if res.ExitCode != 0 && parseError == "" {
		parseError = fmt.Sprintf("claude exited with code %d", res.ExitCode)
	}

	if parseError != "" {
		return ParsedOutput{
			ReportMD: fmt.Sprintf(
				"# Claude review [parse_error]\n\n- exit_code: `%d`\n- parse_error: `%s`\n\n## Raw stdout\n\n```\n%s\n```\n\n## Raw stderr\n\n```\n%s\n```\n",
				res.ExitCode, parseError, clip(res.Stdout, 8000), clip(res.Stderr, 8000),
			),
			Summary: fmt.Sprintf("Claude parse_error (exit_code=%d)", res.ExitCode),
			Status:  model.StatusFailed,
			Error: &model.ErrorInfo{
				Code:    "parse_error",
				Message: parseError,
				Details: map[string]any{"exit_code": res.ExitCode},
			},
		}
	}

	summary := "Claude response parsed"
	if extracted != "" {
		summary = firstLine(extracted)
	}
	return ParsedOutput{
		ReportMD: fmt.Sprintf("# Claude review\n\n## Parsed response\n\n%s\n", extracted),
		Summary:  summary,
		Status:   model.StatusSuccess,
	}
}

func (v *claudeVariant) Simulate(ctx context.Context, sc *StepContext) (*model.StepResult, error) {
	fullPrompt := buildFullPrompt(sc)
	reportMD := fmt.Sprintf(
		"# Review output (simulated)\n\nAgent: **Claude**\n\n## Prompt length\n\n%d\n\n## Review\n\n- structure looks OK\n- enable allowlist and sandbox before running untrusted code\n",
		len(fullPrompt),
	)
	logsTxt := fmt.Sprintf("[%s] simulated review\n", sc.Step.StepID)
	return simulate(ctx, sc, 300*time.Millisecond, reportMD, "", logsTxt, "Simulated review created")
}

// extractResponseText walks the known response shapes the claude CLI can
// emit and pulls out the implementer-facing text.
func extractResponseText(payload any) string {
	switch value := payload.(type) {
	case string:
		return value
	case []any:
		var parts []string
		for _, item := range value {
			if piece := extractResponseText(item); piece != "" {
				parts = append(parts, piece)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	case map[string]any:
		for _, key := range []string{"result", "output_text", "output", "text", "completion"} {
			if text, ok := value[key].(string); ok && strings.TrimSpace(text) != "" {
				return text
			}
		}
		if content, ok := value["content"]; ok {
			if text := contentText(content); text != "" {
				return text
			}
		}
		if message, ok := value["message"].(map[string]any); ok {
			if text := contentText(message); text != "" {
				return text
			}
		}
		if messages, ok := value["messages"].([]any); ok {
			if text := contentText(messages); text != "" {
				return text
			}
		}
	}
	return ""
}

func contentText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			if text := contentText(item); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			return text
		}
		if content, ok := v["content"]; ok {
			return contentText(content)
		}
	}
	return ""
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
