package worker

import (
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/proc"
)

func claudeContext(t *testing.T, role string, allowedTools []string) *StepContext {
	t.Helper()
	sc := newTestContext(t, "claude", role)
	sc.Step.AllowedTools = allowedTools
	return sc
}

func TestClaudeAllowedTools(t *testing.T) {
	v := &claudeVariant{log: zap.NewNop()}
	tests := []struct {
		name      string
		role      string
		requested []string
		want      []string
	}{
		{
			name: "default is read-only",
			role: "reviewer",
			want: []string{"Read", "Grep", "Glob"},
		},
		{
			name: "implementer default is still read-only",
			role: "implementer",
			want: []string{"Read", "Grep", "Glob"},
		},
		{
			name:      "implementer may request mutating tools",
			role:      "implementer",
			requested: []string{"Edit", "Bash"},
			want:      []string{"Edit", "Bash"},
		},
		{
			name:      "reviewer never gets mutating tools",
			role:      "reviewer",
			requested: []string{"Edit", "Read", "Bash"},
			want:      []string{"Read"},
		},
		{
			name:      "unknown tools are dropped",
			role:      "implementer",
			requested: []string{"Teleport", "Read"},
			want:      []string{"Read"},
		},
		{
			name:      "all-unknown falls back to defaults",
			role:      "implementer",
			requested: []string{"Teleport"},
			want:      []string{"Read", "Grep", "Glob"},
		},
		{
			name:      "reviewer requesting only mutating tools falls back",
			role:      "code review",
			requested: []string{"Edit", "Write"},
			want:      []string{"Read", "Grep", "Glob"},
		},
		{
			name:      "duplicates collapse",
			role:      "implementer",
			requested: []string{"Read", "Read", "Grep"},
			want:      []string{"Read", "Grep"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := claudeContext(t, tt.role, tt.requested)
			got := v.allowedTools(sc)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("allowedTools() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClaudeBuildArgv(t *testing.T) {
	v := &claudeVariant{log: zap.NewNop()}
	sc := claudeContext(t, "reviewer", nil)
	argv := v.BuildArgv(sc, "the prompt")

	want := []string{"claude", "-p", "the prompt", "--allowedTools", "Read,Grep,Glob", "--output-format", "json"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("BuildArgv() = %v, want %v", argv, want)
	}
}

func TestExtractResponseText(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"string payload", "plain", "plain"},
		{"result key", map[string]any{"result": "from result"}, "from result"},
		{"output_text key", map[string]any{"output_text": "ot"}, "ot"},
		{"text key", map[string]any{"text": "t"}, "t"},
		{"completion key", map[string]any{"completion": "c"}, "c"},
		{
			"content blocks",
			map[string]any{"content": []any{map[string]any{"type": "text", "text": "block text"}}},
			"block text",
		},
		{
			"nested message",
			map[string]any{"message": map[string]any{"content": "inner"}},
			"inner",
		},
		{
			"messages list",
			map[string]any{"messages": []any{map[string]any{"content": "m1"}, map[string]any{"content": "m2"}}},
			"m1\nm2",
		},
		{"empty object", map[string]any{"other": 1}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractResponseText(tt.payload); got != tt.want {
				t.Errorf("extractResponseText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClaudeParseOutput(t *testing.T) {
	v := &claudeVariant{log: zap.NewNop()}
	sc := claudeContext(t, "reviewer", nil)

	parsed := v.ParseOutput(sc, &proc.Result{
		ExitCode: 0,
		Stdout:   `{"result": "Looks good.\nNo blocking issues."}`,
	})
	if parsed.Status != model.StatusSuccess {
		t.Errorf("status = %s, want success", parsed.Status)
	}
	if parsed.Summary != "Looks good." {
		t.Errorf("summary = %q, want first line of response", parsed.Summary)
	}
}

func TestClaudeParseOutputInvalidJSON(t *testing.T) {
	v := &claudeVariant{log: zap.NewNop()}
	sc := claudeContext(t, "reviewer", nil)

	parsed := v.ParseOutput(sc, &proc.Result{ExitCode: 0, Stdout: "not json at all"})
	if parsed.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", parsed.Status)
	}
	if parsed.Error == nil || parsed.Error.Code != "parse_error" {
		t.Errorf("error = %+v, want parse_error", parsed.Error)
	}
}

func TestClaudeParseOutputNonZeroExit(t *testing.T) {
	v := &claudeVariant{log: zap.NewNop()}
	sc := claudeContext(t, "reviewer", nil)

	parsed := v.ParseOutput(sc, &proc.Result{ExitCode: 1, Stdout: `{"result": "partial"}`})
	if parsed.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed on non-zero exit", parsed.Status)
	}
}
