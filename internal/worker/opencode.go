package worker

import (
	"fmt"

	"github.com/handleui/relay/internal/proc"
)

// opencodeVariant runs the opencode CLI for planning steps.
type opencodeVariant struct{}

func (v *opencodeVariant) AgentName() string { return "opencode" }

func (v *opencodeVariant) BuildArgv(sc *StepContext, fullPrompt string) []string {
	return []string{"opencode", "run", "--format", "json", fullPrompt}
}

func (v *opencodeVariant) ParseOutput(sc *StepContext, res *proc.Result) ParsedOutput {
	return ParsedOutput{
		ReportMD: fmt.Sprintf(
			"# OpenCode step %s\n\n## Exit code\n\n`%d`\n\n## Raw stdout\n\n```\n%s\n```\n\n## Raw stderr\n\n```\n%s\n```\n",
			sc.Step.StepID, res.ExitCode, clip(res.Stdout, 8000), clip(res.Stderr, 8000),
		),
		Summary: fmt.Sprintf("OpenCode exit_code=%d", res.ExitCode),
	}
}
