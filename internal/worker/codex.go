package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/proc"
)

// codexVariant runs the codex CLI in non-interactive exec mode.
type codexVariant struct{}

func (v *codexVariant) AgentName() string { return "codex" }

func (v *codexVariant) BuildArgv(sc *StepContext, fullPrompt string) []string {
	return []string{"codex", "exec", "--json", fullPrompt}
}

func (v *codexVariant) ParseOutput(sc *StepContext, res *proc.Result) ParsedOutput {
	return ParsedOutput{
		ReportMD: fmt.Sprintf(
			"# Codex implementer\n\n## Exit code\n\n`%d`\n\n## Raw stdout\n\n```\n%s\n```\n\n## Raw stderr\n\n```\n%s\n```\n",
			res.ExitCode, clip(res.Stdout, 8000), clip(res.Stderr, 8000),
		),
		Summary: fmt.Sprintf("Codex exit_code=%d", res.ExitCode),
	}
}

func (v *codexVariant) Simulate(ctx context.Context, sc *StepContext) (*model.StepResult, error) {
	fullPrompt := buildFullPrompt(sc)
	reportMD := fmt.Sprintf(
		"# Implementation output (simulated)\n\nAgent: **Codex**\n\n## Prompt length\n\n%d\n\n## What was done\n\n- added placeholder implementation\n- (simulated) tests passed\n",
		len(fullPrompt),
	)
	patchDiff := "diff --git a/src/example.txt b/src/example.txt\n" +
		"new file mode 100644\n" +
		"index 0000000..1111111\n" +
		"--- /dev/null\n" +
		"+++ b/src/example.txt\n" +
		"@@ -0,0 +1,1 @@\n" +
		"+hello from simulated codex worker\n"
	logsTxt := fmt.Sprintf("[%s] simulated implementation\n", sc.Step.StepID)
	return simulate(ctx, sc, 600*time.Millisecond, reportMD, patchDiff, logsTxt, "Simulated implementation created")
}
