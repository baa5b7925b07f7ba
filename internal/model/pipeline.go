package model

import "fmt"

// DefaultPipeline is the plan -> implement -> review pipeline a job gets
// when the submitter supplies only a goal.
func DefaultPipeline(goal string) []StepSpec {
	return []StepSpec{
		{
			StepID:          "01_plan",
			Agent:           "opencode",
			Role:            "planner",
			Prompt:          fmt.Sprintf("Draft an implementation plan for the task:\n%s", goal),
			TimeoutSec:      120,
			MaxRetries:      1,
			RetryBackoffSec: 2,
			OnFailure:       "stop",
		},
		{
			StepID:          "02_implement",
			Agent:           "codex",
			Role:            "implementer",
			Prompt:          fmt.Sprintf("Implement the task and prepare a patch:\n%s", goal),
			TimeoutSec:      300,
			MaxRetries:      1,
			RetryBackoffSec: 2,
			InputArtifacts:  []string{"steps/01_plan/report.md"},
			OnFailure:       "stop",
		},
		{
			StepID:          "03_review",
			Agent:           "claude",
			Role:            "reviewer",
			Prompt:          fmt.Sprintf("Review the changes and risks for the task:\n%s", goal),
			TimeoutSec:      180,
			MaxRetries:      1,
			RetryBackoffSec: 2,
			InputArtifacts: []string{
				"steps/01_plan/report.md",
				"steps/02_implement/report.md",
				"steps/02_implement/patch.diff",
			},
			OnFailure: "stop",
		},
	}
}
