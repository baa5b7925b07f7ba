package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/handleui/relay/internal/model"
	"github.com/handleui/relay/internal/queue"
)

var submitCmd = &cobra.Command{
	Use:   "submit <path>",
	Short: "Submit a job file (JSON or YAML) to the queue",
	Long: `Submit accepts either a full job document or a minimal payload with just
a goal; minimal payloads get the default plan/implement/review pipeline.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return userError("cannot read job file: %v", err)
		}

		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return userError("job file is not valid JSON/YAML: %v", err)
		}

		job, err := buildSubmittedJob(raw, args[0])
		if err != nil {
			return err
		}

		validate := model.NewValidator()
		if err := validate.Struct(&job); err != nil {
			return userError("invalid job: %v", err)
		}

		encoded, err := json.MarshalIndent(&job, "", "  ")
		if err != nil {
			return err
		}

		q, err := queue.Open(settings.QueueRoot)
		if err != nil {
			return err
		}
		state := queue.Pending
		if job.Policy.RequiresApproval {
			state = queue.AwaitingApproval
		}
		jobID, err := q.Enqueue(encoded, state)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), jobID)
		return nil
	},
}

// buildSubmittedJob accepts either a full job document or a minimal
// {goal, ...} payload.
func buildSubmittedJob(raw map[string]any, path string) (model.JobSpec, error) {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return model.JobSpec{}, err
	}

	_, hasID := raw["job_id"]
	_, hasSteps := raw["steps"]
	if hasID && hasSteps {
		var job model.JobSpec
		if err := json.Unmarshal(encoded, &job); err != nil {
			return model.JobSpec{}, userError("invalid job document: %v", err)
		}
		fillJobDefaults(&job)
		return job, nil
	}

	goal, _ := raw["goal"].(string)
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return model.JobSpec{}, userError("job file must have 'goal' or be a full job document")
	}

	var payload struct {
		ProjectID       string            `json:"project_id"`
		Workdir         string            `json:"workdir"`
		CallbackURL     string            `json:"callback_url"`
		Steps           []model.StepSpec  `json:"steps"`
		Policy          *model.PolicySpec `json:"policy"`
		Tags            []string          `json:"tags"`
		Metadata        map[string]any    `json:"metadata"`
		ArtifactHandoff string            `json:"artifact_handoff"`
	}
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return model.JobSpec{}, userError("invalid payload: %v", err)
	}

	job := model.NewJobSpec(goal)
	job.Source = model.JobSource{Type: model.SourceManual, Meta: map[string]any{"file": path}}
	job.ProjectID = payload.ProjectID
	if payload.Workdir != "" {
		job.Workdir = payload.Workdir
	}
	job.CallbackURL = payload.CallbackURL
	job.Tags = payload.Tags
	job.Metadata = payload.Metadata
	job.ArtifactHandoff = settings.DefaultArtifactHandoff
	if payload.ArtifactHandoff != "" {
		job.ArtifactHandoff = payload.ArtifactHandoff
	}
	if payload.Policy != nil {
		job.Policy = *payload.Policy
	}
	if len(payload.Steps) > 0 {
		job.Steps = payload.Steps
	} else {
		job.Steps = model.DefaultPipeline(goal)
	}
	fillJobDefaults(&job)
	return job, nil
}

func fillJobDefaults(job *model.JobSpec) {
	if job.SchemaVersion == "" {
		job.SchemaVersion = model.SchemaVersion
	}
	if job.JobID == "" {
		job.JobID = model.NewJobID()
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
