package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/handleui/relay/internal/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Print a job's queue state and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		q, err := queue.Open(settings.QueueRoot)
		if err != nil {
			return err
		}
		queueState, inQueue := q.QueueState(jobID)

		jobDir := filepath.Join(settings.ArtifactsRoot, jobID)
		state := readJSONDoc(filepath.Join(jobDir, "state.json"))
		result := readJSONDoc(filepath.Join(jobDir, "result.json"))

		if !inQueue && state == nil && result == nil {
			return userError("job %s not found", jobID)
		}

		status := "unknown"
		if state != nil {
			if v, ok := state["status"].(string); ok && v != "" {
				status = v
			}
		} else if inQueue {
			status = string(queueState)
		}

		out := map[string]any{
			"job_id":      jobID,
			"status":      status,
			"queue_state": string(queueState),
			"state":       state,
			"result":      result,
		}
		encoded, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
		return nil
	},
}

func readJSONDoc(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc
}
