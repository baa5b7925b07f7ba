package commands

import (
	"github.com/spf13/cobra"

	"github.com/handleui/relay/internal/artifacts"
	"github.com/handleui/relay/internal/budget"
	"github.com/handleui/relay/internal/queue"
	"github.com/handleui/relay/internal/runner"
	"github.com/handleui/relay/internal/worker"
	"github.com/handleui/relay/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the job execution loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queue.Open(settings.QueueRoot)
		if err != nil {
			return err
		}
		store, err := artifacts.Open(settings.ArtifactsRoot)
		if err != nil {
			return err
		}
		workspaces, err := workspace.NewManager(settings.WorkspacesRoot, settings.ProjectAliases)
		if err != nil {
			return err
		}

		var tracker *budget.Tracker
		if settings.BudgetEnabled() {
			tracker, err = budget.Open(settings.StateDBPath, settings.MaxDailyAPICalls, settings.MaxDailyCostUSD)
			if err != nil {
				return err
			}
			defer tracker.Close()
		}

		registry := worker.Bootstrap(logger.Named("workers"))
		engine := runner.New(settings, q, store, workspaces, registry, tracker, logger.Named("runner"))
		return engine.RunForever(cmd.Context())
	},
}
