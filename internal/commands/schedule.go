package commands

import (
	"github.com/spf13/cobra"

	"github.com/handleui/relay/internal/queue"
	"github.com/handleui/relay/internal/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the cron scheduler over the schedules directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queue.Open(settings.QueueRoot)
		if err != nil {
			return err
		}
		return scheduler.New(settings, q, logger.Named("scheduler")).Run(cmd.Context())
	},
}
