package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/handleui/relay/internal/queue"
)

var recoverStaleAfterSec int

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Move stale running queue entries back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queue.Open(settings.QueueRoot)
		if err != nil {
			return err
		}
		threshold := time.Duration(recoverStaleAfterSec) * time.Second
		if recoverStaleAfterSec <= 0 {
			threshold = time.Duration(settings.RunnerReclaimAfterSec) * time.Second
		}
		n, err := q.ReclaimStaleRunning(threshold)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d job(s)\n", n)
		return nil
	},
}

func init() {
	recoverCmd.Flags().IntVar(&recoverStaleAfterSec, "stale-after-sec", 0, "age threshold (defaults to RUNNER_RECLAIM_AFTER_SEC)")
}
