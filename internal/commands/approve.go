package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/handleui/relay/internal/queue"
)

var (
	approveJobID string
	unlockJobID  string
)

var approveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Release an awaiting_approval job back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queue.Open(settings.QueueRoot)
		if err != nil {
			return err
		}
		if err := q.Approve(approveJobID); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				return userError("%v", err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "approved %s\n", approveJobID)
		return nil
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Move a stuck running job back to pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queue.Open(settings.QueueRoot)
		if err != nil {
			return err
		}
		if err := q.Unlock(unlockJobID); err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				return userError("%v", err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", unlockJobID)
		return nil
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveJobID, "job", "", "job id to approve")
	_ = approveCmd.MarkFlagRequired("job")
	unlockCmd.Flags().StringVar(&unlockJobID, "job", "", "job id to unlock")
	_ = unlockCmd.MarkFlagRequired("job")
}
