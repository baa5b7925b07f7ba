package commands

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/handleui/relay/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment: directories, tokens, binaries, budget DB",
	RunE: func(cmd *cobra.Command, args []string) error {
		results := doctor.Run(settings)
		pretty := isatty.IsTerminal(os.Stdout.Fd())

		for _, r := range results {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %-22s %s\n", statusBadge(r.Status, pretty), r.Title, r.Detail)
		}
		if doctor.Failed(results) {
			return fmt.Errorf("doctor found failures")
		}
		return nil
	},
}

func statusBadge(status string, pretty bool) string {
	if !pretty {
		return fmt.Sprintf("[%s]", status)
	}
	switch status {
	case "OK":
		return "\033[32m[OK]\033[0m  "
	case "WARN":
		return "\033[33m[WARN]\033[0m"
	default:
		return "\033[31m[FAIL]\033[0m"
	}
}
