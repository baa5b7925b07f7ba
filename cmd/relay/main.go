package main

import (
	"fmt"
	"os"

	"github.com/handleui/relay/internal/commands"
	"github.com/handleui/relay/internal/sentry"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Defer order matters: RecoverAndPanic must run last so cleanup can
	// flush events before the re-panic.
	defer sentry.RecoverAndPanic()
	cleanup := sentry.Init(commands.Version)
	defer cleanup()

	if err := commands.Execute(); err != nil {
		sentry.CaptureError(err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		return commands.ExitCode(err)
	}
	return 0
}
