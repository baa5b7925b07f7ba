// Package signal wires SIGINT/SIGTERM into context cancellation for the
// long-lived commands.
package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SetupSignalHandler creates a context that cancels on SIGINT or SIGTERM.
// The handler goroutine is cleaned up when the parent context ends.
func SetupSignalHandler(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-parent.Done():
		}
		signal.Stop(sigChan)
		close(sigChan)
	}()

	return ctx
}
