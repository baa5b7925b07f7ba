package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/handleui/relay/internal/gateway"
	"github.com/handleui/relay/internal/queue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP intake gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := queue.Open(settings.QueueRoot)
		if err != nil {
			return err
		}
		server := gateway.New(settings, q, logger.Named("gateway"))

		httpServer := &http.Server{
			Addr:              settings.GatewayAddr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		group, ctx := errgroup.WithContext(cmd.Context())
		group.Go(func() error {
			logger.Info("gateway listening", zap.String("addr", settings.GatewayAddr))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
		if err := group.Wait(); err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	},
}
