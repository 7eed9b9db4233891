package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/surfacehq/surfacescan/internal/api"
	"github.com/surfacehq/surfacescan/internal/database"
	"github.com/surfacehq/surfacescan/internal/jobs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		queue, err := jobs.NewRedisQueue(cfg.Redis, log)
		if err != nil {
			return err
		}
		defer queue.Close()

		store, err := database.NewStore(cfg.Database, log)
		if err != nil {
			return err
		}
		defer store.Close()

		server := api.NewServer(queue, store, cfg.API, log)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Infow("Shutting down API", "signal", sig.String())
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
