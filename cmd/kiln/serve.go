package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/kiln/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kiln HTTP server",
	Long: `Start the kiln HTTP server with REST API and WebSocket support.

API endpoints are under /api; Prometheus metrics are served at /metrics.

Examples:
  kiln serve
  kiln serve --port 9090`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(context.Background(), setup{tools: true, store: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.catalog.Len() == 0 {
		a.logger.Warn("no tools available; programs can only use builtins and modules")
	}

	cfg := a.cfg.Server
	if portFlag > 0 {
		cfg.Port = portFlag
	}

	srv := server.New(cfg, server.Deps{
		Engine:     a.engine,
		Dispatcher: a.dispatcher,
		Store:      a.store,
		Metrics:    a.obs.Metrics,
		Tracer:     a.obs.Tracer(),
		Logger:     a.logger,
	})

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		srv.Shutdown(context.Background())
	}()

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}
