// Package cmd provides the CLI commands of the packager service: the server
// itself plus small operator clients for the ingress endpoints.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ckanops/packager/config"
	"github.com/ckanops/packager/pkg/dwc"
	"github.com/ckanops/packager/pkg/logging"
	"github.com/ckanops/packager/pkg/pool"
	"github.com/ckanops/packager/pkg/server"
	"github.com/ckanops/packager/pkg/stats"
	"github.com/ckanops/packager/pkg/task"
)

var (
	serveConfigFile string
	serveLogLevel   string
)

// NewServeCommand creates the serve command, which runs the packaging
// service until interrupted.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the packaging service",
		Long: `Run the packaging service: the HTTP ingress, the fast and slow worker
pools and the statistics store. The service runs until interrupted and
drains in-flight packaging jobs on shutdown.`,
		RunE: runServe,
	}
	cmd.Flags().StringVarP(&serveConfigFile, "config", "c", "packager.yml", "Path to the configuration file")
	cmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigFile)
	if err != nil {
		return err
	}
	if err := cfg.Bootstrap(); err != nil {
		return err
	}

	log := logging.NewLogger(&logging.Config{
		Level:       logging.Level(serveLogLevel),
		ServiceName: "packager",
		JSONFormat:  true,
		Output:      os.Stderr,
	})

	store, err := stats.Open(cfg.StatsDB, cfg.AnonymizeEmails)
	if err != nil {
		return err
	}
	defer store.Close()

	var registry *dwc.Registry
	if paths := cfg.DwCExtensionPaths(); len(paths) > 0 {
		registry, err = dwc.NewRegistry(paths)
		if err != nil {
			return fmt.Errorf("loading darwin core extensions: %w", err)
		}
	}

	driver := task.NewDriver(cfg, store, nil, log)
	fast := pool.New("fast", cfg.Workers, cfg.RequestsPerWorker, driver.Run, log)
	slow := pool.New("slow", cfg.Workers, cfg.RequestsPerWorker, driver.Run, log)

	srv := server.New(cfg, store, fast, slow, registry, log)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ingress listening", logging.F("addr", cfg.ListenAddr()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", logging.F("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("ingress shutdown failed", logging.Err(err))
	}

	fast.Terminate(30 * time.Second)
	slow.Terminate(30 * time.Second)
	log.Info("stopped")
	return nil
}
