package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/config"
	"github.com/marmos91/librarian/pkg/engine"
	"github.com/marmos91/librarian/pkg/lmp"
	"github.com/spf13/cobra"
)

var serveFsck bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the zeroer and metrics endpoint",
	Long: `Load the provisioned database and run until interrupted.

While serving, books released by shrinking shelves are zeroed in the
background. When metrics are enabled the same port serves Prometheus
metrics, /healthz, /status and the read-only /lmp/ management views.

Examples:
  # Repair the database, then serve
  librarian serve --fsck`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveFsck {
			if err := runFsck(cmd, cfg); err != nil {
				return fmt.Errorf("fsck before serving: %w", err)
			}
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	metricsResult := config.InitializeMetrics(cfg)

	rt, err := config.InitializeRuntime(ctx, cfg, metricsResult)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("Close error: %v", err)
		}
	}()

	logger.Info("Librarian serving as node %d: %d interleave group(s), default policy %s",
		rt.NodeID, len(rt.Engine.IGs()), rt.Engine.DefaultPolicy())

	// Start metrics server in background
	metricsDone := make(chan error, 1)
	if metricsResult.Server != nil {
		metricsResult.Server.SetStatus(func(ctx context.Context) (any, error) {
			return dispatch(ctx, rt, rt.Request(engine.CmdGetFSStats, ""))
		})
		metricsResult.Server.Handle("/lmp/", lmp.NewHandler(rt.Engine, rt.NodeID))
		go func() {
			metricsDone <- metricsResult.Server.Start(ctx)
		}()
	}

	rt.Zeroer.Start()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case <-parent.Done():
	case err := <-metricsDone:
		serveErr = err
		if err != nil {
			logger.Error("Metrics server error: %v", err)
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := rt.Zeroer.Stop(shutdownCtx); err != nil {
		logger.Error("Zeroer shutdown error: %v", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	if metricsResult.Server != nil {
		if err := metricsResult.Server.Stop(shutdownCtx); err != nil && serveErr == nil {
			serveErr = err
		}
	}

	logger.Info("Librarian stopped")
	return serveErr
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveFsck, "fsck", false, "run the recovery passes before serving")
}
