package main

import (
	"context"
	"fmt"
	"os"

	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/config"
	"github.com/marmos91/librarian/pkg/engine"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "librarian",
	Short: "Fabric-attached memory librarian",
	Long: `librarian allocates books of fabric-attached memory to shelves.

The database is provisioned once from the layout in the configuration file.
After that, shelves can be created, resized and inspected from the command
line, and 'librarian serve' runs the background zeroer and metrics endpoint.

Commands:
  init        Write a default configuration file
  provision   Write the machine layout into an empty database
  serve       Run the zeroer and metrics endpoint
  fsck        Repair the database after a crash
  stats       Show book usage and globals
  shelf       Create, resize and inspect shelves
  xattr       Read and write shelf attributes
  book        Inspect books`,
	Version:       engine.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/librarian/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
}

// loadConfig loads the configuration and applies its logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withRuntime loads the configuration, opens the provisioned database and
// runs fn against it.
func withRuntime(ctx context.Context, fn func(rt *config.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := config.InitializeRuntime(ctx, cfg, nil)
	if err != nil {
		return err
	}

	err = fn(rt)
	if cerr := rt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// dispatch runs one command and turns a fault into an error.
func dispatch(ctx context.Context, rt *config.Runtime, req engine.Request) (any, error) {
	resp := rt.Engine.Dispatch(ctx, req)
	if resp.Fault != nil {
		return resp.Value, fmt.Errorf("%s %s: %w", req.Command, req.Path, resp.Fault)
	}
	return resp.Value, nil
}
