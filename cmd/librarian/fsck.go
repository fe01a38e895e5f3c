package main

import (
	"fmt"
	"os"

	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/config"
	"github.com/marmos91/librarian/pkg/fsck"
	"github.com/spf13/cobra"
)

var fsckDryRun bool

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Repair the database after a crash",
	Long: `Run the crash recovery passes over the database.

Stale open handles, interrupted unlinks, zombie books, inconsistent book
counts, orphaned attributes, shelves whose parent is gone and wrong link
counts are repaired in that order. Run it while no librarian is serving.

Examples:
  # Report what would be repaired
  librarian fsck --dry-run

  # Repair
  librarian fsck`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("dry-run") {
			cfg.Fsck.DryRun = fsckDryRun
		}
		return runFsck(cmd, cfg)
	},
}

func runFsck(cmd *cobra.Command, cfg *config.Config) error {
	ctx := cmd.Context()
	st, err := config.CreateStore(ctx, &cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	report, runErr := fsck.NewChecker(st, fsck.Config{DryRun: cfg.Fsck.DryRun, BatchSize: cfg.Fsck.BatchSize}).Run(ctx)
	if report == nil {
		return runErr
	}
	logger.Info("%s", report.Summary())

	if handled, err := printStructured(os.Stdout, report); handled {
		if err != nil {
			return err
		}
		return runErr
	}

	tw := newTable()
	fmt.Fprintln(tw, "PASS\tNAME\tREPAIRED")
	for _, p := range report.Passes {
		fmt.Fprintf(tw, "%d\t%s\t%d\n", p.Pass, p.Name, p.Repaired)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Println(report.Summary())
	return runErr
}

func init() {
	rootCmd.AddCommand(fsckCmd)

	fsckCmd.Flags().BoolVar(&fsckDryRun, "dry-run", false, "report repairs without writing them")
}
