package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/config"
	"github.com/marmos91/librarian/pkg/provision"
	"github.com/spf13/cobra"
)

var provisionDryRun bool

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Write the machine layout into an empty database",
	Long: `Register every book, media controller module and reserved shelf
described by the layout section of the configuration.

The database must be empty. Nodes listing nvm_size are provisioned in LZA
mode; nodes listing physaddrs in PHYSADDR mode.

Examples:
  # Check the layout without writing anything
  librarian provision --dry-run

  # Provision the configured database
  librarian provision`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		layout, err := cfg.Layout.ToLayout()
		if err != nil {
			return err
		}
		if err := layout.Validate(); err != nil {
			return err
		}

		if provisionDryRun {
			fmt.Printf("%s layout: %d node(s), %d books of %s (%s total)\n",
				layout.Mode(), len(layout.Nodes), layout.BooksTotal(),
				humanize.IBytes(layout.BookSize), humanize.IBytes(uint64(layout.BooksTotal())*layout.BookSize))
			return nil
		}

		ctx := cmd.Context()
		st, err := config.CreateStore(ctx, &cfg.Store)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		sum, err := provision.Provision(ctx, st, layout, provision.Options{})
		if err != nil {
			return fmt.Errorf("provision: %w", err)
		}
		logger.Info("Provisioned %d books", sum.BooksTotal)

		if handled, err := printStructured(os.Stdout, sum); handled {
			return err
		}
		tw := newTable()
		fmt.Fprintf(tw, "Mode:\t%s\n", sum.Mode)
		fmt.Fprintf(tw, "Book size:\t%s\n", humanize.IBytes(sum.BookSize))
		fmt.Fprintf(tw, "Books:\t%d\n", sum.BooksTotal)
		fmt.Fprintf(tw, "NVM:\t%s\n", humanize.IBytes(sum.NVMBytesTotal))
		fmt.Fprintf(tw, "Nodes:\t%d\n", sum.Nodes)
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "IG\tBOOKS\tPHYS BASE")
		for _, ig := range sum.IGs {
			base := "-"
			if ig.PhysBase >= 0 {
				base = fmt.Sprintf("0x%x", ig.PhysBase)
			}
			fmt.Fprintf(tw, "%d\t%d\t%s\n", ig.ID, ig.Books, base)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)

	provisionCmd.Flags().BoolVar(&provisionDryRun, "dry-run", false, "validate the layout and report its size without writing")
}
