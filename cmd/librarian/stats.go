package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/librarian/pkg/config"
	"github.com/marmos91/librarian/pkg/engine"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show book usage and globals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withRuntime(ctx, func(rt *config.Runtime) error {
			v, err := dispatch(ctx, rt, rt.Request(engine.CmdGetFSStats, ""))
			if err != nil {
				return err
			}
			stats := v.(*engine.FSStats)

			if handled, err := printStructured(os.Stdout, stats); handled {
				return err
			}

			tw := newTable()
			fmt.Fprintf(tw, "Version:\t%s\n", stats.Version)
			fmt.Fprintf(tw, "Mode:\t%s\n", stats.BIIMode)
			fmt.Fprintf(tw, "Book size:\t%s\n", humanize.IBytes(stats.BookSize))
			fmt.Fprintf(tw, "Books:\t%d (%s)\n", stats.BooksTotal, humanize.IBytes(stats.NVMBytesTotal))
			fmt.Fprintf(tw, "Default policy:\t%s\n", stats.DefaultPolicy)
			fmt.Fprintln(tw)

			states := make([]string, 0, len(stats.BooksByState))
			for s := range stats.BooksByState {
				states = append(states, s)
			}
			sort.Strings(states)
			fmt.Fprintln(tw, "STATE\tBOOKS")
			for _, s := range states {
				fmt.Fprintf(tw, "%s\t%d\n", s, stats.BooksByState[s])
			}
			fmt.Fprintln(tw)

			fmt.Fprintln(tw, "IG\tBOOKS")
			for _, ig := range stats.BooksPerIG {
				fmt.Fprintf(tw, "%d\t%d\n", ig.ID, ig.Books)
			}
			return tw.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
