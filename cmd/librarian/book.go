package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/marmos91/librarian/pkg/config"
	"github.com/marmos91/librarian/pkg/engine"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/spf13/cobra"
)

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Inspect books",
}

func printBooks(books []store.Book) error {
	if handled, err := printStructured(os.Stdout, books); handled {
		return err
	}
	tw := newTable()
	fmt.Fprintln(tw, "BOOK\tIG\tNUM\tSTATE")
	for _, b := range books {
		fmt.Fprintf(tw, "0x%x\t%d\t%d\t%s\n", b.ID, b.IGValue(), b.BookNum, b.Allocated)
	}
	return tw.Flush()
}

var bookGetCmd = &cobra.Command{
	Use:   "get <book-id>",
	Short: "Show one book by its encoded id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 0, 64)
		if err != nil {
			return fmt.Errorf("bad book id %q: %w", args[0], err)
		}
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			req := rt.Request(engine.CmdGetBook, "")
			req.BookID = id
			v, err := dispatch(ctx, rt, req)
			if err != nil {
				return err
			}
			return printBooks([]store.Book{*v.(*store.Book)})
		})
	},
}

var bookListCmd = &cobra.Command{
	Use:   "ls [ig]",
	Short: "List every book, or the live books of one interleave group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command, ig := engine.CmdGetBookAll, 0
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bad interleave group %q: %w", args[0], err)
			}
			command, ig = engine.CmdGetBookIG, n
		}
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			req := rt.Request(command, "")
			req.IG = ig
			v, err := dispatch(ctx, rt, req)
			if err != nil {
				return err
			}
			return printBooks(v.([]store.Book))
		})
	},
}

var bookKillZombiesCmd = &cobra.Command{
	Use:   "kill-zombies",
	Short: "Free the zombie books of this node's interleave group",
	Long: `Return every ZOMBIE book of this node's interleave group to FREE.

This asserts the books were already zeroed; the zeroer normally does this
for you.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			v, err := dispatch(ctx, rt, rt.Request(engine.CmdKillZombieBooks, ""))
			if err != nil {
				return err
			}
			fmt.Printf("Freed %v zombie book(s)\n", v)
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the provisioned database version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			v, err := dispatch(ctx, rt, rt.Request(engine.CmdVersion, ""))
			if err != nil {
				return err
			}
			fmt.Printf("librarian %s, database %v\n", engine.Version, v)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(bookCmd, versionCmd)
	bookCmd.AddCommand(bookGetCmd, bookListCmd, bookKillZombiesCmd)
}
