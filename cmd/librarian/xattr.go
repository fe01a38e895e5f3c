package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/marmos91/librarian/pkg/config"
	"github.com/marmos91/librarian/pkg/engine"
	"github.com/spf13/cobra"
)

var xattrCmd = &cobra.Command{
	Use:   "xattr",
	Short: "Read and write shelf attributes",
	Long: `Extended attributes of shelves. Names in the user.LFS namespace
control allocation.

Examples:
  # Pin future growth of a shelf to one policy
  librarian xattr set /data/a user.LFS.AllocationPolicy LocalEnc

  # Show which interleave group each book came from
  librarian xattr get /data/a user.LFS.Interleave`,
}

// formatValue prints text values as-is and binary values as quoted bytes.
func formatValue(v []byte) string {
	if utf8.Valid(v) {
		printable := true
		for _, r := range string(v) {
			if !strconv.IsPrint(r) {
				printable = false
				break
			}
		}
		if printable {
			return string(v)
		}
	}
	return fmt.Sprintf("% x", v)
}

var xattrGetCmd = &cobra.Command{
	Use:   "get <path> <name>",
	Short: "Print an attribute",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			req := rt.Request(engine.CmdGetXattr, args[0])
			req.Xattr = args[1]
			v, err := dispatch(ctx, rt, req)
			if err != nil {
				return err
			}
			value := v.([]byte)
			if handled, err := printStructured(os.Stdout, map[string]string{args[1]: formatValue(value)}); handled {
				return err
			}
			fmt.Println(formatValue(value))
			return nil
		})
	},
}

var xattrSetCmd = &cobra.Command{
	Use:   "set <path> <name> <value>",
	Short: "Set an attribute",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			req := rt.Request(engine.CmdSetXattr, args[0])
			req.Xattr = args[1]
			req.Value = []byte(args[2])
			_, err := dispatch(ctx, rt, req)
			return err
		})
	},
}

var xattrRemoveCmd = &cobra.Command{
	Use:   "rm <path> <name>",
	Short: "Remove an attribute",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			req := rt.Request(engine.CmdRemoveXattr, args[0])
			req.Xattr = args[1]
			_, err := dispatch(ctx, rt, req)
			return err
		})
	},
}

var xattrListCmd = &cobra.Command{
	Use:   "ls <path>",
	Short: "List attribute names",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			v, err := dispatch(ctx, rt, rt.Request(engine.CmdListXattrs, args[0]))
			if err != nil {
				return err
			}
			names := v.([]string)
			if handled, err := printStructured(os.Stdout, names); handled {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(xattrCmd)
	xattrCmd.AddCommand(xattrGetCmd, xattrSetCmd, xattrRemoveCmd, xattrListCmd)
}
