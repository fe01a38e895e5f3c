package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/config"
	"github.com/marmos91/librarian/pkg/engine"
	"github.com/marmos91/librarian/pkg/policy"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/spf13/cobra"
)

var (
	shelfCreateSize   string
	shelfCreatePolicy string
	shelfMode         uint32
	shelfOffset       int64
	shelfLength       int64
)

var shelfCmd = &cobra.Command{
	Use:   "shelf",
	Short: "Create, resize and inspect shelves",
	Long: `Shelves are files backed by an ordered list of books.

Examples:
  # Create a 64MiB shelf on the books nearest this node
  librarian shelf create /data/a --size 64MiB --policy Nearest

  # Grow it, list the books behind it, then remove it
  librarian shelf resize /data/a 128MiB
  librarian shelf books /data/a
  librarian shelf rm /data/a`,
}

// runOn runs fn against the runtime. It keeps each subcommand to the
// request it issues.
func runOn(cmd *cobra.Command, fn func(ctx context.Context, rt *config.Runtime) error) error {
	ctx := cmd.Context()
	return withRuntime(ctx, func(rt *config.Runtime) error {
		return fn(ctx, rt)
	})
}

// parseSize accepts "64MiB", "1g" or a plain byte count.
func parseSize(s string) (int64, error) {
	n, err := config.ParseSize(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func modeString(mode uint32) string {
	kind := "-"
	switch mode & store.ModeTypeMask {
	case store.ModeDir:
		kind = "d"
	case store.ModeSymlink:
		kind = "l"
	}
	return fmt.Sprintf("%s%04o", kind, mode&0o7777)
}

var shelfListCmd = &cobra.Command{
	Use:     "ls [directory]",
	Aliases: []string{"list"},
	Short:   "List a directory",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "/"
		if len(args) == 1 {
			dir = args[0]
		}
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			v, err := dispatch(ctx, rt, rt.Request(engine.CmdListShelves, dir))
			if err != nil {
				return err
			}
			shelves := v.([]engine.ShelfInfo)

			if handled, err := printStructured(os.Stdout, shelves); handled {
				return err
			}
			tw := newTable()
			fmt.Fprintln(tw, "ID\tMODE\tLINKS\tBOOKS\tSIZE\tMODIFIED\tNAME")
			for _, s := range shelves {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
					s.ID, modeString(s.Mode), s.LinkCount, s.BookCount,
					humanize.IBytes(uint64(s.SizeBytes)), humanize.Time(s.MTime), s.Name)
			}
			return tw.Flush()
		})
	},
}

var shelfCreateCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create a shelf, optionally sizing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		var size int64
		if shelfCreateSize != "" {
			var err error
			if size, err = parseSize(shelfCreateSize); err != nil {
				return err
			}
		}
		if shelfCreatePolicy != "" {
			if _, err := policy.ParseName(shelfCreatePolicy); err != nil {
				return err
			}
		}

		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			req := rt.Request(engine.CmdCreateShelf, path)
			req.Mode = shelfMode
			v, err := dispatch(ctx, rt, req)
			if err != nil {
				return err
			}
			info := v.(*engine.ShelfInfo)

			// The handle is only held while the shelf is set up
			defer func() {
				closeReq := rt.Request(engine.CmdCloseShelf, path)
				closeReq.ID = info.ID
				closeReq.Handle = info.Handle
				if _, err := dispatch(ctx, rt, closeReq); err != nil {
					logger.Warn("Failed to close %s: %v", path, err)
				}
			}()

			if shelfCreatePolicy != "" {
				req := rt.Request(engine.CmdSetXattr, path)
				req.Xattr = policy.XattrAllocationPolicy
				req.Value = []byte(shelfCreatePolicy)
				if _, err := dispatch(ctx, rt, req); err != nil {
					return err
				}
			}
			if size > 0 {
				req := rt.Request(engine.CmdResizeShelf, path)
				req.Size = size
				if _, err := dispatch(ctx, rt, req); err != nil {
					return err
				}
			}

			fmt.Printf("Created %s (id %d, %s)\n", path, info.ID, humanize.IBytes(uint64(size)))
			return nil
		})
	},
}

var shelfResizeCmd = &cobra.Command{
	Use:   "resize <path> <size>",
	Short: "Grow or shrink a shelf",
	Long: `Resize a shelf to the given size, rounded up to whole books.

Books released by a shrink are zeroed in the background when
engine.zero_enabled is set, and freed immediately otherwise.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := parseSize(args[1])
		if err != nil {
			return err
		}
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			req := rt.Request(engine.CmdResizeShelf, args[0])
			req.Size = size
			v, err := dispatch(ctx, rt, req)
			if err != nil {
				return err
			}
			if res, ok := v.(*engine.ResizeResult); ok && res.ZeroShelfPath != "" {
				fmt.Printf("Released books pending zeroing in %s\n", res.ZeroShelfPath)
			}
			return nil
		})
	},
}

// simpleCmd builds a subcommand that issues one request on its first
// argument and prints nothing on success.
func simpleCmd(use, short, command string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
				req := rt.Request(command, args[0])
				req.Mode = shelfMode
				_, err := dispatch(ctx, rt, req)
				return err
			})
		},
	}
}

var shelfRenameCmd = &cobra.Command{
	Use:     "mv <path> <newpath>",
	Aliases: []string{"rename"},
	Short:   "Rename or move a shelf",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			req := rt.Request(engine.CmdRenameShelf, args[0])
			req.NewPath = args[1]
			_, err := dispatch(ctx, rt, req)
			return err
		})
	},
}

var shelfSymlinkCmd = &cobra.Command{
	Use:   "ln <target> <link>",
	Short: "Create a symlink",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			req := rt.Request(engine.CmdSymlink, args[1])
			req.Target = args[0]
			_, err := dispatch(ctx, rt, req)
			return err
		})
	},
}

var shelfReadlinkCmd = &cobra.Command{
	Use:   "readlink <path>",
	Short: "Print a symlink target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			v, err := dispatch(ctx, rt, rt.Request(engine.CmdReadlink, args[0]))
			if err != nil {
				return err
			}
			fmt.Println(v.(string))
			return nil
		})
	},
}

var shelfBooksCmd = &cobra.Command{
	Use:   "books <path>",
	Short: "List the books behind a shelf in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			v, err := dispatch(ctx, rt, rt.Request(engine.CmdListShelfBooks, args[0]))
			if err != nil {
				return err
			}
			books := v.([]engine.ShelfBook)

			if handled, err := printStructured(os.Stdout, books); handled {
				return err
			}
			tw := newTable()
			fmt.Fprintln(tw, "SEQ\tBOOK\tIG\tNUM\tSTATE")
			for _, b := range books {
				fmt.Fprintf(tw, "%d\t0x%x\t%d\t%d\t%s\n", b.Seq, b.ID, b.IGValue(), b.BookNum, b.Allocated)
			}
			return tw.Flush()
		})
	},
}

var shelfOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "List open shelf handles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			v, err := dispatch(ctx, rt, rt.Request(engine.CmdListOpenShelves, ""))
			if err != nil {
				return err
			}
			handles := v.([]store.OpenedShelf)

			if handled, err := printStructured(os.Stdout, handles); handled {
				return err
			}
			tw := newTable()
			fmt.Fprintln(tw, "HANDLE\tSHELF\tNODE\tPID")
			for _, h := range handles {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", h.ID, h.ShelfID, h.NodeID, h.PID)
			}
			return tw.Flush()
		})
	},
}

var shelfReadCmd = &cobra.Command{
	Use:   "read <path>",
	Short: "Copy shelf contents to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			v, err := dispatch(ctx, rt, rt.Request(engine.CmdGetShelf, path))
			if err != nil {
				return err
			}
			size := v.(*engine.ShelfInfo).SizeBytes

			length := shelfLength
			if length == 0 || shelfOffset+length > size {
				length = size - shelfOffset
			}
			if length <= 0 {
				return nil
			}

			buf := make([]byte, min(length, rt.Engine.BookSize()))
			for off := shelfOffset; off < shelfOffset+length; {
				chunk := buf[:min(int64(len(buf)), shelfOffset+length-off)]
				n, err := rt.Shadow.Read(ctx, path, chunk, off)
				if err != nil && err != io.EOF {
					return err
				}
				if n == 0 {
					return nil
				}
				if _, err := os.Stdout.Write(chunk[:n]); err != nil {
					return err
				}
				off += int64(n)
			}
			return nil
		})
	},
}

var shelfWriteCmd = &cobra.Command{
	Use:   "write <path> <file>",
	Short: "Copy a local file into a shelf",
	Long: `Copy a local file ("-" for stdin) into a shelf at --offset.

The shelf must already be large enough; writes past its last book fail.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		var src io.Reader = os.Stdin
		if args[1] != "-" {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			src = f
		}

		return runOn(cmd, func(ctx context.Context, rt *config.Runtime) error {
			buf := make([]byte, rt.Engine.BookSize())
			off := shelfOffset
			for {
				n, rerr := io.ReadFull(src, buf)
				if n > 0 {
					if _, err := rt.Shadow.Write(ctx, path, buf[:n], off); err != nil {
						return err
					}
					off += int64(n)
				}
				if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
					break
				}
				if rerr != nil {
					return rerr
				}
			}
			logger.Info("Wrote %s to %s", humanize.IBytes(uint64(off-shelfOffset)), path)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(shelfCmd)

	shelfDestroyCmd := simpleCmd("rm <path>", "Destroy a shelf and release its books", engine.CmdDestroyShelf)
	shelfMkdirCmd := simpleCmd("mkdir <path>", "Create a directory", engine.CmdMkdir)
	shelfRmdirCmd := simpleCmd("rmdir <path>", "Remove an empty directory", engine.CmdRmdir)
	shelfTouchCmd := simpleCmd("touch <path>", "Set the modification time to now", engine.CmdSetAMTime)

	shelfCmd.AddCommand(
		shelfListCmd,
		shelfCreateCmd,
		shelfResizeCmd,
		shelfDestroyCmd,
		shelfRenameCmd,
		shelfMkdirCmd,
		shelfRmdirCmd,
		shelfSymlinkCmd,
		shelfReadlinkCmd,
		shelfTouchCmd,
		shelfBooksCmd,
		shelfOpenCmd,
		shelfReadCmd,
		shelfWriteCmd,
	)

	shelfCreateCmd.Flags().StringVar(&shelfCreateSize, "size", "", "initial size (e.g. 64MiB)")
	shelfCreateCmd.Flags().StringVar(&shelfCreatePolicy, "policy", "", "allocation policy for the shelf's books")
	shelfCreateCmd.Flags().Uint32Var(&shelfMode, "mode", 0, "mode bits (default regular 0666)")
	shelfMkdirCmd.Flags().Uint32Var(&shelfMode, "mode", 0, "mode bits (default directory 0777)")

	for _, c := range []*cobra.Command{shelfReadCmd, shelfWriteCmd} {
		c.Flags().Int64Var(&shelfOffset, "offset", 0, "byte offset into the shelf")
	}
	shelfReadCmd.Flags().Int64Var(&shelfLength, "length", 0, "bytes to read (default to the end of the shelf)")
}
