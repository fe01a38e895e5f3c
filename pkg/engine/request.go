package engine

import (
	"time"

	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/topology"
)

// Command names accepted by Dispatch.
const (
	CmdVersion         = "version"
	CmdGetFSStats      = "get_fs_stats"
	CmdCreateShelf     = "create_shelf"
	CmdGetShelf        = "get_shelf"
	CmdListShelves     = "list_shelves"
	CmdGetShelfPath    = "get_shelf_path"
	CmdListOpenShelves = "list_open_shelves"
	CmdOpenShelf       = "open_shelf"
	CmdCloseShelf      = "close_shelf"
	CmdListShelfBooks  = "list_shelf_books"
	CmdResizeShelf     = "resize_shelf"
	CmdDestroyShelf    = "destroy_shelf"
	CmdRenameShelf     = "rename_shelf"
	CmdMkdir           = "mkdir"
	CmdRmdir           = "rmdir"
	CmdSymlink         = "symlink"
	CmdReadlink        = "readlink"
	CmdGetXattr        = "get_xattr"
	CmdSetXattr        = "set_xattr"
	CmdRemoveXattr     = "remove_xattr"
	CmdListXattrs      = "list_xattrs"
	CmdSetAMTime       = "set_am_time"
	CmdGetBook         = "get_book"
	CmdGetBookIG       = "get_book_ig"
	CmdGetBookAll      = "get_book_all"
	CmdKillZombieBooks = "kill_zombie_books"
)

// Context identifies the caller of a command. It is echoed back verbatim.
type Context struct {
	NodeID  int    `json:"node_id"`
	UID     int    `json:"uid"`
	GID     int    `json:"gid"`
	PID     int    `json:"pid"`
	Seq     uint64 `json:"seq"`
	Physloc string `json:"physloc,omitempty"`
}

// Request is one command with all of its possible arguments. Each command
// reads only the fields it needs.
type Request struct {
	Command string  `json:"command"`
	Context Context `json:"context"`

	Path    string `json:"path,omitempty"`
	NewPath string `json:"newpath,omitempty"`

	// ID is the shelf id for commands that address an open shelf.
	ID uint64 `json:"id,omitempty"`

	// Handle is the open handle returned by open_shelf/create_shelf.
	Handle uint64 `json:"handle,omitempty"`

	Size        int64 `json:"size_bytes,omitempty"`
	ZeroEnabled bool  `json:"zero_enabled,omitempty"`

	// Mode overrides the default regular-file mode on create_shelf.
	Mode uint32 `json:"mode,omitempty"`

	Xattr string `json:"xattr,omitempty"`
	Value []byte `json:"value,omitempty"`

	Target string    `json:"target,omitempty"`
	MTime  time.Time `json:"mtime,omitempty"`

	IG     int    `json:"intlv_group,omitempty"`
	BookID uint64 `json:"book_id,omitempty"`
}

// Response carries either a Value or a Fault.
type Response struct {
	Context Context `json:"context"`
	Value   any     `json:"value,omitempty"`
	Fault   *Fault  `json:"fault,omitempty"`
}

// ShelfInfo is a shelf as returned to clients, plus the caller's open
// handle when the command opened it.
type ShelfInfo struct {
	store.Shelf
	Handle uint64 `json:"open_handle,omitempty"`
}

// ShelfBook is one book of a shelf in sequence order.
type ShelfBook struct {
	store.Book
	Seq int `json:"seq_num"`
}

// ResizeResult reports the zeroing shelf created by a shrink, if any.
type ResizeResult struct {
	ZeroShelfPath string `json:"z_shelf_path,omitempty"`
}

// FSStats is the reply of get_fs_stats.
type FSStats struct {
	store.Globals
	BIIMode       string             `json:"BIImode"`
	BooksPerIG    []topology.IGInfo  `json:"books_per_IG"`
	BooksByState  map[string]int     `json:"books_by_state"`
	DefaultPolicy string             `json:"default_policy"`
	Nodes         []store.NodeStatus `json:"nodes"`
}
