// Package lmp serves read-only management views of a librarian over HTTP.
//
// Every view is built from engine commands issued as the serving node, so
// it sees exactly what a client would:
//
//	GET /lmp/global                       memory, node, pool and activity totals
//	GET /lmp/nodes                        nodes with their media controllers
//	GET /lmp/interleaveGroups             interleave groups and their members
//	GET /lmp/allocated/{coordinate...}    memory behind a coordinate, by state
//	GET /lmp/active/{coordinate...}       shelves opened from a coordinate
//	GET /lmp/shelf/{path...}              a directory listing or one shelf
//	GET /lmp/books/{ig}                   books of one IG, or all without ig
//
// Coordinates are "/"-separated prefixes of "Rack/<r>/Enclosure/<e>/Node/<n>
// /MemoryBoard/1/MediaController/<m>"; an empty coordinate selects everything.
package lmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/engine"
	"github.com/marmos91/librarian/pkg/policy"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/topology"
)

// DefaultStaleAfter is how long an active node may go without contact
// before it is reported as indeterminate.
const DefaultStaleAfter = 5 * time.Minute

// Handler serves the /lmp/ views.
type Handler struct {
	engine     *engine.Engine
	nodeID     int
	staleAfter time.Duration
	now        func() time.Time
	mux        *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(h *Handler) { h.staleAfter = d }
}

// WithClock replaces time.Now for heartbeat freshness.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// NewHandler builds the views over e. Commands are issued as nodeID, which
// must be part of the topology.
func NewHandler(e *engine.Engine, nodeID int, opts ...Option) *Handler {
	h := &Handler{
		engine:     e,
		nodeID:     nodeID,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		mux:        http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	for name, fn := range map[string]func(*http.Request) (any, error){
		"global":           h.global,
		"nodes":            h.nodes,
		"interleaveGroups": h.interleaveGroups,
	} {
		h.mux.HandleFunc("GET /lmp/"+name, h.view(fn))
		h.mux.HandleFunc("GET /lmp/"+name+"/{$}", h.view(fn))
	}
	h.mux.HandleFunc("GET /lmp/allocated/{coordinate...}", h.view(h.allocated))
	h.mux.HandleFunc("GET /lmp/active/{coordinate...}", h.view(h.active))
	h.mux.HandleFunc("GET /lmp/shelf/{path...}", h.view(h.shelf))
	h.mux.HandleFunc("GET /lmp/books/{ig...}", h.view(h.books))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// view adapts a view function to an http.HandlerFunc, encoding its result
// or its error as JSON.
func (h *Handler) view(fn func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fn(r)
		if err != nil {
			code := statusFor(err)
			if code == http.StatusInternalServerError {
				logger.Warn("lmp: %s: %v", r.URL.Path, err)
			}
			writeJSON(w, code, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func statusFor(err error) int {
	var f *engine.Fault
	if !errors.As(err, &f) {
		return http.StatusInternalServerError
	}
	switch f.Errno {
	case engine.ENOENT:
		return http.StatusNotFound
	case engine.EINVAL, engine.ENOTDIR:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logger.Warn("lmp: encode reply: %v", err)
	}
}

func notFound(format string, args ...any) error {
	return &engine.Fault{Errno: engine.ENOENT, Message: fmt.Sprintf(format, args...)}
}

// call dispatches one command as the serving node and asserts its value.
func call[T any](ctx context.Context, h *Handler, req engine.Request) (T, error) {
	var zero T
	req.Context = engine.Context{NodeID: h.nodeID}
	resp := h.engine.Dispatch(ctx, req)
	if resp.Fault != nil {
		return zero, resp.Fault
	}
	if resp.Value == nil {
		return zero, nil
	}
	v, ok := resp.Value.(T)
	if !ok {
		return zero, fmt.Errorf("%s returned %T", req.Command, resp.Value)
	}
	return v, nil
}

// matches reports whether coordinate lies under prefix.
func matches(coordinate, prefix string) bool {
	coordinate = strings.Trim(coordinate, "/")
	prefix = strings.Trim(prefix, "/")
	return prefix == "" || coordinate == prefix || strings.HasPrefix(coordinate, prefix+"/")
}

// ============================================================================
// Views
// ============================================================================

// Memory is a byte count per book state.
type Memory struct {
	Total     uint64 `json:"total"`
	Available uint64 `json:"available"`
	Allocated uint64 `json:"allocated"`
	NotReady  uint64 `json:"notready"`
	Offline   uint64 `json:"offline"`
}

func (m *Memory) add(state store.BookState, bytes uint64) {
	m.Total += bytes
	switch state {
	case store.BookFree:
		m.Available += bytes
	case store.BookInUse:
		m.Allocated += bytes
	case store.BookZombie:
		m.NotReady += bytes
	case store.BookOffline:
		m.Offline += bytes
	}
}

// Active counts open shelves and the books behind them.
type Active struct {
	Shelves int `json:"shelves"`
	Books   int `json:"books"`
}

// Global is the /lmp/global reply.
type Global struct {
	Memory Memory `json:"memory"`
	Nodes  struct {
		Total         int `json:"total"`
		Active        int `json:"active"`
		Offline       int `json:"offline"`
		Indeterminate int `json:"indeterminate"`
	} `json:"nodes"`
	Pools struct {
		Total   int `json:"total"`
		Active  int `json:"active"`
		Offline int `json:"offline"`
	} `json:"pools"`
	Active Active `json:"active"`
}

func (h *Handler) global(r *http.Request) (any, error) {
	ctx := r.Context()
	stats, err := call[*engine.FSStats](ctx, h, engine.Request{Command: engine.CmdGetFSStats})
	if err != nil {
		return nil, err
	}

	var out Global
	bs := stats.BookSize
	out.Memory.Total = uint64(stats.BooksTotal) * bs
	out.Memory.Available = uint64(stats.BooksByState[store.BookFree.String()]) * bs
	out.Memory.Allocated = uint64(stats.BooksByState[store.BookInUse.String()]) * bs
	out.Memory.NotReady = uint64(stats.BooksByState[store.BookZombie.String()]) * bs
	out.Memory.Offline = uint64(stats.BooksByState[store.BookOffline.String()]) * bs

	status := h.nodeStates(stats.Nodes)
	out.Nodes.Total = stats.NodesTotal
	for _, s := range status {
		switch s {
		case "active":
			out.Nodes.Active++
		case "indeterminate":
			out.Nodes.Indeterminate++
		default:
			out.Nodes.Offline++
		}
	}

	for _, m := range h.engine.Topology().Modules() {
		out.Pools.Total++
		if status[m.Node.ID()] == "active" {
			out.Pools.Active++
		} else {
			out.Pools.Offline++
		}
	}

	out.Active, err = h.activity(ctx, func(int) bool { return true })
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// nodeStates maps every configured node to active, indeterminate (active
// but silent for longer than staleAfter) or offline. Nodes that never made
// contact are offline.
func (h *Handler) nodeStates(nodes []store.NodeStatus) map[int]string {
	now := h.now()
	out := make(map[int]string, len(nodes))
	for _, n := range h.engine.Topology().Nodes() {
		out[n.ID()] = "offline"
	}
	for _, n := range nodes {
		switch {
		case n.Status != "active":
			out[n.NodeID] = "offline"
		case now.Sub(n.LastContact) > h.staleAfter:
			out[n.NodeID] = "indeterminate"
		default:
			out[n.NodeID] = "active"
		}
	}
	return out
}

// activity counts distinct shelves held open by nodes selected by keep.
func (h *Handler) activity(ctx context.Context, keep func(nodeID int) bool) (Active, error) {
	var out Active
	handles, err := call[[]store.OpenedShelf](ctx, h, engine.Request{Command: engine.CmdListOpenShelves})
	if err != nil {
		return out, err
	}
	seen := make(map[uint64]bool)
	for _, o := range handles {
		if seen[o.ShelfID] || !keep(o.NodeID) {
			continue
		}
		seen[o.ShelfID] = true
		path, err := call[string](ctx, h, engine.Request{Command: engine.CmdGetShelfPath, ID: o.ShelfID})
		if err != nil {
			return out, err
		}
		s, err := call[*engine.ShelfInfo](ctx, h, engine.Request{Command: engine.CmdGetShelf, Path: path, ID: o.ShelfID})
		if err != nil {
			return out, err
		}
		out.Shelves++
		out.Books += s.BookCount
	}
	return out, nil
}

// MediaController is one module of a node.
type MediaController struct {
	Coordinate string `json:"coordinate"`
	MemorySize uint64 `json:"memorySize"`
}

// NodeView is one entry of the /lmp/nodes reply.
type NodeView struct {
	Coordinate       string            `json:"coordinate"`
	NodeID           int               `json:"node_id"`
	Hostname         string            `json:"hostname"`
	Physloc          string            `json:"physloc"`
	Status           string            `json:"status"`
	LastContact      time.Time         `json:"last_contact"`
	MediaControllers []MediaController `json:"mediaControllers"`
}

func (h *Handler) nodes(r *http.Request) (any, error) {
	stats, err := call[*engine.FSStats](r.Context(), h, engine.Request{Command: engine.CmdGetFSStats})
	if err != nil {
		return nil, err
	}
	status := h.nodeStates(stats.Nodes)
	contact := make(map[int]time.Time, len(stats.Nodes))
	for _, n := range stats.Nodes {
		contact[n.NodeID] = n.LastContact
	}

	topo := h.engine.Topology()
	out := make([]NodeView, 0, len(topo.Nodes()))
	index := make(map[int]int)
	for _, n := range topo.Nodes() {
		index[n.ID()] = len(out)
		out = append(out, NodeView{
			Coordinate:       n.Coordinate(),
			NodeID:           n.ID(),
			Hostname:         n.Hostname(),
			Physloc:          n.Physloc(),
			Status:           status[n.ID()],
			LastContact:      contact[n.ID()],
			MediaControllers: []MediaController{},
		})
	}
	for _, m := range topo.Modules() {
		i := index[m.Node.ID()]
		out[i].MediaControllers = append(out[i].MediaControllers, MediaController{
			Coordinate: m.FullCoordinate(),
			MemorySize: uint64(m.SizeBooks) * stats.BookSize,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return map[string]any{"nodes": out}, nil
}

// InterleaveGroupView is one entry of the /lmp/interleaveGroups reply.
type InterleaveGroupView struct {
	GroupID          int      `json:"groupId"`
	BaseAddress      uint64   `json:"baseAddress"`
	Size             uint64   `json:"size"`
	Books            int      `json:"books"`
	MediaControllers []string `json:"mediaControllers"`
}

func (h *Handler) interleaveGroups(r *http.Request) (any, error) {
	bs := uint64(h.engine.BookSize())
	phys := make(map[int]int64)
	for _, g := range h.engine.IGs() {
		phys[g.ID] = g.PhysBase
	}

	groups := h.engine.Topology().IGs()
	out := make([]InterleaveGroupView, 0, len(groups))
	for _, g := range groups {
		v := InterleaveGroupView{
			GroupID:     g.ID,
			BaseAddress: uint64(g.ID) << topology.IGShift,
			Size:        uint64(g.TotalBooks()) * bs,
			Books:       g.TotalBooks(),
		}
		if base, ok := phys[g.ID]; ok && base >= 0 {
			v.BaseAddress = uint64(base)
		}
		for _, m := range g.Modules {
			v.MediaControllers = append(v.MediaControllers, m.FullCoordinate())
		}
		out = append(out, v)
	}
	return map[string]any{"interleaveGroups": out}, nil
}

// allocated splits every book evenly across the controllers of its IG and
// sums the shares of controllers under the coordinate.
func (h *Handler) allocated(r *http.Request) (any, error) {
	coordinate := r.PathValue("coordinate")
	members := make(map[int]int)
	selected := make(map[int]int)
	for _, m := range h.engine.Topology().Modules() {
		members[m.IG]++
		if matches(m.FullCoordinate(), coordinate) {
			selected[m.IG]++
		}
	}
	if len(selected) == 0 {
		return nil, notFound("no media controller under %q", coordinate)
	}

	books, err := call[[]store.Book](r.Context(), h, engine.Request{Command: engine.CmdGetBookAll})
	if err != nil {
		return nil, err
	}
	bs := uint64(h.engine.BookSize())
	var mem Memory
	for _, b := range books {
		ig := int(b.IGValue())
		if selected[ig] == 0 {
			continue
		}
		mem.add(b.Allocated, bs*uint64(selected[ig])/uint64(members[ig]))
	}
	return map[string]any{"memory": mem}, nil
}

func (h *Handler) active(r *http.Request) (any, error) {
	coordinate := r.PathValue("coordinate")
	nodes := make(map[int]bool)
	for _, n := range h.engine.Topology().Nodes() {
		if matches(n.Coordinate(), coordinate) || matches(coordinate, n.Coordinate()) {
			nodes[n.ID()] = true
		}
	}
	if len(nodes) == 0 {
		return nil, notFound("no node under %q", coordinate)
	}
	act, err := h.activity(r.Context(), func(id int) bool { return nodes[id] })
	if err != nil {
		return nil, err
	}
	return map[string]any{"active": act}, nil
}

// Entry is one child in a directory listing.
type Entry struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Mode   string `json:"mode"`
	Size   int64  `json:"size"`
	Policy string `json:"policy,omitempty"`
}

// ShelfView is the /lmp/shelf reply for a shelf. Directories fill Entries
// instead of the book fields.
type ShelfView struct {
	ID       uint64   `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Mode     string   `json:"mode"`
	Size     int64    `json:"size"`
	BookSize int64    `json:"booksize,omitempty"`
	Policy   string   `json:"policy,omitempty"`
	Active   []string `json:"active,omitempty"`
	Books    []uint64 `json:"books,omitempty"`
	Entries  []Entry  `json:"entries,omitempty"`
}

func kind(s store.Shelf) string {
	switch {
	case s.IsDir():
		return "directory"
	case s.IsSymlink():
		return "symlink"
	default:
		return "file"
	}
}

func mode(s store.Shelf) string {
	return fmt.Sprintf("%04o", s.Mode&0o7777)
}

func (h *Handler) shelf(r *http.Request) (any, error) {
	ctx := r.Context()
	path := "/" + strings.Trim(r.PathValue("path"), "/")
	info, err := call[*engine.ShelfInfo](ctx, h, engine.Request{Command: engine.CmdGetShelf, Path: path})
	if err != nil {
		return nil, err
	}

	out := &ShelfView{
		ID:   info.ID,
		Name: info.Name,
		Type: kind(info.Shelf),
		Mode: mode(info.Shelf),
		Size: info.SizeBytes,
	}

	if info.IsDir() {
		children, err := call[[]engine.ShelfInfo](ctx, h, engine.Request{Command: engine.CmdListShelves, Path: path})
		if err != nil {
			return nil, err
		}
		out.Entries = []Entry{}
		for _, c := range children {
			if c.Name == "." || c.Name == ".." {
				continue
			}
			e := Entry{Name: c.Name, Type: kind(c.Shelf), Mode: mode(c.Shelf), Size: c.SizeBytes}
			if e.Type == "file" {
				if e.Policy, err = h.policyOf(ctx, strings.TrimSuffix(path, "/")+"/"+c.Name); err != nil {
					return nil, err
				}
			}
			out.Entries = append(out.Entries, e)
		}
		return out, nil
	}
	if info.IsSymlink() {
		return out, nil
	}

	out.BookSize = h.engine.BookSize()
	if out.Policy, err = h.policyOf(ctx, path); err != nil {
		return nil, err
	}

	books, err := call[[]engine.ShelfBook](ctx, h, engine.Request{Command: engine.CmdListShelfBooks, Path: path})
	if err != nil {
		return nil, err
	}
	for _, b := range books {
		out.Books = append(out.Books, b.ID)
	}

	handles, err := call[[]store.OpenedShelf](ctx, h, engine.Request{Command: engine.CmdListOpenShelves})
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool)
	for _, o := range handles {
		if o.ShelfID != info.ID || seen[o.NodeID] {
			continue
		}
		seen[o.NodeID] = true
		if n, ok := h.engine.Topology().Node(o.NodeID); ok {
			out.Active = append(out.Active, n.Coordinate())
		}
	}
	sort.Strings(out.Active)
	return out, nil
}

func (h *Handler) policyOf(ctx context.Context, path string) (string, error) {
	raw, err := call[[]byte](ctx, h, engine.Request{Command: engine.CmdGetXattr, Path: path, Xattr: policy.XattrAllocationPolicy})
	var f *engine.Fault
	if errors.As(err, &f) && f.Errno == engine.ENODATA {
		return h.engine.DefaultPolicy().String(), nil
	}
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return h.engine.DefaultPolicy().String(), nil
	}
	return string(raw), nil
}

// BookView is one entry of the /lmp/books reply. Shelf and offset are set
// for books on a shelf; offset is the book's byte position in it.
type BookView struct {
	LZA    string `json:"lza"`
	IG     uint16 `json:"intlv_group"`
	State  string `json:"state"`
	Shelf  string `json:"shelf,omitempty"`
	Offset *int64 `json:"offset,omitempty"`
}

func state(s store.BookState) string {
	switch s {
	case store.BookFree:
		return "available"
	case store.BookInUse:
		return "allocated"
	case store.BookZombie:
		return "notready"
	case store.BookOffline:
		return "offline"
	default:
		return "unknown"
	}
}

func (h *Handler) books(r *http.Request) (any, error) {
	ctx := r.Context()
	req := engine.Request{Command: engine.CmdGetBookAll}
	if raw := strings.Trim(r.PathValue("ig"), "/"); raw != "" {
		ig, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &engine.Fault{Errno: engine.EINVAL, Message: fmt.Sprintf("bad interleave group %q", raw)}
		}
		req = engine.Request{Command: engine.CmdGetBookIG, IG: ig}
	}
	books, err := call[[]store.Book](ctx, h, req)
	if err != nil {
		return nil, err
	}
	if len(books) == 0 && req.Command == engine.CmdGetBookIG {
		return nil, notFound("interleave group %d has no books", req.IG)
	}

	placed, err := h.placements(ctx, "/")
	if err != nil {
		return nil, err
	}

	out := make([]BookView, 0, len(books))
	for _, b := range books {
		v := BookView{LZA: fmt.Sprintf("0x%x", b.ID), IG: b.IGValue(), State: state(b.Allocated)}
		if p, ok := placed[b.ID]; ok && b.Allocated == store.BookInUse {
			off := p.offset
			v.Shelf = p.path
			v.Offset = &off
		}
		out = append(out, v)
	}
	return map[string]any{"book_size": h.engine.BookSize(), "books": out}, nil
}

type placement struct {
	path   string
	offset int64
}

// placements walks the namespace below dir and locates every book held by
// a regular shelf.
func (h *Handler) placements(ctx context.Context, dir string) (map[uint64]placement, error) {
	out := make(map[uint64]placement)
	bs := h.engine.BookSize()
	pending := []string{dir}
	for len(pending) > 0 {
		dir, pending = pending[0], pending[1:]
		children, err := call[[]engine.ShelfInfo](ctx, h, engine.Request{Command: engine.CmdListShelves, Path: dir})
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if c.Name == "." || c.Name == ".." {
				continue
			}
			path := strings.TrimSuffix(dir, "/") + "/" + c.Name
			switch {
			case c.IsDir():
				pending = append(pending, path)
			case c.IsSymlink() || c.BookCount == 0:
			default:
				books, err := call[[]engine.ShelfBook](ctx, h, engine.Request{Command: engine.CmdListShelfBooks, Path: path})
				if err != nil {
					return nil, err
				}
				for _, b := range books {
					out[b.ID] = placement{path: path, offset: int64(b.Seq-1) * bs}
				}
			}
		}
	}
	return out, nil
}
