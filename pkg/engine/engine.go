// Package engine implements the librarian command engine: the shelf and
// book lifecycle behind every client-visible operation.
//
// The engine keeps no state of its own besides the topology read at start
// and the engine-wide default allocation policy. Every command runs inside
// store transactions; the store is the only durability authority.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/metrics"
	"github.com/marmos91/librarian/pkg/policy"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/topology"
)

// Version is reported by the version command when the database does not
// carry one.
const Version = "librarian-1.0"

// Engine dispatches commands against a provisioned store.
//
// Thread Safety:
// Engine is safe for concurrent use. Resizes of the same shelf must be
// serialized by the caller.
type Engine struct {
	store   store.Store
	topo    *topology.Topology
	codec   *topology.Codec
	alloc   *policy.Allocator
	globals store.Globals
	igs     []topology.IGInfo
	metrics metrics.EngineMetrics

	bookSize int64

	mu            sync.Mutex
	defaultPolicy policy.Name

	now      func() time.Time
	newID    func() string
	handlers map[string]handler

	allocOpts []policy.Option
}

type handler func(ctx context.Context, req *Request) (any, error)

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.EngineMetrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock replaces time.Now for ctime/mtime and heartbeats.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDefaultPolicy sets the initial engine-wide allocation policy.
func WithDefaultPolicy(name policy.Name) Option {
	return func(e *Engine) { e.defaultPolicy = name }
}

// WithAllocatorOptions passes options to the allocation policy engine.
func WithAllocatorOptions(opts ...policy.Option) Option {
	return func(e *Engine) { e.allocOpts = append(e.allocOpts, opts...) }
}

// New loads globals and topology from a provisioned store and builds an
// engine over it.
//
// The BII mode is taken from the first book record. In LZA mode every IG
// must fit the 13-bit book number; in PHYSADDR mode the IG column value is
// a per-node partition index and each partition's base is its lowest book
// id.
func New(ctx context.Context, st store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:         st,
		codec:         &topology.Codec{},
		metrics:       metrics.NewNoopEngineMetrics(),
		defaultPolicy: policy.Default,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.defaultPolicy == policy.RequestIG || !e.defaultPolicy.Valid() {
		return nil, fmt.Errorf("%s cannot be the default allocation policy", e.defaultPolicy)
	}

	var (
		modules []store.FAModule
		books   []store.Book
	)
	err := st.View(ctx, func(tx store.Tx) error {
		g, err := tx.GetGlobals()
		if err != nil {
			return fmt.Errorf("read globals (is the database provisioned?): %w", err)
		}
		e.globals = *g

		if modules, err = tx.ListModules(); err != nil {
			return err
		}
		books, err = tx.ListBooks(store.BookQuery{})
		return err
	})
	if err != nil {
		return nil, err
	}

	if e.globals.BookSize == 0 {
		return nil, fmt.Errorf("globals carry a zero book size")
	}
	e.bookSize = int64(e.globals.BookSize)

	if len(books) == 0 {
		return nil, fmt.Errorf("no books provisioned")
	}
	if err := e.codec.Set(topology.IGColumnMode(books[0].IG)); err != nil {
		return nil, fmt.Errorf("book %#x: %w", books[0].ID, err)
	}

	mods := make([]topology.Module, 0, len(modules))
	for _, m := range modules {
		node, err := topology.NodeFromID(m.NodeID)
		if err != nil {
			return nil, err
		}
		mods = append(mods, topology.Module{Node: node, Ordinal: m.Ordinal, IG: m.IG, SizeBooks: m.SizeBooks})
	}
	if e.topo, err = topology.New(mods); err != nil {
		return nil, err
	}
	if len(e.topo.Nodes()) == 0 {
		return nil, fmt.Errorf("no nodes in topology")
	}

	if e.codec.IsLZA() {
		if err := e.topo.ValidateLZA(); err != nil {
			return nil, err
		}
		for _, g := range e.topo.IGs() {
			e.igs = append(e.igs, topology.IGInfo{ID: g.ID, Books: g.TotalBooks(), PhysBase: -1})
		}
	} else {
		e.igs = store.PhysAddrIGs(books, uint64(e.bookSize))
	}

	e.alloc = policy.NewAllocator(e.topo, e.codec, e.allocOpts...)
	e.registerHandlers()

	logger.Info("Engine ready: %d nodes, %d books in %d IGs, BII mode %s, book size %d",
		len(e.topo.Nodes()), len(books), len(e.igs), e.codec.Mode(), e.bookSize)
	return e, nil
}

func (e *Engine) registerHandlers() {
	e.handlers = map[string]handler{
		CmdVersion:         e.version,
		CmdGetFSStats:      e.fsStats,
		CmdCreateShelf:     e.createShelf,
		CmdGetShelf:        e.getShelf,
		CmdListShelves:     e.listShelves,
		CmdGetShelfPath:    e.getShelfPath,
		CmdListOpenShelves: e.listOpenShelves,
		CmdOpenShelf:       e.openShelf,
		CmdCloseShelf:      e.closeShelf,
		CmdListShelfBooks:  e.listShelfBooks,
		CmdResizeShelf:     e.resizeShelf,
		CmdDestroyShelf:    e.destroyShelf,
		CmdRenameShelf:     e.renameShelf,
		CmdMkdir:           e.mkdir,
		CmdRmdir:           e.rmdir,
		CmdSymlink:         e.symlink,
		CmdReadlink:        e.readlink,
		CmdGetXattr:        e.getXattr,
		CmdSetXattr:        e.setXattr,
		CmdRemoveXattr:     e.removeXattr,
		CmdListXattrs:      e.listXattrs,
		CmdSetAMTime:       e.setAMTime,
		CmdGetBook:         e.getBook,
		CmdGetBookIG:       e.getBookIG,
		CmdGetBookAll:      e.getBookAll,
		CmdKillZombieBooks: e.killZombieBooks,
	}
}

// Dispatch runs one command and always returns a Response echoing the
// request context. Failures are reported in Response.Fault.
//
// Some commands report a value alongside a fault (mkdir and symlink return
// the existing shelf with EEXIST).
func (e *Engine) Dispatch(ctx context.Context, req Request) Response {
	start := time.Now()
	resp := Response{Context: req.Context}

	defer func() {
		errno := "OK"
		if resp.Fault != nil {
			errno = resp.Fault.Errno.String()
		}
		e.metrics.RecordCommand(req.Command, errno, time.Since(start))
	}()

	h, ok := e.handlers[req.Command]
	if !ok {
		resp.Fault = faultf(ENOSYS, "engine failed lookup on %q", req.Command)
		return resp
	}

	if !e.topo.HasNode(req.Context.NodeID) {
		resp.Fault = faultf(EINVAL, "node %d is not configured in the librarian topology", req.Context.NodeID)
		return resp
	}

	if err := e.store.Update(ctx, func(tx store.Tx) error {
		return tx.TouchNode(req.Context.NodeID, e.now())
	}); err != nil {
		resp.Fault = toFault(err)
		return resp
	}

	value, err := h(ctx, &req)
	if err != nil {
		resp.Fault = toFault(err)
		logger.Debug("%s %q from node %d seq %d: %v",
			req.Command, req.Path, req.Context.NodeID, req.Context.Seq, resp.Fault)
	}
	if value != nil {
		resp.Value = value
	}
	return resp
}

// Topology returns the topology loaded at start.
func (e *Engine) Topology() *topology.Topology { return e.topo }

// Codec returns the BII codec set from the first book.
func (e *Engine) Codec() *topology.Codec { return e.codec }

// BookSize returns the provisioned book size in bytes.
func (e *Engine) BookSize() int64 { return e.bookSize }

// IGs returns the per-IG summary used for address translation.
func (e *Engine) IGs() []topology.IGInfo {
	out := make([]topology.IGInfo, len(e.igs))
	copy(out, e.igs)
	return out
}

// DefaultPolicy returns the engine-wide default allocation policy.
func (e *Engine) DefaultPolicy() policy.Name {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.defaultPolicy
}

func (e *Engine) setDefaultPolicy(name policy.Name) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultPolicy = name
}

// nbooks returns the number of books needed to hold size bytes.
func (e *Engine) nbooks(size int64) int {
	return int((size + e.bookSize - 1) / e.bookSize)
}
