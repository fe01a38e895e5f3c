// Package zeroer reclaims books released by shrinking shelves.
//
// A shrink with zeroing enabled moves the released books onto a pending-zero
// shelf under the root and leaves them ZOMBIE. The zeroer periodically finds
// those shelves, clears the memory behind their books through the shadow
// backend, and hands the books back to the engine, which frees them when
// the shelf is emptied.
package zeroer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/engine"
	"github.com/marmos91/librarian/pkg/metrics"
	"github.com/marmos91/librarian/pkg/store"
	"golang.org/x/sync/errgroup"
)

// Librarian is the part of the engine the zeroer drives.
type Librarian interface {
	Dispatch(ctx context.Context, req engine.Request) engine.Response
	ShelfBooks(ctx context.Context, path string) ([]store.Book, error)
}

// Clearer zeroes the memory behind books.
type Clearer interface {
	Zero(ctx context.Context, books []store.Book) (int64, error)
}

// Config contains configuration for the zeroer.
type Config struct {
	// Enabled controls whether the background worker runs (default: false)
	Enabled bool

	// Interval is how often to sweep for pending-zero shelves (default: 1m)
	Interval time.Duration

	// Concurrency caps the shelves zeroed in parallel (default: 4)
	Concurrency int

	// NodeID is the node the zeroer's requests are issued from
	NodeID int

	// DryRun logs what would be reclaimed without touching anything
	DryRun bool
}

// Zeroer sweeps pending-zero shelves in the background.
//
// Thread Safety: Safe for concurrent use.
type Zeroer struct {
	lib     Librarian
	clearer Clearer
	config  Config
	metrics metrics.ZeroerMetrics
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// New creates a zeroer. It is not started; call Start to begin sweeping.
// A nil m disables metrics.
func New(lib Librarian, clearer Clearer, config Config, m metrics.ZeroerMetrics) (*Zeroer, error) {
	if lib == nil || clearer == nil {
		return nil, fmt.Errorf("zeroer needs an engine and a shadow backend")
	}
	if config.NodeID <= 0 {
		return nil, fmt.Errorf("zeroer needs a node id, got %d", config.NodeID)
	}
	if config.Interval == 0 {
		config.Interval = time.Minute
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if m == nil {
		m = metrics.NewNoopZeroerMetrics()
	}

	return &Zeroer{
		lib:     lib,
		clearer: clearer,
		config:  config,
		metrics: m,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins background sweeping. It does nothing when the zeroer is
// disabled.
func (z *Zeroer) Start() {
	if !z.config.Enabled {
		logger.Info("Zeroer disabled")
		return
	}

	logger.Info("Starting zeroer: interval=%s concurrency=%d dry_run=%v",
		z.config.Interval, z.config.Concurrency, z.config.DryRun)

	go z.worker()
}

// Stop signals the worker and waits for the current sweep to finish or
// ctx to expire. Safe to call multiple times.
func (z *Zeroer) Stop(ctx context.Context) error {
	if !z.config.Enabled {
		return nil
	}

	logger.Info("Stopping zeroer...")
	z.once.Do(func() { close(z.stopCh) })

	select {
	case <-z.doneCh:
		logger.Info("Zeroer stopped successfully")
		return nil
	case <-ctx.Done():
		logger.Warn("Zeroer shutdown timeout")
		return ctx.Err()
	}
}

// RunNow runs one sweep and blocks until it completes.
func (z *Zeroer) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Running zeroer (manual trigger)...")
	return z.sweep(ctx)
}

func (z *Zeroer) worker() {
	defer close(z.doneCh)

	ticker := time.NewTicker(z.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := z.sweep(ctx)
			cancel()

			if err != nil {
				logger.Error("Zeroer sweep failed: %v", err)
			} else if stats.Shelves > 0 {
				logger.Info("Zeroer sweep completed: %s", stats.Summary())
			}

		case <-z.stopCh:
			return
		}
	}
}

func (z *Zeroer) request(cmd, path string) engine.Request {
	return engine.Request{
		Command:     cmd,
		Context:     engine.Context{NodeID: z.config.NodeID, PID: os.Getpid()},
		Path:        path,
		ZeroEnabled: true,
	}
}

// pending lists the pending-zero shelves under the root.
func (z *Zeroer) pending(ctx context.Context) ([]string, error) {
	resp := z.lib.Dispatch(ctx, z.request(engine.CmdListShelves, "/"))
	if resp.Fault != nil {
		return nil, resp.Fault
	}
	var paths []string
	for _, s := range resp.Value.([]engine.ShelfInfo) {
		if strings.HasPrefix(s.Name, store.ZeroShelfPrefix) && !s.IsDir() {
			paths = append(paths, "/"+s.Name)
		}
	}
	return paths, nil
}

func (z *Zeroer) sweep(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	paths, err := z.pending(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list pending shelves: %w", err)
	}
	stats.Shelves = len(paths)
	if len(paths) == 0 {
		return stats, nil
	}

	if z.config.DryRun {
		logger.Info("Zeroer: DRY RUN - would reclaim %d shelves:", len(paths))
		for i, p := range paths {
			if i < 10 {
				logger.Info("  - %s", p)
			}
		}
		if len(paths) > 10 {
			logger.Info("  ... and %d more", len(paths)-10)
		}
		return stats, nil
	}

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(z.config.Concurrency)
	for _, path := range paths {
		g.Go(func() error {
			books, bytes, err := z.reclaim(gctx, path)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("Zeroer: %s: %v", path, err)
				stats.Failed++
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", path, err))
				return nil
			}
			stats.Books += books
			stats.Bytes += bytes
			return nil
		})
	}
	_ = g.Wait()

	z.metrics.RecordRun(stats.Shelves, stats.Failed)
	z.metrics.RecordZeroed(stats.Books, stats.Bytes)
	return stats, errs.ErrorOrNil()
}

// reclaim zeroes the books of one pending shelf, empties it and removes it.
func (z *Zeroer) reclaim(ctx context.Context, path string) (int, int64, error) {
	books, err := z.lib.ShelfBooks(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	cleared, err := z.clearer.Zero(ctx, books)
	if err != nil {
		return 0, cleared, err
	}

	resize := z.request(engine.CmdResizeShelf, path)
	if resp := z.lib.Dispatch(ctx, resize); resp.Fault != nil {
		return 0, cleared, resp.Fault
	}
	if resp := z.lib.Dispatch(ctx, z.request(engine.CmdDestroyShelf, path)); resp.Fault != nil {
		return 0, cleared, resp.Fault
	}
	logger.Debug("Zeroer: reclaimed %s (%d books)", path, len(books))
	return len(books), cleared, nil
}

// Stats describes one sweep.
type Stats struct {
	StartTime time.Time // When the sweep started
	EndTime   time.Time // When the sweep ended
	Shelves   int       // Pending-zero shelves found
	Failed    int       // Shelves that could not be reclaimed
	Books     int       // Books zeroed and freed
	Bytes     int64     // Bytes cleared
}

// Duration returns the sweep duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the sweep.
func (s *Stats) Summary() string {
	return fmt.Sprintf("shelves=%d failed=%d books=%d bytes=%d duration=%s",
		s.Shelves, s.Failed, s.Books, s.Bytes, s.Duration())
}
