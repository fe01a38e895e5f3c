//go:build unix

package shadow

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/marmos91/librarian/internal/logger"
	"golang.org/x/sys/unix"
)

// ApertureBackend maps a shared-memory aperture (an IVSHMEM resource file,
// a FAM device or a plain file standing in for one) into the process.
type ApertureBackend struct {
	mu   sync.RWMutex
	f    *os.File
	mem  []byte
	base uint64
}

// NewApertureBackend maps size bytes of path. base is the physical address
// the aperture starts at; it is reported back through fault resolution. A
// size of 0 maps the whole file.
func NewApertureBackend(path string, base uint64, size int64) (*ApertureBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open aperture: %w", err)
	}

	if size == 0 {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("stat aperture: %w", err)
		}
		size = info.Size()
	}
	if size <= 0 {
		_ = f.Close()
		return nil, fmt.Errorf("aperture %s has no size", path)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap aperture %s: %w", path, err)
	}

	logger.Info("Aperture %s mapped: %d bytes at physical 0x%x", path, size, base)
	return &ApertureBackend{f: f, mem: mem, base: base}, nil
}

func (a *ApertureBackend) Name() string { return BackendAperture }

// Base is the physical address of the first aperture byte.
func (a *ApertureBackend) Base() uint64 { return a.base }

func (a *ApertureBackend) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return int64(len(a.mem))
}

func (a *ApertureBackend) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.mem == nil {
		return 0, fmt.Errorf("aperture is closed")
	}
	if err := checkSpan(BackendAperture, off, int64(len(p)), int64(len(a.mem))); err != nil {
		return 0, err
	}
	return copy(p, a.mem[off:]), nil
}

func (a *ApertureBackend) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.mem == nil {
		return 0, fmt.Errorf("aperture is closed")
	}
	if err := checkSpan(BackendAperture, off, int64(len(p)), int64(len(a.mem))); err != nil {
		return 0, err
	}
	return copy(a.mem[off:], p), nil
}

func (a *ApertureBackend) Zero(ctx context.Context, off, length int64) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.mem == nil {
		return fmt.Errorf("aperture is closed")
	}
	if err := checkSpan(BackendAperture, off, length, int64(len(a.mem))); err != nil {
		return err
	}
	clear(a.mem[off : off+length])
	return nil
}

// Sync flushes the mapping back to the underlying file.
func (a *ApertureBackend) Sync() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.mem == nil {
		return nil
	}
	return unix.Msync(a.mem, unix.MS_SYNC)
}

func (a *ApertureBackend) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	if cerr := a.f.Close(); err == nil {
		err = cerr
	}
	return err
}
