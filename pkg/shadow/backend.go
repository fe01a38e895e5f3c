package shadow

import (
	"context"
	"fmt"
	"sync"
)

// Backend names, as used in configuration and metrics labels.
const (
	BackendDirectory = "directory"
	BackendFile      = "file"
	BackendAperture  = "aperture"
	BackendMemory    = "memory"
	BackendS3        = "s3"
)

// Backend is anything a Shadow can drive.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	Close() error
}

// FlatBackend is one address space indexed by translated offsets.
type FlatBackend interface {
	Backend

	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)

	// Zero clears [off, off+length).
	Zero(ctx context.Context, off, length int64) error

	// Size is the capacity of the address space in bytes.
	Size() int64
}

// ShelfBackend stores each shelf separately, addressed by shelf path and
// untranslated shelf offset.
type ShelfBackend interface {
	Backend

	ReadAt(ctx context.Context, shelf string, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, shelf string, p []byte, off int64) (int, error)
	Truncate(ctx context.Context, shelf string, size int64) error
	Remove(ctx context.Context, shelf string) error
}

// checkSpan rejects accesses outside [0, size).
func checkSpan(name string, off, length, size int64) error {
	if off < 0 || length < 0 || off+length > size {
		return fmt.Errorf("%s: span [%d, %d) outside backing store of %d bytes", name, off, off+length, size)
	}
	return nil
}

// ============================================================================
// memory
// ============================================================================

// MemoryBackend is an in-process flat buffer. It is meant for tests and
// development.
type MemoryBackend struct {
	mu  sync.RWMutex
	buf []byte
}

// NewMemoryBackend allocates size bytes of zeroed backing store.
func NewMemoryBackend(size int64) *MemoryBackend {
	return &MemoryBackend{buf: make([]byte, size)}
}

func (m *MemoryBackend) Name() string { return BackendMemory }

func (m *MemoryBackend) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.buf))
}

func (m *MemoryBackend) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := checkSpan(BackendMemory, off, int64(len(p)), int64(len(m.buf))); err != nil {
		return 0, err
	}
	return copy(p, m.buf[off:]), nil
}

func (m *MemoryBackend) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkSpan(BackendMemory, off, int64(len(p)), int64(len(m.buf))); err != nil {
		return 0, err
	}
	return copy(m.buf[off:], p), nil
}

func (m *MemoryBackend) Zero(ctx context.Context, off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkSpan(BackendMemory, off, length, int64(len(m.buf))); err != nil {
		return err
	}
	clear(m.buf[off : off+length])
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
