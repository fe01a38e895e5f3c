package shadow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/marmos91/librarian/internal/logger"
)

// zeroChunk bounds the buffer used to clear file ranges.
const zeroChunk = 1 << 20

// FileBackend is a single flat shadow file sized to cover all of NVM.
type FileBackend struct {
	f    *os.File
	size int64
}

// NewFileBackend opens or creates the shadow file at path, growing it to
// size bytes if it is smaller. An existing larger file keeps its size.
func NewFileBackend(path string, size int64) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shadow file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat shadow file: %w", err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("shadow file %s is not a regular file", path)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("size shadow file to %d bytes: %w", size, err)
		}
		logger.Info("Shadow file %s sized to %d bytes", path, size)
	} else {
		size = info.Size()
	}

	return &FileBackend{f: f, size: size}, nil
}

func (b *FileBackend) Name() string { return BackendFile }

func (b *FileBackend) Size() int64 { return b.size }

func (b *FileBackend) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := checkSpan(BackendFile, off, int64(len(p)), b.size); err != nil {
		return 0, err
	}
	n, err := b.f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		// A sparse tail reads as zeros.
		clear(p[n:])
		return len(p), nil
	}
	return n, err
}

func (b *FileBackend) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := checkSpan(BackendFile, off, int64(len(p)), b.size); err != nil {
		return 0, err
	}
	return b.f.WriteAt(p, off)
}

func (b *FileBackend) Zero(ctx context.Context, off, length int64) error {
	if err := checkSpan(BackendFile, off, length, b.size); err != nil {
		return err
	}
	zeros := make([]byte, min(length, zeroChunk))
	for length > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(length, int64(len(zeros)))
		if _, err := b.f.WriteAt(zeros[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

// Sync flushes the shadow file to disk.
func (b *FileBackend) Sync() error { return b.f.Sync() }

func (b *FileBackend) Close() error {
	if err := b.f.Sync(); err != nil {
		_ = b.f.Close()
		return err
	}
	return b.f.Close()
}
