package shadow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DirectoryBackend keeps one regular file per shelf under a root
// directory, mirroring the shelf namespace. Shelf offsets are used as file
// offsets directly.
type DirectoryBackend struct {
	root string
}

// NewDirectoryBackend checks that root is a writable directory.
func NewDirectoryBackend(root string) (*DirectoryBackend, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("shadow directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("shadow directory %s is not a directory", root)
	}

	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("shadow directory %s is not writable: %w", root, err)
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())

	return &DirectoryBackend{root: root}, nil
}

func (d *DirectoryBackend) Name() string { return BackendDirectory }

// filePath maps a shelf path to a file under root.
func (d *DirectoryBackend) filePath(shelf string) (string, error) {
	clean := path.Clean("/" + shelf)
	if clean == "/" || strings.Contains(shelf, "\x00") {
		return "", fmt.Errorf("invalid shelf path %q", shelf)
	}
	return filepath.Join(d.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// open opens the shelf's file, creating it and its directories if asked.
func (d *DirectoryBackend) open(shelf string, create bool) (*os.File, error) {
	p, err := d.filePath(shelf)
	if err != nil {
		return nil, err
	}
	flags := os.O_RDWR
	if create {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		flags |= os.O_CREATE
	}
	return os.OpenFile(p, flags, 0o600)
}

// ReadAt reads from the shelf's file. Reading a shelf that has no file
// yet, or past its end, returns what is there.
func (d *DirectoryBackend) ReadAt(ctx context.Context, shelf string, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := d.open(shelf, false)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	n, err := f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (d *DirectoryBackend) WriteAt(ctx context.Context, shelf string, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := d.open(shelf, true)
	if err != nil {
		return 0, err
	}
	n, err := f.WriteAt(p, off)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Truncate sets the size of the shelf's file, creating it if needed.
func (d *DirectoryBackend) Truncate(ctx context.Context, shelf string, size int64) error {
	f, err := d.open(shelf, true)
	if err != nil {
		return err
	}
	err = f.Truncate(size)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Remove deletes the shelf's file. A missing file is not an error.
func (d *DirectoryBackend) Remove(ctx context.Context, shelf string) error {
	p, err := d.filePath(shelf)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (d *DirectoryBackend) Close() error { return nil }
