package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marmos91/librarian/pkg/shadow"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/topology"
)

const testBookSize = 8 << 20

// noBooks is a book source for shadows that are never read through.
type noBooks struct{}

func (noBooks) ShelfBooks(context.Context, string) ([]store.Book, error) { return nil, nil }

var testIGs = []topology.IGInfo{
	{ID: 0, Books: 4, PhysBase: -1},
	{ID: 1, Books: 4, PhysBase: -1},
}

func TestCreateStore_Memory(t *testing.T) {
	st, err := CreateStore(context.Background(), &StoreConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("Failed to create memory store: %v", err)
	}
	defer func() { _ = st.Close() }()

	if st == nil {
		t.Fatal("Expected non-nil store")
	}
}

func TestCreateStore_Badger(t *testing.T) {
	cfg := &StoreConfig{
		Type: "badger",
		Badger: map[string]any{
			"db_path": filepath.Join(t.TempDir(), "db"),
		},
	}

	st, err := CreateStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create badger store: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("Failed to close badger store: %v", err)
	}
}

func TestCreateStore_BadgerMissingPath(t *testing.T) {
	cfg := &StoreConfig{
		Type:   "badger",
		Badger: map[string]any{},
	}

	_, err := CreateStore(context.Background(), cfg)
	if err == nil {
		t.Fatal("Expected error for missing db_path")
	}
	if !strings.Contains(err.Error(), "db_path is required") {
		t.Errorf("Expected 'db_path is required' error, got: %v", err)
	}
}

func TestCreateStore_UnknownType(t *testing.T) {
	_, err := CreateStore(context.Background(), &StoreConfig{Type: "postgres"})
	if err == nil {
		t.Fatal("Expected error for unknown store type")
	}
	if !strings.Contains(err.Error(), "unknown store type") {
		t.Errorf("Expected 'unknown store type' error, got: %v", err)
	}
}

func TestCreateStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := CreateStore(ctx, &StoreConfig{Type: "memory"}); err == nil {
		t.Fatal("Expected error for cancelled context")
	}
}

func TestCreateShadow_Memory(t *testing.T) {
	sh, err := CreateShadow(context.Background(), &ShadowConfig{Type: "memory"}, testIGs, testBookSize, noBooks{}, nil)
	if err != nil {
		t.Fatalf("Failed to create memory shadow: %v", err)
	}
	defer func() { _ = sh.Close() }()

	if !sh.ZeroOnUnlink() {
		t.Error("Expected a flat shadow to zero on unlink")
	}
	if got := sh.Translator().Size(); got != 8*testBookSize {
		t.Errorf("Expected translated size %d, got %d", 8*testBookSize, got)
	}
}

func TestCreateShadow_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shadow")
	cfg := &ShadowConfig{
		Type: "file",
		File: map[string]any{"path": path},
	}

	sh, err := CreateShadow(context.Background(), cfg, testIGs, testBookSize, noBooks{}, nil)
	if err != nil {
		t.Fatalf("Failed to create file shadow: %v", err)
	}
	defer func() { _ = sh.Close() }()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Expected shadow file at %s: %v", path, err)
	}
	if info.Size() != 8*testBookSize {
		t.Errorf("Expected shadow file of %d bytes, got %d", 8*testBookSize, info.Size())
	}
}

func TestCreateShadow_Directory(t *testing.T) {
	cfg := &ShadowConfig{
		Type:      "directory",
		Directory: map[string]any{"path": t.TempDir()},
	}

	sh, err := CreateShadow(context.Background(), cfg, nil, testBookSize, noBooks{}, nil)
	if err != nil {
		t.Fatalf("Failed to create directory shadow: %v", err)
	}
	defer func() { _ = sh.Close() }()

	if sh.ZeroOnUnlink() {
		t.Error("Expected the directory shadow not to zero on unlink")
	}
	if sh.Backend().Name() != shadow.BackendDirectory {
		t.Errorf("Expected directory backend, got %q", sh.Backend().Name())
	}
}

func TestCreateShadow_MissingPath(t *testing.T) {
	for _, typ := range []string{"directory", "file", "aperture"} {
		t.Run(typ, func(t *testing.T) {
			cfg := &ShadowConfig{Type: typ}

			_, err := CreateShadow(context.Background(), cfg, testIGs, testBookSize, noBooks{}, nil)
			if err == nil {
				t.Fatal("Expected error for missing path")
			}
			if !strings.Contains(err.Error(), "path is required") {
				t.Errorf("Expected 'path is required' error, got: %v", err)
			}
		})
	}
}

func TestCreateShadow_S3MissingBucket(t *testing.T) {
	cfg := &ShadowConfig{
		Type: "s3",
		S3:   map[string]any{"region": "us-east-1"},
	}

	_, err := CreateShadow(context.Background(), cfg, testIGs, testBookSize, noBooks{}, nil)
	if err == nil {
		t.Fatal("Expected error for missing bucket")
	}
	if !strings.Contains(err.Error(), "bucket is required") {
		t.Errorf("Expected 'bucket is required' error, got: %v", err)
	}
}

func TestCreateShadow_S3MissingRegion(t *testing.T) {
	cfg := &ShadowConfig{
		Type: "s3",
		S3:   map[string]any{"bucket": "librarian"},
	}

	_, err := CreateShadow(context.Background(), cfg, testIGs, testBookSize, noBooks{}, nil)
	if err == nil {
		t.Fatal("Expected error for missing region")
	}
	if !strings.Contains(err.Error(), "region is required") {
		t.Errorf("Expected 'region is required' error, got: %v", err)
	}
}

func TestCreateShadow_NoInterleaveGroups(t *testing.T) {
	_, err := CreateShadow(context.Background(), &ShadowConfig{Type: "memory"}, nil, testBookSize, noBooks{}, nil)
	if err == nil {
		t.Fatal("Expected error for a flat shadow without interleave groups")
	}
}

func TestCreateShadow_UnknownType(t *testing.T) {
	_, err := CreateShadow(context.Background(), &ShadowConfig{Type: "tape"}, testIGs, testBookSize, noBooks{}, nil)
	if err == nil {
		t.Fatal("Expected error for unknown shadow type")
	}
	if !strings.Contains(err.Error(), "unknown shadow type") {
		t.Errorf("Expected 'unknown shadow type' error, got: %v", err)
	}
}
