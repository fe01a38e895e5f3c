package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultConfig(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Write minimal config
	configContent := `
logging:
  level: "debug"

store:
  type: "memory"

layout:
  book_size: "8MiB"
  nodes:
    - node_id: 1
      nvm_size: "64MiB"
    - node_id: 2
      nvm_size: "64MiB"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	// Load config
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Level is normalized
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected normalized level 'DEBUG', got %q", cfg.Logging.Level)
	}

	// Verify defaults were applied
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Engine.DefaultPolicy != "RandomBooks" {
		t.Errorf("Expected default policy 'RandomBooks', got %q", cfg.Engine.DefaultPolicy)
	}
	if cfg.Shadow.Type != "file" {
		t.Errorf("Expected default shadow 'file', got %q", cfg.Shadow.Type)
	}
	if len(cfg.Layout.Nodes) != 2 {
		t.Fatalf("Expected 2 nodes, got %d", len(cfg.Layout.Nodes))
	}
	if cfg.Layout.Nodes[1].NVMSize != "64MiB" {
		t.Errorf("Expected nvm_size '64MiB', got %q", cfg.Layout.Nodes[1].NVMSize)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Use a temporary directory with a non-existent config file path
	// This ensures we don't load the user's config from ~/.config/librarian/
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	// Verify defaults
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Store.Type != "badger" {
		t.Errorf("Expected default store type 'badger', got %q", cfg.Store.Type)
	}
	if cfg.Layout.BookSize != "8MiB" {
		t.Errorf("Expected default book size '8MiB', got %q", cfg.Layout.BookSize)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	// Write invalid YAML
	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	// Should return error
	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_InvalidLayout(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
layout:
  book_size: "3MiB"
  nodes:
    - node_id: 1
      nvm_size: "30MiB"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for a book size that is not a power of 2")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
engine:
  default_policy: "LocalNode"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("LIBRARIAN_ENGINE_DEFAULT_POLICY", "Nearest")
	t.Setenv("LIBRARIAN_ZEROER_CONCURRENCY", "9")
	t.Setenv("LIBRARIAN_STORE_TYPE", "memory")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Engine.DefaultPolicy != "Nearest" {
		t.Errorf("Expected env policy 'Nearest', got %q", cfg.Engine.DefaultPolicy)
	}
	if cfg.Zeroer.Concurrency != 9 {
		t.Errorf("Expected env concurrency 9, got %d", cfg.Zeroer.Concurrency)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("Expected env store type 'memory', got %q", cfg.Store.Type)
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	// Verify all defaults are set
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default log output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.Metrics.Port != 9464 {
		t.Errorf("Expected default metrics port 9464, got %d", cfg.Server.Metrics.Port)
	}
	if !cfg.Engine.ZeroEnabled {
		t.Error("Expected zeroing on shrink to be enabled in the default config")
	}
	if !cfg.Zeroer.Enabled {
		t.Error("Expected the zeroer to be enabled in the default config")
	}
	if cfg.Zeroer.Interval != time.Minute {
		t.Errorf("Expected default zeroer interval 1m, got %v", cfg.Zeroer.Interval)
	}
	if cfg.Store.Badger["db_path"] != "/tmp/librarian/db" {
		t.Errorf("Expected default db_path, got %v", cfg.Store.Badger["db_path"])
	}
}

func TestGetConfigDir(t *testing.T) {
	t.Run("XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")

		if dir := GetConfigDir(); dir != "/custom/config/librarian" {
			t.Errorf("Expected '/custom/config/librarian', got %q", dir)
		}
	})

	t.Run("HOME fallback", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", tmpDir)

		expected := filepath.Join(tmpDir, ".config", "librarian")
		if dir := GetConfigDir(); dir != expected {
			t.Errorf("Expected %q, got %q", expected, dir)
		}
	})
}

func TestConfigExists(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	if ConfigExists() {
		t.Fatal("Expected no config in a fresh directory")
	}

	if err := InitConfigToPath(GetDefaultConfigPath(), false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}

	if !ConfigExists() {
		t.Error("Expected config to exist after init")
	}
}
