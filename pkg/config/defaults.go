package config

import (
	"strings"
	"time"

	"github.com/marmos91/librarian/pkg/policy"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are handled by store implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyLayoutDefaults(&cfg.Layout)
	applyEngineDefaults(&cfg.Engine)
	applyShadowDefaults(&cfg.Shadow)
	applyZeroerDefaults(&cfg.Zeroer)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9464
	}
}

// applyStoreDefaults sets database store defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	// Apply defaults for all store types (for config file generation)
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/tmp/librarian/db"
	}
}

// applyLayoutDefaults describes a single node with 1GiB of NVM.
func applyLayoutDefaults(cfg *LayoutConfig) {
	if cfg.BookSize == "" {
		cfg.BookSize = "8MiB"
	}
	if cfg.Version == "" {
		cfg.Version = "librarian"
	}
	if len(cfg.Nodes) == 0 {
		cfg.Nodes = []NodeConfig{{NodeID: 1, NVMSize: "1GiB"}}
	}
}

// applyEngineDefaults sets engine defaults.
func applyEngineDefaults(cfg *EngineConfig) {
	if cfg.DefaultPolicy == "" {
		cfg.DefaultPolicy = policy.Default.String()
	}
}

// applyShadowDefaults sets shadow backend defaults.
func applyShadowDefaults(cfg *ShadowConfig) {
	if cfg.Type == "" {
		cfg.Type = "file"
	}

	if cfg.Directory == nil {
		cfg.Directory = make(map[string]any)
	}
	if cfg.File == nil {
		cfg.File = make(map[string]any)
	}
	if cfg.Aperture == nil {
		cfg.Aperture = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if _, ok := cfg.Directory["path"]; !ok {
		cfg.Directory["path"] = "/tmp/librarian/shelves"
	}
	if _, ok := cfg.File["path"]; !ok {
		cfg.File["path"] = "/tmp/librarian/shadow"
	}
	if _, ok := cfg.Aperture["path"]; !ok {
		cfg.Aperture["path"] = "/dev/shm/librarian"
	}
}

// applyZeroerDefaults sets zeroer defaults.
func applyZeroerDefaults(cfg *ZeroerConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Engine: EngineConfig{
			ZeroEnabled: true,
		},
		Zeroer: ZeroerConfig{
			Enabled: true,
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
