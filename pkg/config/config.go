package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete librarian configuration.
//
// This structure captures all configurable aspects of the librarian:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics)
//   - Database store selection and configuration (store-specific)
//   - Machine layout used at provisioning
//   - Engine defaults
//   - Shadow backend selection and configuration (backend-specific)
//   - Background zeroing and crash recovery
//
// Configuration sources (in order of precedence):
//  1. Environment variables (LIBRARIAN_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store and backend implementation defines its own configuration type and
// factory function. The Config struct contains type-specific sections (e.g.,
// shadow.file, shadow.s3) and only the section matching the selected type is
// used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Store specifies the database store type and type-specific configuration
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Layout describes the machine written into the database by provision
	Layout LayoutConfig `mapstructure:"layout" yaml:"layout"`

	// Engine contains command engine defaults
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`

	// Shadow specifies the backend holding shelf contents
	Shadow ShadowConfig `mapstructure:"shadow" yaml:"shadow"`

	// Zeroer configures background reclaiming of released books
	Zeroer ZeroerConfig `mapstructure:"zeroer" yaml:"zeroer"`

	// Fsck configures the crash recovery passes
	Fsck FsckConfig `mapstructure:"fsck" yaml:"fsck"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"gte=0,lte=65535"`
}

// StoreConfig specifies database store configuration.
type StoreConfig struct {
	// Type specifies which store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger"`
}

// EngineConfig contains command engine defaults.
type EngineConfig struct {
	// DefaultPolicy is the allocation policy for shelves without one
	DefaultPolicy string `mapstructure:"default_policy" yaml:"default_policy" validate:"required"`

	// ZeroEnabled routes books released by a shrink through the zeroer
	ZeroEnabled bool `mapstructure:"zero_enabled" yaml:"zero_enabled"`

	// NodeID is the node local commands are issued from (0 = first node)
	NodeID int `mapstructure:"node_id" yaml:"node_id" validate:"gte=0"`
}

// ShadowConfig specifies the shadow backend.
type ShadowConfig struct {
	// Type specifies which backend to use
	// Valid values: directory, file, aperture, memory, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=directory file aperture memory s3"`

	// Directory stores each shelf as a file under a root directory
	Directory map[string]any `mapstructure:"directory" yaml:"directory"`

	// File maps all books into one sparse file
	File map[string]any `mapstructure:"file" yaml:"file"`

	// Aperture maps all books into a shared memory aperture
	Aperture map[string]any `mapstructure:"aperture" yaml:"aperture"`

	// S3 stores each book as an object
	S3 map[string]any `mapstructure:"s3" yaml:"s3"`
}

// ZeroerConfig configures the background zeroer.
type ZeroerConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=0"`
	DryRun      bool          `mapstructure:"dry_run" yaml:"dry_run"`
}

// FsckConfig configures the crash recovery passes.
type FsckConfig struct {
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`

	// BatchSize caps the rows a batched pass repairs per transaction (0 uses the built-in default)
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" validate:"gte=0"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (LIBRARIAN_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use LIBRARIAN_ prefix and underscores
	// Example: LIBRARIAN_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("LIBRARIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/librarian/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// envKeys are the scalar settings that can be set from the environment
// without a config file.
var envKeys = []string{
	"logging.level",
	"logging.format",
	"logging.output",
	"server.shutdown_timeout",
	"server.metrics.enabled",
	"server.metrics.port",
	"store.type",
	"layout.book_size",
	"engine.default_policy",
	"engine.zero_enabled",
	"engine.node_id",
	"shadow.type",
	"zeroer.enabled",
	"zeroer.interval",
	"zeroer.concurrency",
	"zeroer.dry_run",
	"fsck.dry_run",
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			// Config file not found is acceptable - use defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "librarian")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "librarian")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
