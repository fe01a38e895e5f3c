package config

import (
	"github.com/marmos91/librarian/pkg/metrics"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// Engine is the command engine collector (never nil, uses noop if disabled)
	Engine metrics.EngineMetrics

	// Shadow is the shadow I/O collector (never nil, uses noop if disabled)
	Shadow metrics.ShadowMetrics

	// Zeroer is the background zeroer collector (never nil, uses noop if disabled)
	Zeroer metrics.ZeroerMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			Engine: metrics.NewNoopEngineMetrics(),
			Shadow: metrics.NewNoopShadowMetrics(),
			Zeroer: metrics.NewNoopZeroerMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Server.Metrics.Port,
	})

	return &MetricsResult{
		Server: server,
		Engine: metrics.NewEngineMetrics(),
		Shadow: metrics.NewShadowMetrics(),
		Zeroer: metrics.NewZeroerMetrics(),
	}
}
