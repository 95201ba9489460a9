package config

import (
	"github.com/marmos91/portico/pkg/metrics"
	promMetrics "github.com/marmos91/portico/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// ConnectorMetrics returns the collector for a named connector (never nil,
	// uses noop if disabled)
	ConnectorMetrics func(name string) metrics.ConnectorMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed collectors, labelled by connector name
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			ConnectorMetrics: func(string) metrics.ConnectorMetrics {
				return metrics.NewNoopConnectorMetrics()
			},
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Address: cfg.Server.Metrics.Address,
		Port:    cfg.Server.Metrics.Port,
	})

	return &MetricsResult{
		Server:           server,
		ConnectorMetrics: promMetrics.NewConnectorMetrics,
	}
}
