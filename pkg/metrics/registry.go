// Package metrics defines what a connector reports about its traffic and
// where those series live.
//
// Collection is opt-in. Until InitRegistry runs, the Prometheus constructors
// hand every connector the no-op ConnectorMetrics, so the request path never
// pays for disabled metrics:
//
//	metrics.InitRegistry()                          // once, from main
//	m := prometheus.NewConnectorMetrics("http")     // one per connector
//	ep := connector.New(cfg, m)                     // nil also means no-op
//	srv := metrics.NewServer(metrics.ServerConfig{Port: 9090})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry holds every connector series plus the Go runtime and process
	// collectors. Written once by InitRegistry.
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the registry shared by all connectors and the
// /metrics server. Later calls are no-ops.
//
// Connector metrics created before InitRegistry stay no-op for their whole
// lifetime, so call it before building connectors.
//
// Thread safety:
// Guarded by sync.Once; readers observe the registry through GetRegistry.
func InitRegistry() {
	registryOnce.Do(func() {
		r := prometheus.NewRegistry()
		r.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry = r
	})
}

// GetRegistry returns the shared registry, or nil while metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return GetRegistry() != nil
}
