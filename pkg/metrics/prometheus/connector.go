package prometheus

import (
	"sync"
	"time"

	"github.com/marmos91/portico/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// connectorCollectors holds the metric vectors shared by every connector.
// Each connector gets a view bound to its own "connector" label value.
type connectorCollectors struct {
	requestsTotal          *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	requestsInFlight       *prometheus.GaugeVec
	bytesTransferred       *prometheus.CounterVec
	protocolErrors         *prometheus.CounterVec
	rejections             *prometheus.CounterVec
	executorQueued         *prometheus.GaugeVec
	executorActive         *prometheus.GaugeVec
	keepAliveReuse         *prometheus.CounterVec
	asyncTimeouts          *prometheus.CounterVec
	upgrades               *prometheus.CounterVec
	activeConnections      *prometheus.GaugeVec
	connectionsAccepted    *prometheus.CounterVec
	connectionsClosed      *prometheus.CounterVec
	connectionsForceClosed *prometheus.CounterVec
}

var (
	collectors     *connectorCollectors
	collectorsOnce sync.Once
)

func sharedCollectors(reg *prometheus.Registry) *connectorCollectors {
	collectorsOnce.Do(func() {
		f := promauto.With(reg)
		collectors = &connectorCollectors{
			requestsTotal: f.NewCounterVec(
				prometheus.CounterOpts{
					Name: "portico_requests_total",
					Help: "Total number of requests by connector, method and status class",
				},
				[]string{"connector", "method", "status"},
			),
			requestDuration: f.NewHistogramVec(
				prometheus.HistogramOpts{
					Name: "portico_request_duration_milliseconds",
					Help: "Duration of requests in milliseconds",
					Buckets: []float64{
						1,     // 1ms
						10,    // 10ms
						100,   // 100ms
						1000,  // 1s
						10000, // 10s
					},
				},
				[]string{"connector", "method"},
			),
			requestsInFlight: f.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "portico_requests_in_flight",
					Help: "Current number of requests being processed",
				},
				[]string{"connector", "method"},
			),
			bytesTransferred: f.NewCounterVec(
				prometheus.CounterOpts{
					Name: "portico_bytes_transferred_total",
					Help: "Total bytes read from and written to clients",
				},
				[]string{"connector", "direction"},
			),
			protocolErrors: f.NewCounterVec(
				prometheus.CounterOpts{
					Name: "portico_protocol_errors_total",
					Help: "Requests rejected by the protocol layer, by error kind",
				},
				[]string{"connector", "kind"},
			),
			rejections: f.NewCounterVec(
				prometheus.CounterOpts{
					Name: "portico_backpressure_rejections_total",
					Help: "Sockets answered with 503 because the executor queue was full",
				},
				[]string{"connector"},
			),
			executorQueued: f.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "portico_executor_queue_depth",
					Help: "Tasks waiting in the executor queue",
				},
				[]string{"connector"},
			),
			executorActive: f.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "portico_executor_active_workers",
					Help: "Executor workers currently running a task",
				},
				[]string{"connector"},
			),
			keepAliveReuse: f.NewCounterVec(
				prometheus.CounterOpts{
					Name: "portico_keepalive_reuse_total",
					Help: "Requests served on a reused connection",
				},
				[]string{"connector"},
			),
			asyncTimeouts: f.NewCounterVec(
				prometheus.CounterOpts{
					Name: "portico_async_timeouts_total",
					Help: "Async requests that reached their deadline",
				},
				[]string{"connector"},
			),
			upgrades: f.NewCounterVec(
				prometheus.CounterOpts{
					Name: "portico_upgrades_total",
					Help: "Connections switched to another protocol",
				},
				[]string{"connector", "protocol"},
			),
			activeConnections: f.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "portico_active_connections",
					Help: "Current number of open connections",
				},
				[]string{"connector"},
			),
			connectionsAccepted: f.NewCounterVec(
				prometheus.CounterOpts{
					Name: "portico_connections_accepted_total",
					Help: "Total number of connections accepted",
				},
				[]string{"connector"},
			),
			connectionsClosed: f.NewCounterVec(
				prometheus.CounterOpts{
					Name: "portico_connections_closed_total",
					Help: "Total number of connections closed",
				},
				[]string{"connector"},
			),
			connectionsForceClosed: f.NewCounterVec(
				prometheus.CounterOpts{
					Name: "portico_connections_force_closed_total",
					Help: "Total number of connections force-closed during shutdown timeout",
				},
				[]string{"connector"},
			),
		}
	})
	return collectors
}

// connectorMetrics is the Prometheus implementation of metrics.ConnectorMetrics.
type connectorMetrics struct {
	name string
	c    *connectorCollectors
}

// NewConnectorMetrics creates a Prometheus-backed ConnectorMetrics for the
// connector called name.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewConnectorMetrics(name string) metrics.ConnectorMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopConnectorMetrics()
	}

	return &connectorMetrics{
		name: name,
		c:    sharedCollectors(metrics.GetRegistry()),
	}
}

func (m *connectorMetrics) RecordConnectionAccepted() {
	m.c.connectionsAccepted.WithLabelValues(m.name).Inc()
}

func (m *connectorMetrics) RecordConnectionClosed() {
	m.c.connectionsClosed.WithLabelValues(m.name).Inc()
}

func (m *connectorMetrics) RecordConnectionForceClosed() {
	m.c.connectionsForceClosed.WithLabelValues(m.name).Inc()
}

func (m *connectorMetrics) SetActiveConnections(count int32) {
	m.c.activeConnections.WithLabelValues(m.name).Set(float64(count))
}

func (m *connectorMetrics) RecordRequestStart(method string) {
	m.c.requestsInFlight.WithLabelValues(m.name, method).Inc()
}

func (m *connectorMetrics) RecordRequestEnd(method string) {
	m.c.requestsInFlight.WithLabelValues(m.name, method).Dec()
}

func (m *connectorMetrics) RecordRequest(method string, status int, duration time.Duration) {
	m.c.requestsTotal.WithLabelValues(m.name, method, metrics.StatusClass(status)).Inc()
	m.c.requestDuration.WithLabelValues(m.name, method).Observe(duration.Seconds() * 1000) // Convert to milliseconds
}

func (m *connectorMetrics) RecordBytesTransferred(direction string, bytes int64) {
	m.c.bytesTransferred.WithLabelValues(m.name, direction).Add(float64(bytes))
}

func (m *connectorMetrics) RecordProtocolError(kind string) {
	m.c.protocolErrors.WithLabelValues(m.name, kind).Inc()
}

func (m *connectorMetrics) RecordRejection() {
	m.c.rejections.WithLabelValues(m.name).Inc()
}

func (m *connectorMetrics) SetExecutorStats(queued, active int) {
	m.c.executorQueued.WithLabelValues(m.name).Set(float64(queued))
	m.c.executorActive.WithLabelValues(m.name).Set(float64(active))
}

func (m *connectorMetrics) RecordKeepAliveReuse() {
	m.c.keepAliveReuse.WithLabelValues(m.name).Inc()
}

func (m *connectorMetrics) RecordAsyncTimeout() {
	m.c.asyncTimeouts.WithLabelValues(m.name).Inc()
}

func (m *connectorMetrics) RecordUpgrade(protocol string) {
	m.c.upgrades.WithLabelValues(m.name, protocol).Inc()
}
