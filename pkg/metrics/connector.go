package metrics

import (
	"time"
)

// ConnectorMetrics provides observability for a connector: connection
// lifecycle, request throughput, protocol errors and executor backpressure.
//
// This interface is optional. Connectors built without it use a no-op
// implementation with zero overhead.
//
// Example usage:
//
//	// With metrics enabled
//	m := prometheus.NewConnectorMetrics("http")
//	ep := connector.New(cfg, m)
//
//	// Without metrics (no-op)
//	ep := connector.New(cfg, nil)
type ConnectorMetrics interface {
	// RecordConnectionAccepted increments the accepted connections counter.
	RecordConnectionAccepted()

	// RecordConnectionClosed increments the closed connections counter.
	RecordConnectionClosed()

	// RecordConnectionForceClosed counts connections closed by the shutdown timeout.
	RecordConnectionForceClosed()

	// SetActiveConnections updates the current connection count.
	SetActiveConnections(count int32)

	// RecordRequestStart increments the in-flight request gauge.
	RecordRequestStart(method string)

	// RecordRequestEnd decrements the in-flight request gauge.
	RecordRequestEnd(method string)

	// RecordRequest records a completed request.
	//
	// Parameters:
	//   - method: Request method ("GET", "POST", "RPC", ...)
	//   - status: Final response status (0 when the connection was aborted)
	//   - duration: Time from head parsed to response finished
	RecordRequest(method string, status int, duration time.Duration)

	// RecordBytesTransferred records bytes read from or written to clients.
	//
	// Parameters:
	//   - direction: "read" or "write"
	//   - bytes: Number of bytes transferred
	RecordBytesTransferred(direction string, bytes int64)

	// RecordProtocolError counts a request rejected by the protocol layer.
	//
	// Parameters:
	//   - kind: "malformed", "too_large", "violation", "io", "application" or "timeout"
	RecordProtocolError(kind string)

	// RecordRejection counts a socket refused because the executor queue was full.
	RecordRejection()

	// SetExecutorStats publishes the executor queue depth and busy workers.
	SetExecutorStats(queued, active int)

	// RecordKeepAliveReuse counts a request served on a reused connection.
	RecordKeepAliveReuse()

	// RecordAsyncTimeout counts an async request that hit its deadline.
	RecordAsyncTimeout()

	// RecordUpgrade counts a connection switched to another protocol.
	RecordUpgrade(protocol string)
}

// NewNoopConnectorMetrics returns a ConnectorMetrics that discards everything.
func NewNoopConnectorMetrics() ConnectorMetrics {
	return noopConnectorMetrics{}
}

// noopConnectorMetrics is a no-op implementation of ConnectorMetrics with zero overhead.
type noopConnectorMetrics struct{}

func (noopConnectorMetrics) RecordConnectionAccepted()                                       {}
func (noopConnectorMetrics) RecordConnectionClosed()                                         {}
func (noopConnectorMetrics) RecordConnectionForceClosed()                                    {}
func (noopConnectorMetrics) SetActiveConnections(count int32)                                {}
func (noopConnectorMetrics) RecordRequestStart(method string)                                {}
func (noopConnectorMetrics) RecordRequestEnd(method string)                                  {}
func (noopConnectorMetrics) RecordRequest(method string, status int, duration time.Duration) {}
func (noopConnectorMetrics) RecordBytesTransferred(direction string, bytes int64)            {}
func (noopConnectorMetrics) RecordProtocolError(kind string)                                 {}
func (noopConnectorMetrics) RecordRejection()                                                {}
func (noopConnectorMetrics) SetExecutorStats(queued, active int)                             {}
func (noopConnectorMetrics) RecordKeepAliveReuse()                                           {}
func (noopConnectorMetrics) RecordAsyncTimeout()                                             {}
func (noopConnectorMetrics) RecordUpgrade(protocol string)                                   {}

// StatusClass buckets a status code into "1xx".."5xx" for metric labels.
// Zero (aborted) maps to "aborted".
func StatusClass(status int) string {
	switch {
	case status >= 100 && status < 200:
		return "1xx"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "aborted"
	}
}
