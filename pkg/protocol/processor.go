// Package protocol defines the contract between connectors, protocol
// processors and the container adapter.
//
// A connector owns sockets and workers. A Processor turns bytes on one socket
// into Requests and serializes Responses back. The Adapter carries each
// Request into the container pipeline. None of the three knows how the others
// are implemented, which is what lets an upgrade swap the Processor on a live
// connection.
package protocol

import (
	"context"
	"time"

	"github.com/marmos91/portico/pkg/metrics"
	"github.com/marmos91/portico/pkg/socket"
)

// SocketState tells the connector what to do with a socket after Process.
type SocketState int

const (
	// Open re-registers the socket with the poller for the next read.
	Open SocketState = iota

	// Closed tears the connection down.
	Closed

	// Long parks the socket for an async request without holding a worker.
	Long

	// Upgrading installs the processor for UpgradeToken on the same socket.
	Upgrading
)

func (s SocketState) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	case Long:
		return "LONG"
	case Upgrading:
		return "UPGRADING"
	default:
		return "UNKNOWN"
	}
}

// Processor is the per-connection protocol state machine.
//
// Thread safety:
// A Processor is driven by one worker at a time; the socket ownership state
// guarantees it. Process may be called from different goroutines over the
// lifetime of the connection.
type Processor interface {
	// Process handles ev for sw and reports what the connector should do next.
	// An error is returned for logging; the state is authoritative.
	Process(ctx context.Context, sw *socket.Wrapper, ev socket.Event) (SocketState, error)

	// Recycle resets the processor to its freshly constructed state.
	Recycle()

	// UpgradeToken names the protocol to install after Process returned Upgrading.
	UpgradeToken() string
}

// Adapter bridges protocol requests into the container pipeline.
type Adapter interface {
	// Service runs the pipeline for req. A nil error means the response was
	// finished, or the request went async. A non-nil error means the
	// response is in an unknown state and the connection must be aborted.
	Service(ctx context.Context, req *Request, resp *Response) error

	// AsyncDispatch runs fn for a suspended request inside the error boundary.
	AsyncDispatch(ctx context.Context, req *Request, resp *Response, fn func()) error

	// AsyncComplete finishes a suspended request. cause is nil for a normal
	// completion. The return value follows Service, except that failing
	// listeners arrive as a *ListenerError whose Err alone decides the abort.
	AsyncComplete(req *Request, resp *Response, cause error) error

	// AsyncTimeout notifies the request's timeout listeners and returns the
	// error of a listener that failed.
	AsyncTimeout(req *Request, resp *Response) error

	// Log records a request that never reached the pipeline.
	Log(req *Request, resp *Response, duration time.Duration)
}

// Controller is the connector as seen by a processor.
type Controller interface {
	// Dispatch schedules processing of ev for a parked socket.
	Dispatch(sw *socket.Wrapper, ev socket.Event) error

	// ScheduleTimeout runs fn once d elapses unless cancelled first.
	ScheduleTimeout(key any, d time.Duration, fn func())

	// CancelTimeout drops a pending timeout.
	CancelTimeout(key any)

	// ShuttingDown reports whether keep-alive should be refused.
	ShuttingDown() bool
}

// Environment is what a processor needs from its connector.
type Environment struct {
	Adapter    Adapter
	Controller Controller
	Metrics    metrics.ConnectorMetrics
}

// UpgradeProtocol is a protocol a connection can switch to in place.
type UpgradeProtocol interface {
	// Token is the value matched against the Upgrade request header.
	Token() string

	// Accept reports whether req may switch to this protocol.
	Accept(req *Request) bool

	// NewProcessor creates the processor that takes over the socket.
	NewProcessor(env Environment) Processor
}
