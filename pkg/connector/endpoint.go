// Package connector accepts connections and drives protocol processors over
// them with a small set of pollers and a bounded worker pool.
//
// Connection flow:
//
//	acceptor ──> Register ──> poller ──> dispatch ──> executor worker
//	                ^                       │              │
//	                │                       │ queue full   ├─ Open ──────┘ (re-register)
//	                │                       └─> 503, close ├─ Long ──> parked until an async event
//	                │                                      ├─ Upgrading ──> swap processor, continue
//	                └──────────── keep-alive ──────────────┴─ Closed ──> close, release
//
// Idle connections cost a registration, never a goroutine blocked on a
// worker slot. Keep-alive and async deadlines share one timeout.Sweeper.
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/executor"
	"github.com/marmos91/portico/pkg/http1"
	"github.com/marmos91/portico/pkg/metrics"
	"github.com/marmos91/portico/pkg/poller"
	"github.com/marmos91/portico/pkg/protocol"
	"github.com/marmos91/portico/pkg/rpcproto"
	"github.com/marmos91/portico/pkg/socket"
	"github.com/marmos91/portico/pkg/timeout"
)

// statsInterval is the refresh period of the executor gauges.
const statsInterval = time.Second

// ErrNoAdapter is returned by Serve when SetAdapter was never called.
var ErrNoAdapter = errors.New("connector: no adapter set")

// Endpoint is an HTTP/1.1 connector: a listener, its acceptors, a poller,
// an executor and the processors of every live connection.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections), request context cancelled
//  3. Idle keep-alive connections closed; busy ones finish their current
//     request and close because keep-alive is refused
//  4. Wait for active connections (up to Timeouts.Shutdown)
//  5. Force-close any remaining connections after timeout
//  6. Poller, executor and sweeper stopped
//
// Thread safety:
// All exported methods are safe for concurrent use. SetAdapter and AddUpgrade
// must be called before Serve.
type Endpoint struct {
	cfg     Config
	metrics metrics.ConnectorMetrics

	adapter  protocol.Adapter
	upgrades []protocol.UpgradeProtocol
	byToken  map[string]protocol.UpgradeProtocol
	env      protocol.Environment

	listener  net.Listener
	tlsConfig *tls.Config
	poller    poller.Poller
	executor  *executor.Executor
	sweeper   *timeout.Sweeper
	sockOpts  socket.Options

	// procPool recycles HTTP processors of closed connections
	procPool sync.Pool

	port    atomic.Int32
	ready   chan struct{}
	serving atomic.Bool

	// activeConns tracks live connections for graceful shutdown
	activeConns sync.WaitGroup
	connCount   atomic.Int32

	// connections maps connection ID to *socket.Wrapper for forced closure
	connections sync.Map

	// connSemaphore limits concurrent connections; nil means unlimited
	connSemaphore chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}
	stopping     atomic.Bool
	done         chan struct{}
	shutdownErr  error

	// requestCtx is passed to every Process call and cancelled on shutdown
	requestCtx     context.Context
	cancelRequests context.CancelFunc
}

// New creates an endpoint. The xdr-rpc upgrade is installed when cfg.RPC is
// enabled.
//
// Panics if the configuration is invalid after defaults.
func New(cfg Config, m metrics.ConnectorMetrics) *Endpoint {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid connector config: %v", err))
	}
	if m == nil {
		m = metrics.NewNoopConnectorMetrics()
	}

	var connSemaphore chan struct{}
	if cfg.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, cfg.MaxConnections)
		logger.Debug("%s connection limit: %d", cfg.Name, cfg.MaxConnections)
	} else {
		logger.Debug("%s connection limit: unlimited", cfg.Name)
	}

	requestCtx, cancelRequests := context.WithCancel(context.Background())

	e := &Endpoint{
		cfg:     cfg,
		metrics: m,
		byToken: make(map[string]protocol.UpgradeProtocol),
		executor: executor.New(executor.Config{
			Name:         cfg.Name + "-exec",
			MaxThreads:   cfg.Executor.MaxThreads,
			MaxQueueSize: cfg.Executor.MaxQueueSize,
		}),
		sweeper: timeout.New(cfg.Timeouts.Sweep),
		sockOpts: socket.Options{
			HeadSize:        cfg.HTTP.HeadSize(),
			ScratchSize:     cfg.Socket.ScratchSize,
			WriteBufferSize: cfg.Socket.WriteBufferSize,
			ReadTimeout:     cfg.Timeouts.Read,
			WriteTimeout:    cfg.Timeouts.Write,
		},
		ready:          make(chan struct{}),
		connSemaphore:  connSemaphore,
		shutdown:       make(chan struct{}),
		done:           make(chan struct{}),
		requestCtx:     requestCtx,
		cancelRequests: cancelRequests,
	}
	e.procPool.New = func() any {
		return http1.New(e.cfg.HTTP, e.env, e.upgrades...)
	}
	if cfg.RPC.Enabled {
		e.AddUpgrade(rpcproto.NewUpgrade(cfg.RPC.Config))
	}
	return e
}

// SetAdapter installs the bridge into the container pipeline.
func (e *Endpoint) SetAdapter(a protocol.Adapter) {
	e.adapter = a
}

// AddUpgrade offers u to clients through the Upgrade header.
func (e *Endpoint) AddUpgrade(u protocol.UpgradeProtocol) {
	e.upgrades = append(e.upgrades, u)
	e.byToken[strings.ToLower(u.Token())] = u
}

// Serve binds the listener and accepts connections until ctx is cancelled or
// Stop is called, then shuts down gracefully.
//
// Returns:
//   - nil after a graceful shutdown
//   - an error if the listener cannot be bound, or if connections had to be
//     force-closed
func (e *Endpoint) Serve(ctx context.Context) error {
	if e.adapter == nil {
		return ErrNoAdapter
	}
	if !e.serving.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: already serving", e.cfg.Name)
	}
	defer close(e.done)

	if e.cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(e.cfg.TLS.CertFile, e.cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("%s: failed to load TLS key pair: %w", e.cfg.Name, err)
		}
		e.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	addr := net.JoinHostPort(e.cfg.Address, strconv.Itoa(e.cfg.Port))
	ln, err := listen(ctx, addr, e.cfg.Socket)
	if err != nil {
		return fmt.Errorf("failed to create %s listener on %s: %w", e.cfg.Name, addr, err)
	}
	e.listener = ln
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		e.port.Store(int32(tcp.Port))
	}

	p, err := poller.New(poller.Config{Type: e.cfg.Poller.Type, Count: e.cfg.Poller.Count}, e.dispatch)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("%s: failed to create poller: %w", e.cfg.Name, err)
	}
	if err := p.Start(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("%s: failed to start poller: %w", e.cfg.Name, err)
	}
	e.poller = p

	e.env = protocol.Environment{
		Adapter:    e.adapter,
		Controller: controller{e: e},
		Metrics:    e.metrics,
	}
	e.executor.Start()
	go e.sweeper.Run(context.Background())

	logger.Info("%s listening on %s (poller=%s)", e.cfg.Name, ln.Addr(), p.Name())
	logger.Debug("%s config: max_connections=%d acceptors=%d threads=%d queue=%d keep_alive=%v",
		e.cfg.Name, e.cfg.MaxConnections, e.cfg.AcceptorCount,
		e.cfg.Executor.MaxThreads, e.cfg.Executor.MaxQueueSize, e.cfg.Timeouts.KeepAlive)
	close(e.ready)

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("%s shutdown signal received: %v", e.cfg.Name, ctx.Err())
			e.initiateShutdown()
		case <-e.shutdown:
		}
	}()

	go e.logMetrics()

	// Stop may have run before the listener existed
	if e.stopping.Load() {
		_ = ln.Close()
	}

	var acceptors sync.WaitGroup
	acceptors.Add(e.cfg.AcceptorCount)
	for i := 0; i < e.cfg.AcceptorCount; i++ {
		go func(id int) {
			defer acceptors.Done()
			e.acceptLoop(id)
		}(i)
	}

	<-e.shutdown
	acceptors.Wait()
	e.shutdownErr = e.gracefulShutdown()
	return e.shutdownErr
}

// initiateShutdown stops accepting and signals in-flight work. Idempotent.
func (e *Endpoint) initiateShutdown() {
	e.shutdownOnce.Do(func() {
		logger.Debug("%s shutdown initiated", e.cfg.Name)

		e.stopping.Store(true)
		close(e.shutdown)

		if e.listener != nil {
			if err := e.listener.Close(); err != nil {
				logger.Debug("Error closing %s listener: %v", e.cfg.Name, err)
			}
		}

		e.cancelRequests()
		logger.Debug("%s request cancellation signal sent to all in-flight operations", e.cfg.Name)
	})
}

// gracefulShutdown waits for connections and then releases the workers.
func (e *Endpoint) gracefulShutdown() error {
	e.closeIdle()

	activeCount := e.connCount.Load()
	logger.Info("%s graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		e.cfg.Name, activeCount, e.cfg.Timeouts.Shutdown)

	done := make(chan struct{})
	go func() {
		e.activeConns.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		logger.Info("%s graceful shutdown complete: all connections closed", e.cfg.Name)

	case <-time.After(e.cfg.Timeouts.Shutdown):
		remaining := e.connCount.Load()
		logger.Warn("%s shutdown timeout exceeded: %d connection(s) still active after %v - forcing closure",
			e.cfg.Name, remaining, e.cfg.Timeouts.Shutdown)

		e.forceCloseConnections()
		err = fmt.Errorf("%s shutdown timeout: %d connections force-closed", e.cfg.Name, remaining)
	}

	e.teardown()
	return err
}

// closeIdle closes every connection that waits in the poller.
func (e *Endpoint) closeIdle() {
	closed := 0
	e.connections.Range(func(_, value any) bool {
		sw := value.(*socket.Wrapper)
		if sw.Transition(socket.StateRegistered, socket.StateClosed) {
			e.finish(sw, true)
			closed++
		}
		return true
	})
	if closed > 0 {
		logger.Debug("%s closed %d idle connection(s)", e.cfg.Name, closed)
	}
}

// forceCloseConnections closes the stream of every remaining connection.
// Sockets owned by a worker are only closed at the stream level, so their
// worker sees the I/O error and cleans up.
func (e *Endpoint) forceCloseConnections() {
	logger.Info("Force-closing active %s connections", e.cfg.Name)

	closedCount := 0
	e.connections.Range(func(_, value any) bool {
		sw := value.(*socket.Wrapper)
		switch {
		case sw.Transition(socket.StateRegistered, socket.StateClosed):
			e.finish(sw, true)
		case sw.Transition(socket.StateParked, socket.StateClosed):
			e.finish(sw, false)
		default:
			if err := sw.Close(); err != nil {
				logger.Debug("Error force-closing connection to %s: %v", sw.RemoteAddr(), err)
			}
		}
		e.metrics.RecordConnectionForceClosed()
		closedCount++
		return true
	})

	if closedCount == 0 {
		logger.Debug("No %s connections to force-close", e.cfg.Name)
	} else {
		logger.Info("Force-closed %d %s connection(s)", closedCount, e.cfg.Name)
	}
}

func (e *Endpoint) teardown() {
	if err := e.poller.Close(); err != nil {
		logger.Debug("Error closing %s poller: %v", e.cfg.Name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeouts.Shutdown)
	defer cancel()
	if err := e.executor.Shutdown(ctx); err != nil {
		logger.Warn("%s executor did not drain: %v", e.cfg.Name, err)
	}
	e.sweeper.Stop()
}

// Stop initiates graceful shutdown and waits for Serve to return.
//
// Returns the error Serve returned, or ctx.Err() if ctx ends first.
// Stop is safe to call multiple times and safe to call before Serve.
func (e *Endpoint) Stop(ctx context.Context) error {
	e.initiateShutdown()
	if !e.serving.Load() {
		return nil
	}

	select {
	case <-e.done:
		return e.shutdownErr
	case <-ctx.Done():
		logger.Warn("%s shutdown context cancelled: %d connection(s) still active: %v",
			e.cfg.Name, e.connCount.Load(), ctx.Err())
		return ctx.Err()
	}
}

// logMetrics refreshes the executor gauges and periodically logs a summary.
func (e *Endpoint) logMetrics() {
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	var logTick <-chan time.Time
	if e.cfg.MetricsLogInterval > 0 {
		t := time.NewTicker(e.cfg.MetricsLogInterval)
		defer t.Stop()
		logTick = t.C
	}

	for {
		select {
		case <-e.shutdown:
			return
		case <-stats.C:
			st := e.executor.Stats()
			e.metrics.SetExecutorStats(st.Queued, st.Active)
		case <-logTick:
			st := e.executor.Stats()
			logger.Info("%s metrics: active_connections=%d queued=%d active_workers=%d rejected=%d panics=%d",
				e.cfg.Name, e.connCount.Load(), st.Queued, st.Active, st.Rejected, st.Panics)
		}
	}
}

// Ready is closed once the listener is bound and Port reports the real port.
func (e *Endpoint) Ready() <-chan struct{} {
	return e.ready
}

// Port returns the bound TCP port, or the configured one before Serve.
func (e *Endpoint) Port() int {
	if p := e.port.Load(); p != 0 {
		return int(p)
	}
	return e.cfg.Port
}

// Protocol returns "HTTP" or "HTTPS".
func (e *Endpoint) Protocol() string {
	if e.cfg.TLS.Enabled {
		return "HTTPS"
	}
	return "HTTP"
}

// Name returns the configured endpoint name.
func (e *Endpoint) Name() string {
	return e.cfg.Name
}

// ActiveConnections returns the number of open connections.
func (e *Endpoint) ActiveConnections() int32 {
	return e.connCount.Load()
}

// ExecutorStats returns a snapshot of the worker pool.
func (e *Endpoint) ExecutorStats() executor.Stats {
	return e.executor.Stats()
}
