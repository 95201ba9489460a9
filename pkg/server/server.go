package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/container"
	"github.com/marmos91/portico/pkg/protocol"
)

// DefaultStopTimeout bounds the Stop call made on every connector during
// shutdown.
const DefaultStopTimeout = 30 * time.Second

// Connector is a listening endpoint that feeds an Adapter.
// connector.Endpoint implements it.
type Connector interface {
	Serve(ctx context.Context) error
	Stop(ctx context.Context) error
	SetAdapter(a protocol.Adapter)
	Name() string
	Protocol() string
	Port() int
}

// Server manages the lifecycle of several connectors that share one Engine
// and one Adapter.
//
// Lifecycle:
//  1. Creation: New() with the engine and its adapter
//  2. Registration: AddConnector() for each listening endpoint
//  3. Startup: Serve() starts the engine, then every connector concurrently
//  4. Shutdown: context cancellation or the first connector failure stops
//     all connectors in reverse order, then the engine
//
// Thread safety:
// AddConnector() may be called concurrently before Serve(). Serve() runs at
// most once per Server.
//
// Example usage:
//
//	srv := server.New(engine, adapter.New(engine, adapter.Config{}))
//	srv.AddConnector(connector.New(httpCfg, m))
//	srv.AddConnector(connector.New(httpsCfg, m))
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
type Server struct {
	engine  *container.Container
	adapter protocol.Adapter

	// StopTimeout bounds each connector's Stop. Zero means DefaultStopTimeout.
	StopTimeout time.Duration

	mu         sync.RWMutex
	connectors []Connector
	served     atomic.Bool
}

// New creates a Server around a configured engine.
//
// Parameters:
//   - engine: The Engine container, started by Serve if it is not already
//   - a: The adapter every connector hands requests to
//
// Panics if either argument is nil (indicates programmer error).
func New(engine *container.Container, a protocol.Adapter) *Server {
	if engine == nil {
		panic("engine cannot be nil")
	}
	if a == nil {
		panic("adapter cannot be nil")
	}
	if engine.Level() != container.LevelEngine {
		panic(fmt.Sprintf("server needs an engine, got a %s", engine.Level()))
	}

	return &Server{
		engine:     engine,
		adapter:    a,
		connectors: make([]Connector, 0, 2),
	}
}

// AddConnector registers a connector and gives it the shared adapter.
//
// Returns an error if the connector name is already taken or if both
// connectors ask for the same fixed port. Port 0 never conflicts.
//
// Panics if c is nil or Serve() has already been called.
func (s *Server) AddConnector(c Connector) error {
	if c == nil {
		panic("connector cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served.Load() {
		panic("cannot add connector after Serve() has been called")
	}

	for _, existing := range s.connectors {
		if existing.Name() == c.Name() {
			return fmt.Errorf("connector %q already registered", c.Name())
		}
		if c.Port() != 0 && existing.Port() == c.Port() {
			return fmt.Errorf("port %d already in use by connector %q", c.Port(), existing.Name())
		}
	}

	c.SetAdapter(s.adapter)
	s.connectors = append(s.connectors, c)

	logger.Info("Registered %s connector %q on port %d", c.Protocol(), c.Name(), c.Port())
	return nil
}

// Connectors returns a snapshot of the registered connectors.
func (s *Server) Connectors() []Connector {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Connector, len(s.connectors))
	copy(out, s.connectors)
	return out
}

// Engine returns the engine the connectors serve.
func (s *Server) Engine() *container.Container { return s.engine }

// Serve starts the engine and all connectors, and blocks until ctx is
// cancelled or a connector fails.
//
// Shutdown behavior:
//   - Every connector receives Stop() in reverse registration order
//   - Serve waits for all connector goroutines to return
//   - The engine is stopped and valves holding resources are closed
//
// Returns:
//   - ctx.Err() if shutdown was triggered by ctx
//   - the first connector error, wrapped with the connector name
//   - an error if Serve was already called or no connector is registered
func (s *Server) Serve(ctx context.Context) error {
	if !s.served.CompareAndSwap(false, true) {
		return errors.New("Serve() has already been called on this server")
	}

	connectors := s.Connectors()
	if len(connectors) == 0 {
		return errors.New("no connectors registered; call AddConnector() before Serve()")
	}

	if s.engine.State() != container.StateStarted {
		if err := s.engine.Start(); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
	}

	logger.Info("Starting server with %d connector(s)", len(connectors))

	// Buffered so a failing connector never blocks after shutdown began
	errChan := make(chan connectorError, len(connectors))
	var wg sync.WaitGroup

	for _, conn := range connectors {
		wg.Add(1)
		go func(c Connector) {
			defer wg.Done()

			if err := c.Serve(ctx); err != nil {
				if ctx.Err() == nil {
					logger.Error("%s connector %q failed: %v", c.Protocol(), c.Name(), err)
				}
				errChan <- connectorError{name: c.Name(), err: err}
				return
			}
			logger.Info("%s connector %q stopped", c.Protocol(), c.Name())
		}(conn)
	}

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		shutdownErr = ctx.Err()

	case ce := <-errChan:
		logger.Error("Connector %q failed: %v - stopping all connectors", ce.name, ce.err)
		shutdownErr = fmt.Errorf("connector %s: %w", ce.name, ce.err)
	}

	s.stopAll(connectors)

	logger.Debug("Waiting for all connectors to complete shutdown")
	wg.Wait()

	if err := s.stopEngine(); err != nil {
		logger.Warn("Engine shutdown: %v", err)
	}

	logger.Info("Server stopped")
	return shutdownErr
}

type connectorError struct {
	name string
	err  error
}

// stopAll calls Stop on every connector in reverse registration order.
// Errors are logged; the remaining connectors are still stopped.
func (s *Server) stopAll(connectors []Connector) {
	timeout := s.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d connector(s)", len(connectors))

	for i := len(connectors) - 1; i >= 0; i-- {
		c := connectors[i]
		logger.Debug("Stopping %s connector %q (port %d)", c.Protocol(), c.Name(), c.Port())

		if err := c.Stop(ctx); err != nil {
			logger.Error("Error stopping connector %q: %v", c.Name(), err)
		}
	}
}

// stopEngine stops the container tree, then closes every valve that holds
// resources (for example an access log database).
func (s *Server) stopEngine() error {
	var errs []error
	if s.engine.State() == container.StateStarted {
		if err := s.engine.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, c := range Closers(s.engine) {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Closers returns the valves in the tree rooted at c that implement
// io.Closer, parents before children.
func Closers(c *container.Container) []io.Closer {
	var out []io.Closer
	for _, v := range c.Pipeline().Valves() {
		if cl, ok := v.(io.Closer); ok {
			out = append(out, cl)
		}
	}
	for _, child := range c.Children() {
		out = append(out, Closers(child)...)
	}
	return out
}
