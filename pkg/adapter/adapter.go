// Package adapter bridges protocol processors and the container hierarchy.
//
// A processor hands the adapter a parsed protocol.Request and its
// protocol.Response. The adapter:
//
//  1. Wraps both in pooled container.Request/Response objects
//  2. Normalizes the request path (percent-decoding, dot segments)
//  3. Maps host and path to a Host, Context and Wrapper
//  4. Freezes the request headers
//  5. Invokes the Engine pipeline inside a panic boundary
//  6. Finishes the response, or leaves it open when the request went async
//
// The adapter is protocol-agnostic: HTTP/1.1 and the XDR-RPC upgrade both
// use the same instance.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/container"
	"github.com/marmos91/portico/pkg/protocol"
)

// RequestLogger records completed exchanges. Access log valves implement it
// so that requests rejected before the pipeline show up in the same log.
type RequestLogger interface {
	LogRequest(req *protocol.Request, resp *protocol.Response, duration time.Duration)
}

// Config holds adapter tuning.
type Config struct {
	// OutputBufferSize is the container response body buffer.
	OutputBufferSize int
}

// Adapter implements protocol.Adapter on top of a container Engine.
//
// Thread safety:
// Safe for concurrent use. Per-request state lives in pooled objects that
// belong to exactly one request at a time.
type Adapter struct {
	engine *container.Container
	cfg    Config

	mu     sync.RWMutex
	reqLog RequestLogger

	pool sync.Pool
}

// exchange is the pooled container request/response pair.
type exchange struct {
	req  *container.Request
	resp *container.Response
}

// New creates an adapter serving engine.
//
// Parameters:
//   - engine: the root container; must be started before traffic arrives
//   - cfg: adapter tuning, zero values take defaults
func New(engine *container.Container, cfg Config) *Adapter {
	if cfg.OutputBufferSize <= 0 {
		cfg.OutputBufferSize = container.DefaultOutputBufferSize
	}
	a := &Adapter{engine: engine, cfg: cfg}
	a.pool.New = func() any {
		return &exchange{
			req:  container.NewRequest(),
			resp: container.NewResponse(a.cfg.OutputBufferSize),
		}
	}
	return a
}

// SetRequestLogger installs the sink for requests that never reached the
// pipeline. nil restores the default debug log line.
func (a *Adapter) SetRequestLogger(l RequestLogger) {
	a.mu.Lock()
	a.reqLog = l
	a.mu.Unlock()
}

// Engine returns the served engine.
func (a *Adapter) Engine() *container.Container { return a.engine }

// Service implements protocol.Adapter.
func (a *Adapter) Service(ctx context.Context, pr *protocol.Request, presp *protocol.Response) error {
	ex := a.acquire(ctx, pr, presp)

	target, err := parseTarget(pr.Method, pr.Target)
	if err != nil {
		logger.Debug("Rejecting target %q from %s: %v", pr.Target, pr.RemoteAddr, err)
		return a.reject(ex, 400)
	}
	if target.asterisk {
		return a.serveAsterisk(ex)
	}
	ex.req.Bind(ctx, pr, ex.resp, target.path, target.rawQuery)

	host := target.host
	if host == "" {
		host = pr.Header.Get("Host")
	}

	mapper := a.engine.Mapper()
	if mapper == nil {
		return a.reject(ex, 503)
	}
	if err := mapper.Map(host, target.path, ex.req.Mapping()); err != nil {
		status := 404
		if errors.Is(err, container.ErrNoHost) {
			status = 400
		}
		logger.Debug("No mapping for %s %s (host %q): %v", pr.Method, target.path, host, err)
		return a.reject(ex, status)
	}

	pr.Header.Freeze(protocol.ErrHeadersReadOnly)

	err = a.boundary(func() error {
		return a.engine.Pipeline().Invoke(ex.req, ex.resp)
	})

	if ex.req.IsAsyncStarted() {
		// The response stays open; AsyncComplete releases the exchange.
		if err != nil {
			if aerr := pr.Hook.AsyncError(err); aerr != nil {
				logger.Warn("Async error for %s %s not delivered: %v", pr.Method, target.path, aerr)
			}
		}
		return nil
	}
	return a.finish(ex, err)
}

// AsyncDispatch implements protocol.Adapter.
func (a *Adapter) AsyncDispatch(_ context.Context, pr *protocol.Request, _ *protocol.Response, fn func()) error {
	if fn == nil {
		return nil
	}
	return a.boundary(func() error {
		fn()
		return nil
	})
}

// AsyncComplete implements protocol.Adapter.
//
// A cause turns an uncommitted response into a 500. When the response was
// already committed the cause is returned so the connection is aborted.
func (a *Adapter) AsyncComplete(pr *protocol.Request, _ *protocol.Response, cause error) error {
	ex := exchangeOf(pr)
	if ex == nil {
		return cause
	}
	ac := ex.req.AsyncContext()

	var failures []error
	if cause != nil && ac != nil {
		if lerr := a.boundary(func() error {
			ac.FireError(cause)
			return nil
		}); lerr != nil {
			failures = append(failures, lerr)
		}
	}

	var err error
	if cause != nil {
		logger.Warn("Async request %s %s failed: %v", pr.Method, ex.req.Path(), cause)
		if sendErr := ex.resp.SendError(500); sendErr != nil {
			err = cause
		}
	}
	if err == nil {
		err = ex.resp.Finish()
	}

	if ac != nil {
		if lerr := a.boundary(func() error {
			ac.FireComplete()
			return nil
		}); lerr != nil {
			failures = append(failures, lerr)
		}
	}
	a.release(ex)

	if len(failures) > 0 {
		return &protocol.ListenerError{Err: err, Failures: failures}
	}
	return err
}

// AsyncTimeout implements protocol.Adapter.
func (a *Adapter) AsyncTimeout(pr *protocol.Request, _ *protocol.Response) error {
	ex := exchangeOf(pr)
	if ex == nil || ex.req.AsyncContext() == nil {
		return nil
	}
	ac := ex.req.AsyncContext()
	return a.boundary(func() error {
		ac.FireTimeout()
		return nil
	})
}

// Log implements protocol.Adapter.
func (a *Adapter) Log(pr *protocol.Request, presp *protocol.Response, d time.Duration) {
	a.mu.RLock()
	l := a.reqLog
	a.mu.RUnlock()

	if l != nil {
		l.LogRequest(pr, presp, d)
		return
	}
	logger.Debug("%s %q %d (%s)", pr.RemoteAddr, pr.Method+" "+pr.Target, presp.Status, d)
}

// boundary runs fn and converts a panic into an ApplicationError.
func (a *Adapter) boundary(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.Error("Panic in request pipeline: %v\n%s", r, stack)
			err = &protocol.ApplicationError{Panic: r, Stack: stack}
		}
	}()
	return fn()
}

// finish completes a synchronous exchange and releases it.
func (a *Adapter) finish(ex *exchange, pipelineErr error) error {
	defer a.release(ex)

	if pipelineErr != nil {
		if ex.resp.IsCommitted() {
			var appErr *protocol.ApplicationError
			if !errors.As(pipelineErr, &appErr) {
				pipelineErr = &protocol.ApplicationError{Err: pipelineErr}
			}
			return pipelineErr
		}
		logger.Warn("Request %s %s failed: %v", ex.req.Method(), ex.req.Path(), pipelineErr)
		_ = ex.resp.SendError(500)
	}

	if err := ex.resp.Finish(); err != nil {
		return &protocol.IOError{Op: "finish response", Err: err}
	}
	return nil
}

// reject answers without entering the pipeline.
func (a *Adapter) reject(ex *exchange, status int) error {
	pr := ex.req.Protocol()
	_ = ex.resp.SendError(status)
	err := ex.resp.Finish()
	a.Log(pr, ex.resp.Protocol(), time.Since(pr.StartTime))
	a.release(ex)
	if err != nil {
		return &protocol.IOError{Op: "finish response", Err: err}
	}
	return nil
}

// serveAsterisk answers "OPTIONS *" for the server as a whole.
func (a *Adapter) serveAsterisk(ex *exchange) error {
	_ = ex.resp.SetHeader("Allow", "GET, HEAD, POST, PUT, DELETE, OPTIONS")
	_ = ex.resp.SetContentLength(0)
	err := ex.resp.Finish()
	a.Log(ex.req.Protocol(), ex.resp.Protocol(), time.Since(ex.req.StartTime()))
	a.release(ex)
	if err != nil {
		return &protocol.IOError{Op: "finish response", Err: err}
	}
	return nil
}

func (a *Adapter) acquire(ctx context.Context, pr *protocol.Request, presp *protocol.Response) *exchange {
	ex := a.pool.Get().(*exchange)
	ex.resp.Bind(presp)
	ex.req.Bind(ctx, pr, ex.resp, "", "")
	pr.SetNote(protocol.NoteContainerRequest, ex.req)
	pr.SetNote(protocol.NoteContainerResponse, ex.resp)
	return ex
}

func (a *Adapter) release(ex *exchange) {
	if pr := ex.req.Protocol(); pr != nil {
		pr.SetNote(protocol.NoteContainerRequest, nil)
		pr.SetNote(protocol.NoteContainerResponse, nil)
	}
	ex.req.Recycle()
	ex.resp.Recycle()
	a.pool.Put(ex)
}

func exchangeOf(pr *protocol.Request) *exchange {
	req, ok := pr.Note(protocol.NoteContainerRequest).(*container.Request)
	if !ok {
		return nil
	}
	resp, ok := pr.Note(protocol.NoteContainerResponse).(*container.Response)
	if !ok {
		return nil
	}
	return &exchange{req: req, resp: resp}
}

// String describes the adapter for logs.
func (a *Adapter) String() string {
	return fmt.Sprintf("adapter(engine=%s)", a.engine.Name())
}
