// Package http1 implements the HTTP/1.1 protocol processor: an incremental
// request parser, a response serializer with exact framing, keep-alive and
// pipelining, chunked transfer coding, Expect: 100-continue, protocol
// upgrade, and the async suspend/resume cycle.
//
// Request flow on one worker:
//
//	Process(READ)
//	  └─ readHead ── need more ──> Open (socket re-registers, worker released)
//	       │
//	       ├─ prepare ── error ──> best-effort 4xx/5xx, Closed
//	       ├─ upgrade ──────────> 101, Upgrading
//	       └─ Adapter.Service
//	            └─ PostProcess ── async started ──> Long (socket parked)
//	                  │
//	                  └─ endRequest ── keep-alive ──> next pipelined request or Open
//	                                └─ otherwise ───> Closed
package http1

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/asyncstate"
	"github.com/marmos91/portico/pkg/metrics"
	"github.com/marmos91/portico/pkg/protocol"
	"github.com/marmos91/portico/pkg/socket"
)

// asyncRetryDelay reschedules a timeout that fired while a worker still
// owned the request.
const asyncRetryDelay = 100 * time.Millisecond

var errPollError = errors.New("poller reported socket error")

// Processor is the HTTP/1.1 state machine for one connection.
//
// Thread safety:
// Process is driven by one worker at a time. The protocol.ActionHook methods
// (async complete, dispatch, error) may be called from any goroutine and only
// touch the async state machine and the controller.
type Processor struct {
	cfg      Config
	env      protocol.Environment
	metrics  metrics.ConnectorMetrics
	upgrades map[string]protocol.UpgradeProtocol

	sw   *socket.Wrapper
	req  *protocol.Request
	resp *protocol.Response

	scanner headScanner
	parser  headParser

	identity identityReader
	chunked  chunkedReader

	// Per-request state, cleared by recycleRequest
	keepAlive      bool
	expectContinue bool
	continueSent   bool
	framing        framing
	declared       int64
	bodyWritten    int64
	upgradeToken   string
	startBytesIn   int64
	startBytesOut  int64

	async        asyncstate.Machine
	asyncGen     atomic.Uint64
	asyncTimeout time.Duration

	mu         sync.Mutex
	dispatchFn func()
	asyncErr   error
}

// New creates a processor.
//
// Parameters:
//   - cfg: Limits and policies; zero values take defaults
//   - env: Adapter, controller and metrics of the owning connector
//   - upgrades: Protocols a request may switch the connection to
func New(cfg Config, env protocol.Environment, upgrades ...protocol.UpgradeProtocol) *Processor {
	cfg.ApplyDefaults()
	if env.Metrics == nil {
		env.Metrics = metrics.NewNoopConnectorMetrics()
	}

	p := &Processor{
		cfg:      cfg,
		env:      env,
		metrics:  env.Metrics,
		upgrades: make(map[string]protocol.UpgradeProtocol, len(upgrades)),
		req:      protocol.NewRequest(),
		resp:     protocol.NewResponse(),
	}
	p.parser.cfg = &p.cfg
	for _, u := range upgrades {
		p.upgrades[strings.ToLower(u.Token())] = u
	}
	p.recycleRequest()
	return p
}

// Config returns the effective configuration.
func (p *Processor) Config() Config { return p.cfg }

// UpgradeToken implements protocol.Processor.
func (p *Processor) UpgradeToken() string { return p.upgradeToken }

// Recycle implements protocol.Processor.
func (p *Processor) Recycle() {
	p.recycleRequest()
	p.async.Reset()
	p.upgradeToken = ""
	p.sw = nil
}

// Process implements protocol.Processor.
func (p *Processor) Process(ctx context.Context, sw *socket.Wrapper, ev socket.Event) (protocol.SocketState, error) {
	p.sw = sw

	switch ev {
	case socket.EventRead:
		return p.service(ctx)

	case socket.EventAsyncDispatch:
		return p.runDispatch(ctx)

	case socket.EventAsyncComplete, socket.EventAsyncError:
		return p.postProcess(ctx)

	case socket.EventAsyncTimeout:
		p.metrics.RecordAsyncTimeout()
		if err := p.env.Adapter.AsyncTimeout(p.req, p.resp); err != nil {
			p.listenerFailed(err)
		}
		return p.postProcess(ctx)

	case socket.EventError:
		return p.abort(&protocol.IOError{Op: "poll", Err: errPollError})

	case socket.EventStop:
		return protocol.Closed, nil

	default:
		return protocol.Closed, fmt.Errorf("http1: unexpected event %s", ev)
	}
}

// service parses and serves requests until it needs more bytes, the
// connection closes, or a request goes async.
func (p *Processor) service(ctx context.Context) (protocol.SocketState, error) {
	for {
		complete, err := p.readHead()
		if err != nil {
			return p.fail(err)
		}
		if !complete {
			return protocol.Open, nil
		}

		if err := p.prepare(); err != nil {
			return p.fail(err)
		}

		if p.upgradeToken != "" {
			return p.upgrade()
		}

		state, next, err := p.serviceRequest(ctx)
		if !next {
			return state, err
		}
		if len(p.sw.Buffered()) == 0 {
			return protocol.Open, nil
		}
		// Pipelined request already buffered: serve it on this worker, in order
	}
}

// errCleanClose is returned by readHead when the peer closed between requests.
var errCleanClose = errors.New("peer closed connection")

// readHead scans buffered bytes, reading more only while the poller reports
// readiness. Returns true once a full head has been parsed into p.req.
func (p *Processor) readHead() (bool, error) {
	sw := p.sw
	for {
		data := sw.Buffered()

		if !p.scanner.started() {
			// Empty lines before a request line are ignored
			skip := 0
			for skip < len(data) && (data[skip] == '\r' || data[skip] == '\n') {
				skip++
			}
			if skip > 0 {
				sw.Consume(skip)
				data = sw.Buffered()
			}
		}

		if len(data) > 0 {
			done, err := p.scanner.scan(data, &p.cfg)
			if err != nil {
				return false, err
			}
			if done {
				return true, p.parseHead(data)
			}
		}

		n, err := sw.FillReady()
		if err != nil {
			return false, p.headReadError(err)
		}
		if n == 0 {
			return false, nil
		}
	}
}

func (p *Processor) headReadError(err error) error {
	switch {
	case errors.Is(err, socket.ErrBufferFull):
		if p.scanner.lineEnd == 0 {
			return p.scanner.tooLarge(414, "request line", p.cfg.MaxRequestLineSize)
		}
		return p.scanner.tooLarge(431, "header block", p.cfg.MaxHeaderSize)
	case socket.IsEOF(err) && !p.scanner.started() && len(p.sw.Buffered()) == 0:
		return errCleanClose
	case socket.IsTimeout(err):
		return &protocol.TimeoutError{Phase: "header read"}
	default:
		return &protocol.IOError{Op: "read head", Err: err}
	}
}

func (p *Processor) parseHead(data []byte) error {
	sw := p.sw
	head := data[:p.scanner.headLen]

	p.req.StartTime = time.Now()
	p.req.RemoteAddr = sw.RemoteAddr()
	p.req.ConnID = sw.ID()

	if err := p.parser.parse(head, p.scanner.lineEnd, p.req); err != nil {
		return err
	}

	// Header views stay below the keep mark until the request is recycled
	sw.Consume(p.scanner.headLen)
	sw.MarkHead()
	return nil
}

// prepare applies message semantics: Host, framing, Expect, keep-alive and
// upgrade selection.
func (p *Processor) prepare() error {
	req := p.req
	h := &req.Header
	state := stateHeaders.String()

	hosts := h.Count("Host")
	if req.ProtoAtLeast(1, 1) && hosts == 0 {
		return &protocol.MalformedRequestError{Status: 400, Reason: "missing Host header", State: state, Offset: p.scanner.headLen}
	}
	if hosts > 1 {
		return &protocol.MalformedRequestError{Status: 400, Reason: "duplicate Host header", State: state, Offset: p.scanner.headLen}
	}
	for _, name := range p.cfg.Headers.SingletonHeaders {
		if h.Count(name) > 1 {
			return &protocol.MalformedRequestError{Status: 400, Reason: "duplicate " + name + " header", State: state, Offset: p.scanner.headLen}
		}
	}

	te := h.Values("Transfer-Encoding")
	cl := h.Values("Content-Length")

	switch {
	case len(te) > 0 && len(cl) > 0:
		return &protocol.ProtocolViolationError{Reason: "both Content-Length and Transfer-Encoding", State: state, Offset: p.scanner.headLen}

	case len(te) > 0:
		if len(te) != 1 || !strings.EqualFold(strings.TrimSpace(te[0]), "chunked") {
			return &protocol.MalformedRequestError{Status: 501, Reason: "unsupported transfer coding", State: state, Offset: p.scanner.headLen}
		}
		req.Chunked = true
		req.ContentLength = -1
		p.chunked.reset(p)
		req.Body = &p.chunked

	case len(cl) > 0:
		n, err := parseContentLength(cl, p.cfg.Headers.RejectDuplicateContentLength, state)
		if err != nil {
			return err
		}
		req.ContentLength = n
		if n > 0 {
			p.identity.reset(p, n)
			req.Body = &p.identity
		}

	default:
		req.ContentLength = 0
	}

	if expect := h.Get("Expect"); expect != "" {
		if !strings.EqualFold(strings.TrimSpace(expect), "100-continue") {
			return &protocol.MalformedRequestError{Status: 417, Reason: "unsupported expectation", State: state, Offset: p.scanner.headLen}
		}
		p.expectContinue = req.ProtoAtLeast(1, 1)
	}

	if req.ProtoAtLeast(1, 1) {
		p.keepAlive = !h.HasToken("Connection", "close")
	} else {
		p.keepAlive = h.HasToken("Connection", "keep-alive")
	}

	p.selectUpgrade()

	req.Hook = p
	p.resp.Hook = p
	return nil
}

// selectUpgrade picks the first offered protocol that is configured and
// accepts the request. Requests with a body are never upgraded.
func (p *Processor) selectUpgrade() {
	req := p.req
	if len(p.upgrades) == 0 || !req.Header.HasToken("Connection", "upgrade") {
		return
	}
	if req.Chunked || req.ContentLength > 0 {
		return
	}
	for _, offered := range strings.Split(req.Header.Get("Upgrade"), ",") {
		u, ok := p.upgrades[strings.ToLower(strings.TrimSpace(offered))]
		if ok && u.Accept(req) {
			p.upgradeToken = u.Token()
			return
		}
	}
}

func (p *Processor) upgrade() (protocol.SocketState, error) {
	token := p.upgradeToken
	if err := p.writeInterim(101, "Connection", "Upgrade", "Upgrade", token); err != nil {
		return p.abort(err)
	}
	p.metrics.RecordUpgrade(token)
	logger.Debug("http1: %s switched to %s", p.sw.RemoteAddr(), token)

	p.resp.Status = 101
	p.env.Adapter.Log(p.req, p.resp, time.Since(p.req.StartTime))

	p.recycleRequest()
	p.upgradeToken = token
	p.sw.Recycle()
	return protocol.Upgrading, nil
}

// serviceRequest runs one parsed request through the adapter.
//
// next is true when the connection may carry another request.
func (p *Processor) serviceRequest(ctx context.Context) (protocol.SocketState, bool, error) {
	sw := p.sw
	if n := sw.IncRequests(); n > 1 {
		p.metrics.RecordKeepAliveReuse()
	}
	p.metrics.RecordRequestStart(p.req.Method)

	if err := p.env.Adapter.Service(ctx, p.req, p.resp); err != nil {
		state, aerr := p.abort(err)
		return state, false, aerr
	}
	return p.afterService(ctx)
}

// postProcess is the common tail after the pipeline, a dispatched task, or
// an async event returns control to the processor.
func (p *Processor) postProcess(ctx context.Context) (protocol.SocketState, error) {
	state, next, err := p.afterService(ctx)
	if !next {
		return state, err
	}
	if len(p.sw.Buffered()) == 0 {
		return protocol.Open, nil
	}
	return p.service(ctx)
}

func (p *Processor) afterService(ctx context.Context) (protocol.SocketState, bool, error) {
	res, err := p.async.Fire(asyncstate.PostProcess)
	if err != nil {
		logger.Error("http1: %v", err)
		state, aerr := p.abort(err)
		return state, false, aerr
	}

	switch res.To {
	case asyncstate.NotAsync:
		return p.endRequest()

	case asyncstate.Started:
		return protocol.Long, false, nil

	case asyncstate.Running:
		state, err := p.runDispatch(ctx)
		return state, false, err

	case asyncstate.Completing:
		var cause error
		switch res.From {
		case asyncstate.MustError:
			p.mu.Lock()
			cause = &protocol.ApplicationError{Err: p.asyncErr}
			p.mu.Unlock()
		case asyncstate.TimingOut:
			cause = &protocol.TimeoutError{Phase: "async"}
		}
		err, failures := protocol.SplitListenerError(p.env.Adapter.AsyncComplete(p.req, p.resp, cause))
		for _, f := range failures {
			p.listenerFailed(f)
		}
		if err != nil {
			state, aerr := p.abort(err)
			return state, false, aerr
		}
		if _, err := p.async.Fire(asyncstate.Finish); err != nil {
			logger.Error("http1: %v", err)
		}
		return p.endRequest()

	default:
		err := fmt.Errorf("http1: unexpected async state %s after post-process", res.To)
		state, aerr := p.abort(err)
		return state, false, aerr
	}
}

// listenerFailed counts an async listener failure. The adapter already
// logged the stack.
func (p *Processor) listenerFailed(err error) {
	logger.Warn("http1: async listener on %s failed: %v", p.req.RemoteAddr, err)
	p.metrics.RecordProtocolError(protocol.KindOf(err))
}

// runDispatch runs the pending AsyncDispatch task on this worker.
func (p *Processor) runDispatch(ctx context.Context) (protocol.SocketState, error) {
	p.mu.Lock()
	fn := p.dispatchFn
	p.dispatchFn = nil
	p.mu.Unlock()

	if fn != nil {
		if err := p.env.Adapter.AsyncDispatch(ctx, p.req, p.resp, fn); err != nil {
			p.mu.Lock()
			p.asyncErr = err
			p.mu.Unlock()
			if _, ferr := p.async.Fire(asyncstate.Error); ferr != nil {
				logger.Debug("http1: dispatch error after completion: %v", err)
			}
		}
	}
	return p.postProcess(ctx)
}

// endRequest finalizes the response, swallows unread body bytes and recycles.
func (p *Processor) endRequest() (protocol.SocketState, bool, error) {
	req, resp := p.req, p.resp

	var outErr error
	if !resp.IsCommitted() {
		outErr = resp.Commit()
	}
	if err := p.finishOutput(); err != nil && outErr == nil {
		outErr = err
	}

	keep := p.keepAlive
	if keep && req.Body != protocol.NoBody {
		if p.expectContinue && !p.continueSent {
			// The client may still be waiting to send; the body is ambiguous
			keep = false
		} else if !swallow(req.Body, p.cfg.MaxSwallowSize) {
			keep = false
		}
	}

	p.recordRequest(resp.Status)
	if _, err := p.async.Fire(asyncstate.Recycle); err != nil {
		logger.Error("http1: %v", err)
		keep = false
	}

	if outErr != nil {
		logger.Debug("http1: response to %s %s on %s ended badly: %v", req.Method, req.Target, p.sw.RemoteAddr(), outErr)
		keep = false
	}

	p.recycleRequest()
	if !keep {
		return protocol.Closed, false, outErr
	}
	p.sw.Recycle()
	return protocol.Open, true, nil
}

func (p *Processor) recordRequest(status int) {
	sw := p.sw
	method := p.req.Method
	p.metrics.RecordRequestEnd(method)
	p.metrics.RecordRequest(method, status, time.Since(p.req.StartTime))
	p.metrics.RecordBytesTransferred("read", sw.BytesRead()-p.startBytesIn)
	p.metrics.RecordBytesTransferred("write", sw.BytesWritten()-p.startBytesOut)
}

// fail handles an error raised before the request reached the adapter.
func (p *Processor) fail(err error) (protocol.SocketState, error) {
	if errors.Is(err, errCleanClose) {
		return protocol.Closed, nil
	}

	p.metrics.RecordProtocolError(protocol.KindOf(err))
	status, respond := protocol.StatusFor(err)

	var tooLarge *protocol.RequestTooLargeError
	var violation *protocol.ProtocolViolationError
	switch {
	case errors.As(err, &violation):
		logger.Warn("http1: dropping %s: %v", p.sw.RemoteAddr(), err)
	case errors.As(err, &tooLarge), status >= 400:
		logger.Info("http1: rejecting %s: %v", p.sw.RemoteAddr(), err)
	default:
		logger.Debug("http1: closing %s: %v", p.sw.RemoteAddr(), err)
	}

	if respond {
		p.writeError(status)
		if p.req.StartTime.IsZero() {
			p.req.StartTime = time.Now()
		}
		p.env.Adapter.Log(p.req, p.resp, time.Since(p.req.StartTime))
	}

	p.recycleRequest()
	return protocol.Closed, err
}

// writeError sends a terse error response and marks the connection for close.
func (p *Processor) writeError(status int) {
	p.keepAlive = false
	resp := p.resp
	resp.Recycle()
	resp.Hook = p
	resp.Status = status

	body := protocol.StatusText(status) + "\n"
	_ = resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.ContentLength = int64(len(body))

	if _, err := resp.Write([]byte(body)); err != nil {
		logger.Debug("http1: error response to %s failed: %v", p.sw.RemoteAddr(), err)
		return
	}
	_ = p.finishOutput()
}

// abort drops the connection without writing anything further.
func (p *Processor) abort(err error) (protocol.SocketState, error) {
	p.metrics.RecordProtocolError(protocol.KindOf(err))
	if p.req.Method != "" {
		p.recordRequest(0)
	}
	logger.Warn("http1: aborting connection %s: %v", p.sw.RemoteAddr(), err)
	p.async.Reset()
	p.recycleRequest()
	return protocol.Closed, err
}

// framingFailed disables keep-alive after a body framing error.
func (p *Processor) framingFailed() {
	p.keepAlive = false
}

// computeKeepAlive makes the final keep-alive decision at commit.
func (p *Processor) computeKeepAlive() bool {
	if !p.keepAlive {
		return false
	}
	if limit := p.cfg.MaxKeepAliveRequests; limit > 0 && p.sw.Requests() >= limit {
		p.keepAlive = false
	}
	if p.env.Controller != nil && p.env.Controller.ShuttingDown() {
		p.keepAlive = false
	}
	return p.keepAlive
}

// recycleRequest resets all per-request state.
func (p *Processor) recycleRequest() {
	p.req.Recycle()
	p.resp.Recycle()
	p.scanner.reset()
	p.keepAlive = false
	p.expectContinue = false
	p.continueSent = false
	p.framing = framingNone
	p.declared = -1
	p.bodyWritten = 0
	p.upgradeToken = ""
	p.asyncTimeout = p.cfg.AsyncTimeout
	p.asyncGen.Add(1)
	if p.env.Controller != nil {
		p.env.Controller.CancelTimeout(p)
	}

	p.mu.Lock()
	p.dispatchFn = nil
	p.asyncErr = nil
	p.mu.Unlock()

	if p.sw != nil {
		p.startBytesIn = p.sw.BytesRead()
		p.startBytesOut = p.sw.BytesWritten()
	}
}

// ----------------------------------------------------------------------------
// protocol.ActionHook
// ----------------------------------------------------------------------------

// StartAsync implements protocol.ActionHook.
func (p *Processor) StartAsync() error {
	if _, err := p.async.Fire(asyncstate.StartAsync); err != nil {
		return err
	}
	p.scheduleAsyncTimeout()
	return nil
}

// AsyncDispatch implements protocol.ActionHook.
func (p *Processor) AsyncDispatch(fn func()) error {
	p.mu.Lock()
	p.dispatchFn = fn
	p.mu.Unlock()

	res, err := p.async.Fire(asyncstate.Dispatch)
	if err != nil {
		p.mu.Lock()
		p.dispatchFn = nil
		p.mu.Unlock()
		return err
	}
	if res.NeedsDispatch {
		p.resume(socket.EventAsyncDispatch)
	}
	return nil
}

// AsyncComplete implements protocol.ActionHook.
func (p *Processor) AsyncComplete() error {
	res, err := p.async.Fire(asyncstate.Complete)
	if err != nil {
		return err
	}
	if res.NeedsDispatch {
		p.resume(socket.EventAsyncComplete)
	}
	return nil
}

// AsyncError implements protocol.ActionHook.
func (p *Processor) AsyncError(cause error) error {
	p.mu.Lock()
	if p.asyncErr == nil {
		p.asyncErr = cause
	}
	p.mu.Unlock()

	res, err := p.async.Fire(asyncstate.Error)
	if err != nil {
		return err
	}
	if res.NeedsDispatch {
		p.resume(socket.EventAsyncError)
	}
	return nil
}

// SetAsyncTimeout implements protocol.ActionHook.
func (p *Processor) SetAsyncTimeout(d time.Duration) {
	p.asyncTimeout = d
	if p.async.State().IsAsync() {
		p.scheduleAsyncTimeout()
	}
}

// IsAsync implements protocol.ActionHook.
func (p *Processor) IsAsync() bool {
	return p.async.State().IsAsync()
}

// Ack100Continue implements protocol.ActionHook.
func (p *Processor) Ack100Continue() error {
	if !p.expectContinue || p.continueSent || p.resp.IsCommitted() {
		return nil
	}
	p.continueSent = true
	return p.writeInterim(100)
}

func (p *Processor) scheduleAsyncTimeout() {
	ctrl := p.env.Controller
	if ctrl == nil {
		return
	}
	d := p.asyncTimeout
	if d <= 0 {
		ctrl.CancelTimeout(p)
		return
	}
	gen := p.asyncGen.Load()
	ctrl.ScheduleTimeout(p, d, func() {
		if p.asyncGen.Load() != gen {
			return
		}
		p.onAsyncTimeout(gen)
	})
}

func (p *Processor) onAsyncTimeout(gen uint64) {
	res, err := p.async.Fire(asyncstate.Timeout)
	if err != nil {
		logger.Error("http1: %v", err)
		return
	}
	if res.Retry {
		p.env.Controller.ScheduleTimeout(p, asyncRetryDelay, func() {
			if p.asyncGen.Load() == gen {
				p.onAsyncTimeout(gen)
			}
		})
		return
	}
	if res.NeedsDispatch {
		p.resume(socket.EventAsyncTimeout)
	}
}

// resume asks the connector to process ev on a worker.
func (p *Processor) resume(ev socket.Event) {
	if p.env.Controller == nil {
		logger.Error("http1: cannot resume %s without a controller", ev)
		return
	}
	if err := p.env.Controller.Dispatch(p.sw, ev); err != nil {
		logger.Error("http1: resume %s on %s failed: %v", ev, p.sw.RemoteAddr(), err)
	}
}
