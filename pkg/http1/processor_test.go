package http1

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/portico/pkg/metrics"
	"github.com/marmos91/portico/pkg/protocol"
	"github.com/marmos91/portico/pkg/socket"
)

// ============================================================================
// Test Helpers
// ============================================================================

type fakeAdapter struct {
	service func(req *protocol.Request, resp *protocol.Response) error

	targets  []string
	logged   []int
	causes   []error
	timeouts int

	// Failures reported by async listeners
	timeoutErr   error
	listenerErrs []error
}

func (a *fakeAdapter) Service(_ context.Context, req *protocol.Request, resp *protocol.Response) error {
	a.targets = append(a.targets, req.Target)
	if a.service == nil {
		return writeBody(resp, req.Target)
	}
	return a.service(req, resp)
}

func (a *fakeAdapter) AsyncDispatch(_ context.Context, _ *protocol.Request, _ *protocol.Response, fn func()) error {
	fn()
	return nil
}

func (a *fakeAdapter) AsyncComplete(_ *protocol.Request, resp *protocol.Response, cause error) error {
	a.causes = append(a.causes, cause)
	if cause != nil && !resp.IsCommitted() {
		_ = resp.SetStatus(500)
		_ = resp.SetContentLength(0)
	}
	if len(a.listenerErrs) > 0 {
		return &protocol.ListenerError{Failures: a.listenerErrs}
	}
	return nil
}

func (a *fakeAdapter) AsyncTimeout(*protocol.Request, *protocol.Response) error {
	a.timeouts++
	return a.timeoutErr
}

// errorCounter records protocol error kinds and discards everything else.
type errorCounter struct {
	metrics.ConnectorMetrics

	mu    sync.Mutex
	kinds []string
}

func newErrorCounter() *errorCounter {
	return &errorCounter{ConnectorMetrics: metrics.NewNoopConnectorMetrics()}
}

func (c *errorCounter) RecordProtocolError(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
}

func (c *errorCounter) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.kinds...)
}

func (a *fakeAdapter) Log(_ *protocol.Request, resp *protocol.Response, _ time.Duration) {
	a.logged = append(a.logged, resp.Status)
}

func (a *fakeAdapter) calls() int { return len(a.targets) }

type fakeController struct {
	mu       sync.Mutex
	events   []socket.Event
	timers   map[any]func()
	shutting bool
}

func newFakeController() *fakeController {
	return &fakeController{timers: make(map[any]func())}
}

func (c *fakeController) Dispatch(_ *socket.Wrapper, ev socket.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeController) ScheduleTimeout(key any, _ time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers[key] = fn
}

func (c *fakeController) CancelTimeout(key any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.timers, key)
}

func (c *fakeController) ShuttingDown() bool { return c.shutting }

func (c *fakeController) fireTimers() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.timers))
	for k, fn := range c.timers {
		fns = append(fns, fn)
		delete(c.timers, k)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *fakeController) takeEvents() []socket.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := c.events
	c.events = nil
	return ev
}

type fakeUpgrade struct{ token string }

func (u fakeUpgrade) Token() string                                        { return u.token }
func (u fakeUpgrade) Accept(*protocol.Request) bool                        { return true }
func (u fakeUpgrade) NewProcessor(protocol.Environment) protocol.Processor { return nil }

// harness drives one processor over a real loopback connection.
type harness struct {
	t       *testing.T
	client  net.Conn
	sw      *socket.Wrapper
	proc    *Processor
	adapter *fakeAdapter
	ctrl    *fakeController
}

func newHarness(t *testing.T, cfg Config, adapter *fakeAdapter, upgrades ...protocol.UpgradeProtocol) *harness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, aerr := ln.Accept()
		if aerr != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)

	ctrl := newFakeController()
	p := New(cfg, protocol.Environment{Adapter: adapter, Controller: ctrl}, upgrades...)
	sw := socket.NewWrapper(server, socket.Options{
		HeadSize:    p.cfg.HeadSize(),
		ReadTimeout: 5 * time.Second,
	})

	h := &harness{t: t, client: client, sw: sw, proc: p, adapter: adapter, ctrl: ctrl}
	t.Cleanup(func() {
		_ = client.Close()
		_ = sw.Close()
		sw.Release()
	})
	return h
}

func (h *harness) send(s string) {
	h.t.Helper()
	_, err := io.WriteString(h.client, s)
	require.NoError(h.t, err)
}

// sendAll writes s and half-closes the client side.
func (h *harness) sendAll(s string) {
	h.send(s)
	require.NoError(h.t, h.client.(*net.TCPConn).CloseWrite())
}

// process delivers one event the way a worker would.
func (h *harness) process(ev socket.Event) (protocol.SocketState, error) {
	if ev == socket.EventRead {
		h.sw.SetReadable()
	}
	return h.proc.Process(context.Background(), h.sw, ev)
}

// run processes read events until the processor stops asking for more input.
func (h *harness) run() (protocol.SocketState, error) {
	h.t.Helper()
	for i := 0; i < 1000; i++ {
		state, err := h.process(socket.EventRead)
		if state != protocol.Open {
			return state, err
		}
	}
	h.t.Fatal("processor never left the Open state")
	return protocol.Closed, nil
}

// output half-closes the server side and returns everything the client got.
func (h *harness) output() string {
	h.t.Helper()
	require.NoError(h.t, h.sw.Flush())
	require.NoError(h.t, h.sw.Conn().(*net.TCPConn).CloseWrite())
	_ = h.client.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, err := io.ReadAll(h.client)
	require.NoError(h.t, err)
	return string(b)
}

type parsedResponse struct {
	*http.Response
	body string
}

func parseResponses(t *testing.T, raw string, methods ...string) []parsedResponse {
	t.Helper()
	br := bufio.NewReader(strings.NewReader(raw))
	var out []parsedResponse
	for i := 0; ; i++ {
		if _, err := br.Peek(1); err == io.EOF {
			return out
		}
		var req *http.Request
		if i < len(methods) {
			req = &http.Request{Method: methods[i]}
		}
		resp, err := http.ReadResponse(br, req)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		out = append(out, parsedResponse{Response: resp, body: string(body)})
	}
}

func writeBody(resp *protocol.Response, body string) error {
	if err := resp.SetContentLength(int64(len(body))); err != nil {
		return err
	}
	_, err := resp.Write([]byte(body))
	return err
}

func get(target string) string {
	return "GET " + target + " HTTP/1.1\r\nHost: example.com\r\n\r\n"
}

// ============================================================================
// Framing
// ============================================================================

func TestChunkedBodyDecodes(t *testing.T) {
	var body, trailer string
	adapter := &fakeAdapter{service: func(req *protocol.Request, resp *protocol.Response) error {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		body = string(b)
		trailer = req.Trailer.Get("X-Checksum")
		return writeBody(resp, body)
	}}
	h := newHarness(t, Config{}, adapter)

	h.sendAll("POST /echo HTTP/1.1\r\nHost: example.com\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n0\r\nX-Checksum: abc\r\n\r\n")

	state, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, protocol.Closed, state)

	assert.Equal(t, "Wiki", body)
	assert.Equal(t, "abc", trailer)

	responses := parseResponses(t, h.output())
	require.Len(t, responses, 1)
	assert.Equal(t, 200, responses[0].StatusCode)
	assert.Equal(t, "Wiki", responses[0].body)
}

func TestChunkedBodySplitAcrossChunks(t *testing.T) {
	var body string
	adapter := &fakeAdapter{service: func(req *protocol.Request, resp *protocol.Response) error {
		b, err := io.ReadAll(req.Body)
		body = string(b)
		if err != nil {
			return err
		}
		return writeBody(resp, "ok")
	}}
	h := newHarness(t, Config{}, adapter)

	h.sendAll("POST /x HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5;ext=1\r\nhello\r\n1\r\n \r\nA\r\n0123456789\r\n0\r\n\r\n")

	_, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, "hello 0123456789", body)
}

func TestChunkedResponseWhenLengthUnknown(t *testing.T) {
	adapter := &fakeAdapter{service: func(_ *protocol.Request, resp *protocol.Response) error {
		if _, err := resp.Write([]byte("part one, ")); err != nil {
			return err
		}
		_, err := resp.Write([]byte("part two"))
		return err
	}}
	h := newHarness(t, Config{}, adapter)

	h.sendAll(get("/stream"))
	_, err := h.run()
	require.NoError(t, err)

	raw := h.output()
	assert.Contains(t, raw, "Transfer-Encoding: chunked\r\n")

	responses := parseResponses(t, raw)
	require.Len(t, responses, 1)
	assert.Equal(t, "part one, part two", responses[0].body)
}

func TestPipelinedRequestsKeepOrder(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter)

	h.sendAll(get("/a") + get("/b"))

	state, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, protocol.Closed, state)
	assert.Equal(t, []string{"/a", "/b"}, adapter.targets)

	responses := parseResponses(t, h.output())
	require.Len(t, responses, 2)
	assert.Equal(t, "/a", responses[0].body)
	assert.Equal(t, "/b", responses[1].body)
}

func TestLeadingEmptyLinesIgnored(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter)

	h.sendAll("\r\n\r\n" + get("/a"))
	_, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, []string{"/a"}, adapter.targets)
}

func TestUnreadBodySwallowed(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter)

	h.sendAll("POST /a HTTP/1.1\r\nHost: a\r\nContent-Length: 5\r\n\r\nhello" + get("/b"))

	_, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, adapter.targets)
}

func TestUnreadBodyBeyondSwallowLimitCloses(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{MaxSwallowSize: 4}, adapter)

	h.sendAll("POST /a HTTP/1.1\r\nHost: a\r\nContent-Length: 10000\r\n\r\n" +
		strings.Repeat("x", 10000) + get("/b"))

	state, _ := h.run()
	assert.Equal(t, protocol.Closed, state)
	assert.Equal(t, []string{"/a"}, adapter.targets)
}

func TestContentLengthOverrunCloses(t *testing.T) {
	var writeErr error
	adapter := &fakeAdapter{service: func(_ *protocol.Request, resp *protocol.Response) error {
		_ = resp.SetContentLength(3)
		_, writeErr = resp.Write([]byte("hello"))
		return nil
	}}
	h := newHarness(t, Config{}, adapter)

	h.sendAll(get("/a") + get("/b"))

	state, err := h.run()
	assert.Equal(t, protocol.Closed, state)
	assert.ErrorIs(t, writeErr, ErrContentLengthExceeded)
	assert.ErrorIs(t, err, ErrContentLengthShort)
	assert.Equal(t, []string{"/a"}, adapter.targets)
}

func TestHeadResponseHasNoBody(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter)

	h.sendAll("HEAD /abc HTTP/1.1\r\nHost: a\r\n\r\n")
	_, err := h.run()
	require.NoError(t, err)

	raw := h.output()
	assert.Contains(t, raw, "Content-Length: 4\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\n"))

	responses := parseResponses(t, raw, "HEAD")
	require.Len(t, responses, 1)
	assert.Empty(t, responses[0].body)
}

// ============================================================================
// Limits and rejection
// ============================================================================

func TestOversizedHeadersRejected(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{MaxHeaderSize: 8 << 10}, adapter)

	var b strings.Builder
	b.WriteString("GET / HTTP/1.1\r\nHost: a\r\n")
	for b.Len() < 9<<10 {
		b.WriteString("X-Filler: " + strings.Repeat("f", 100) + "\r\n")
	}
	b.WriteString("\r\n")
	h.send(b.String())

	state, err := h.run()
	assert.Equal(t, protocol.Closed, state)

	var tooLarge *protocol.RequestTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 431, tooLarge.Status)
	assert.Zero(t, adapter.calls())

	raw := h.output()
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 431 "))
	assert.Contains(t, raw, "Connection: close\r\n")
	assert.Equal(t, []int{431}, adapter.logged)
}

func TestLongRequestLineRejected(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{MaxRequestLineSize: 1024}, adapter)

	h.send("GET /" + strings.Repeat("a", 2048) + " HTTP/1.1\r\nHost: a\r\n\r\n")

	state, _ := h.run()
	assert.Equal(t, protocol.Closed, state)
	assert.Zero(t, adapter.calls())
	assert.True(t, strings.HasPrefix(h.output(), "HTTP/1.1 414 "))
}

func TestTooManyHeadersRejected(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{MaxHeaderCount: 3}, adapter)

	h.sendAll("GET / HTTP/1.1\r\nHost: a\r\nA: 1\r\nB: 2\r\nC: 3\r\n\r\n")

	state, _ := h.run()
	assert.Equal(t, protocol.Closed, state)
	assert.True(t, strings.HasPrefix(h.output(), "HTTP/1.1 431 "))
}

func TestMalformedRequestsRejected(t *testing.T) {
	tests := []struct {
		name    string
		request string
		status  int
	}{
		{"UnsupportedVersion", "GET / HTTP/2.0\r\nHost: a\r\n\r\n", 505},
		{"BadVersion", "GET / HTTP/1.1x\r\nHost: a\r\n\r\n", 400},
		{"ObsFold", "GET / HTTP/1.1\r\nHost: a\r\nX-Long: one\r\n two\r\n\r\n", 400},
		{"SpaceBeforeColon", "GET / HTTP/1.1\r\nHost : a\r\n\r\n", 400},
		{"MissingHost", "GET / HTTP/1.1\r\n\r\n", 400},
		{"DuplicateHost", "GET / HTTP/1.1\r\nHost: a\r\nHost: b\r\n\r\n", 400},
		{"InvalidContentLength", "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 1x\r\n\r\n", 400},
		{"UnsupportedTransferCoding", "POST / HTTP/1.1\r\nHost: a\r\nTransfer-Encoding: gzip\r\n\r\n", 501},
		{"UnsupportedExpectation", "POST / HTTP/1.1\r\nHost: a\r\nExpect: tea\r\n\r\n", 417},
		{"BadMethod", "G(T / HTTP/1.1\r\nHost: a\r\n\r\n", 400},
		{"ControlInValue", "GET / HTTP/1.1\r\nHost: a\r\nX: a\x01b\r\n\r\n", 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &fakeAdapter{}
			h := newHarness(t, Config{}, adapter)
			h.sendAll(tt.request)

			state, err := h.run()
			assert.Equal(t, protocol.Closed, state)
			assert.Error(t, err)
			assert.Zero(t, adapter.calls())

			raw := h.output()
			assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 "+strconv.Itoa(tt.status)+" "), raw)
			assert.Contains(t, raw, "Connection: close\r\n")
		})
	}
}

func TestSmugglingAttemptsDroppedWithoutResponse(t *testing.T) {
	tests := []struct {
		name    string
		request string
	}{
		{"ContentLengthAndChunked", "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n"},
		{"ConflictingContentLength", "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 4\r\nContent-Length: 5\r\n\r\nabcde"},
		{"ConflictingContentLengthList", "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 4, 5\r\n\r\nabcde"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := &fakeAdapter{}
			h := newHarness(t, Config{}, adapter)
			h.sendAll(tt.request)

			state, err := h.run()
			assert.Equal(t, protocol.Closed, state)

			var violation *protocol.ProtocolViolationError
			assert.ErrorAs(t, err, &violation)
			assert.Zero(t, adapter.calls())
			assert.Empty(t, h.output())
		})
	}
}

func TestDuplicateIdenticalContentLength(t *testing.T) {
	req := "POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 2\r\nContent-Length: 2\r\n\r\nok"

	t.Run("Accepted", func(t *testing.T) {
		adapter := &fakeAdapter{}
		h := newHarness(t, Config{}, adapter)
		h.sendAll(req)
		_, err := h.run()
		require.NoError(t, err)
		assert.Equal(t, 1, adapter.calls())
	})

	t.Run("RejectedByPolicy", func(t *testing.T) {
		adapter := &fakeAdapter{}
		h := newHarness(t, Config{Headers: HeaderPolicy{RejectDuplicateContentLength: true}}, adapter)
		h.sendAll(req)
		_, _ = h.run()
		assert.Zero(t, adapter.calls())
		assert.True(t, strings.HasPrefix(h.output(), "HTTP/1.1 400 "))
	})
}

func TestBareLFPolicy(t *testing.T) {
	req := "GET /lf HTTP/1.1\nHost: a\n\n"

	t.Run("Lenient", func(t *testing.T) {
		adapter := &fakeAdapter{}
		h := newHarness(t, Config{}, adapter)
		h.sendAll(req)
		_, err := h.run()
		require.NoError(t, err)
		assert.Equal(t, []string{"/lf"}, adapter.targets)
	})

	t.Run("Strict", func(t *testing.T) {
		adapter := &fakeAdapter{}
		h := newHarness(t, Config{Headers: HeaderPolicy{RejectBareLF: true}}, adapter)
		h.sendAll(req)
		_, _ = h.run()
		assert.Zero(t, adapter.calls())
	})
}

func TestTruncatedHeadClosesSilently(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter)

	h.sendAll("GET / HTTP/1.1\r\nHost: a\r\n")

	state, err := h.run()
	assert.Equal(t, protocol.Closed, state)

	var ioErr *protocol.IOError
	assert.ErrorAs(t, err, &ioErr)
	assert.Empty(t, h.output())
}

// ============================================================================
// Keep-alive
// ============================================================================

func TestHTTP10ClosesByDefault(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter)

	h.sendAll("GET /a HTTP/1.0\r\n\r\n" + "GET /b HTTP/1.0\r\n\r\n")

	state, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, protocol.Closed, state)
	assert.Equal(t, []string{"/a"}, adapter.targets)
	assert.Contains(t, h.output(), "Connection: close\r\n")
}

func TestHTTP10KeepAlive(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter)

	h.sendAll("GET /a HTTP/1.0\r\nConnection: keep-alive\r\n\r\n" + "GET /b HTTP/1.0\r\n\r\n")

	_, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, adapter.targets)
	assert.Contains(t, h.output(), "Connection: keep-alive\r\n")
}

func TestConnectionCloseFromClient(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter)

	h.sendAll("GET /a HTTP/1.1\r\nHost: a\r\nConnection: close\r\n\r\n" + get("/b"))

	state, _ := h.run()
	assert.Equal(t, protocol.Closed, state)
	assert.Equal(t, []string{"/a"}, adapter.targets)
}

func TestMaxKeepAliveRequests(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{MaxKeepAliveRequests: 2}, adapter)

	h.sendAll(get("/1") + get("/2") + get("/3"))

	state, _ := h.run()
	assert.Equal(t, protocol.Closed, state)
	assert.Equal(t, []string{"/1", "/2"}, adapter.targets)

	responses := parseResponses(t, h.output())
	require.Len(t, responses, 2)
	assert.False(t, responses[0].Close)
	assert.True(t, responses[1].Close)
}

func TestShutdownDisablesKeepAlive(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter)
	h.ctrl.shutting = true

	h.sendAll(get("/a") + get("/b"))

	state, _ := h.run()
	assert.Equal(t, protocol.Closed, state)
	assert.Equal(t, []string{"/a"}, adapter.targets)
	assert.Contains(t, h.output(), "Connection: close\r\n")
}

// ============================================================================
// Expect: 100-continue
// ============================================================================

func TestExpectContinueSentOnFirstRead(t *testing.T) {
	var body string
	adapter := &fakeAdapter{service: func(req *protocol.Request, resp *protocol.Response) error {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return err
		}
		body = string(b)
		return writeBody(resp, "done")
	}}
	h := newHarness(t, Config{}, adapter)

	h.sendAll("PUT /up HTTP/1.1\r\nHost: a\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\ndata")

	_, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, "data", body)

	raw := h.output()
	require.True(t, strings.HasPrefix(raw, "HTTP/1.1 100 Continue\r\n\r\n"), raw)
	responses := parseResponses(t, strings.TrimPrefix(raw, "HTTP/1.1 100 Continue\r\n\r\n"))
	require.Len(t, responses, 1)
	assert.Equal(t, "done", responses[0].body)
}

func TestExpectContinueUnreadBodyCloses(t *testing.T) {
	adapter := &fakeAdapter{service: func(_ *protocol.Request, resp *protocol.Response) error {
		_ = resp.SetStatus(413)
		return writeBody(resp, "no")
	}}
	h := newHarness(t, Config{}, adapter)

	h.sendAll("PUT /up HTTP/1.1\r\nHost: a\r\nExpect: 100-continue\r\nContent-Length: 4\r\n\r\n")

	state, _ := h.run()
	assert.Equal(t, protocol.Closed, state)
	assert.NotContains(t, h.output(), "100 Continue")
}

// ============================================================================
// Errors after commit
// ============================================================================

func TestPanicAfterFlushAbortsWithoutSecondResponse(t *testing.T) {
	adapter := &fakeAdapter{service: func(_ *protocol.Request, resp *protocol.Response) error {
		if _, err := resp.Write([]byte("partial")); err != nil {
			return err
		}
		if err := resp.Flush(); err != nil {
			return err
		}
		// What the adapter reports after recovering a panic on a committed response
		return &protocol.ApplicationError{Panic: "boom"}
	}}
	h := newHarness(t, Config{}, adapter)

	h.sendAll(get("/panic") + get("/next"))

	state, err := h.run()
	assert.Equal(t, protocol.Closed, state)

	var appErr *protocol.ApplicationError
	assert.ErrorAs(t, err, &appErr)
	assert.Equal(t, []string{"/panic"}, adapter.targets)

	raw := h.output()
	assert.Equal(t, 1, strings.Count(raw, "HTTP/1.1 "))
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 200 OK\r\n"))
	assert.NotContains(t, raw, " 500 ")
	// The chunked terminator is never written
	assert.NotContains(t, raw, "0\r\n\r\n")
}

func TestResponseHeadersFrozenAfterCommit(t *testing.T) {
	var setErr error
	adapter := &fakeAdapter{service: func(_ *protocol.Request, resp *protocol.Response) error {
		if err := resp.Flush(); err != nil {
			return err
		}
		setErr = resp.Header.Set("X-Late", "1")
		return nil
	}}
	h := newHarness(t, Config{}, adapter)

	h.sendAll(get("/"))
	_, err := h.run()
	require.NoError(t, err)
	assert.ErrorIs(t, setErr, protocol.ErrResponseCommitted)
	assert.NotContains(t, h.output(), "X-Late")
}

func TestHeaderValuesCannotSplitResponse(t *testing.T) {
	adapter := &fakeAdapter{service: func(_ *protocol.Request, resp *protocol.Response) error {
		_ = resp.Header.Set("X-Echo", "a\r\nSet-Cookie: evil=1")
		return writeBody(resp, "")
	}}
	h := newHarness(t, Config{}, adapter)

	h.sendAll(get("/"))
	_, err := h.run()
	require.NoError(t, err)

	responses := parseResponses(t, h.output())
	require.Len(t, responses, 1)
	assert.Empty(t, responses[0].Header.Get("Set-Cookie"))
}

// ============================================================================
// Upgrade
// ============================================================================

func TestUpgradeSwitchesProtocol(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter, fakeUpgrade{token: "xdr-rpc"})

	h.send("GET /rpc HTTP/1.1\r\nHost: a\r\nConnection: Upgrade\r\nUpgrade: websocket, XDR-RPC\r\n\r\nrecord-bytes")

	state, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, protocol.Upgrading, state)
	assert.Equal(t, "xdr-rpc", h.proc.UpgradeToken())
	assert.Zero(t, adapter.calls())

	// Bytes after the head belong to the new protocol
	assert.Equal(t, "record-bytes", string(h.sw.Buffered()))

	raw := h.output()
	assert.True(t, strings.HasPrefix(raw, "HTTP/1.1 101 Switching Protocols\r\n"))
	assert.Contains(t, raw, "Upgrade: xdr-rpc\r\n")
}

func TestUpgradeIgnoredWithoutConnectionToken(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter, fakeUpgrade{token: "xdr-rpc"})

	h.sendAll("GET /rpc HTTP/1.1\r\nHost: a\r\nUpgrade: xdr-rpc\r\n\r\n")

	state, err := h.run()
	require.NoError(t, err)
	assert.Equal(t, protocol.Closed, state)
	assert.Equal(t, 1, adapter.calls())
}

// ============================================================================
// Async
// ============================================================================

func TestAsyncCompleteFromAnotherGoroutine(t *testing.T) {
	var (
		savedReq  *protocol.Request
		savedResp *protocol.Response
	)
	adapter := &fakeAdapter{service: func(req *protocol.Request, resp *protocol.Response) error {
		savedReq, savedResp = req, resp
		return req.Hook.StartAsync()
	}}
	h := newHarness(t, Config{}, adapter)

	h.send(get("/slow"))
	state, err := h.run()
	require.NoError(t, err)
	require.Equal(t, protocol.Long, state)
	assert.True(t, savedReq.Hook.IsAsync())

	done := make(chan error, 1)
	go func() {
		if err := writeBody(savedResp, "late"); err != nil {
			done <- err
			return
		}
		done <- savedReq.Hook.AsyncComplete()
	}()
	require.NoError(t, <-done)

	events := h.ctrl.takeEvents()
	require.Equal(t, []socket.Event{socket.EventAsyncComplete}, events)

	state, err = h.process(socket.EventAsyncComplete)
	require.NoError(t, err)
	assert.Equal(t, protocol.Open, state)
	assert.Equal(t, []error{nil}, adapter.causes)
	assert.False(t, h.proc.IsAsync())

	responses := parseResponses(t, h.output())
	require.Len(t, responses, 1)
	assert.Equal(t, "late", responses[0].body)
}

func TestAsyncCompleteBeforeServiceReturns(t *testing.T) {
	adapter := &fakeAdapter{service: func(req *protocol.Request, resp *protocol.Response) error {
		if err := req.Hook.StartAsync(); err != nil {
			return err
		}
		if err := writeBody(resp, "inline"); err != nil {
			return err
		}
		return req.Hook.AsyncComplete()
	}}
	h := newHarness(t, Config{}, adapter)

	h.sendAll(get("/a") + get("/b"))

	_, err := h.run()
	require.NoError(t, err)
	assert.Empty(t, h.ctrl.takeEvents())
	assert.Equal(t, []string{"/a", "/b"}, adapter.targets)
}

func TestAsyncTimeoutProduces500(t *testing.T) {
	adapter := &fakeAdapter{service: func(req *protocol.Request, _ *protocol.Response) error {
		return req.Hook.StartAsync()
	}}
	h := newHarness(t, Config{AsyncTimeout: time.Minute}, adapter)

	h.send(get("/never"))
	state, err := h.run()
	require.NoError(t, err)
	require.Equal(t, protocol.Long, state)

	h.ctrl.fireTimers()
	require.Equal(t, []socket.Event{socket.EventAsyncTimeout}, h.ctrl.takeEvents())

	state, err = h.process(socket.EventAsyncTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.Open, state)
	assert.Equal(t, 1, adapter.timeouts)

	require.Len(t, adapter.causes, 1)
	var timeout *protocol.TimeoutError
	assert.ErrorAs(t, adapter.causes[0], &timeout)

	responses := parseResponses(t, h.output())
	require.Len(t, responses, 1)
	assert.Equal(t, 500, responses[0].StatusCode)
}

func TestAsyncListenerFailuresAreCounted(t *testing.T) {
	adapter := &fakeAdapter{
		service: func(req *protocol.Request, _ *protocol.Response) error {
			return req.Hook.StartAsync()
		},
		timeoutErr:   &protocol.ApplicationError{Panic: "timeout listener"},
		listenerErrs: []error{&protocol.ApplicationError{Panic: "complete listener"}},
	}
	h := newHarness(t, Config{AsyncTimeout: time.Minute}, adapter)
	counter := newErrorCounter()
	h.proc.metrics = counter

	h.send(get("/flaky"))
	state, err := h.run()
	require.NoError(t, err)
	require.Equal(t, protocol.Long, state)

	h.ctrl.fireTimers()
	require.Equal(t, []socket.Event{socket.EventAsyncTimeout}, h.ctrl.takeEvents())

	state, err = h.process(socket.EventAsyncTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.Open, state, "listener failures must not abort the connection")
	assert.Equal(t, []string{protocol.KindApplication, protocol.KindApplication}, counter.recorded())

	responses := parseResponses(t, h.output())
	require.Len(t, responses, 1)
	assert.Equal(t, 500, responses[0].StatusCode)
}

func TestAsyncCompleteAfterTimeoutIgnored(t *testing.T) {
	var savedReq *protocol.Request
	adapter := &fakeAdapter{service: func(req *protocol.Request, _ *protocol.Response) error {
		savedReq = req
		return req.Hook.StartAsync()
	}}
	h := newHarness(t, Config{}, adapter)

	h.send(get("/race"))
	_, err := h.run()
	require.NoError(t, err)

	h.ctrl.fireTimers()
	hook := savedReq.Hook
	require.NoError(t, hook.AsyncComplete())

	// Only the timeout scheduled a dispatch
	assert.Equal(t, []socket.Event{socket.EventAsyncTimeout}, h.ctrl.takeEvents())

	_, err = h.process(socket.EventAsyncTimeout)
	require.NoError(t, err)
	require.Len(t, adapter.causes, 1)
	assert.Nil(t, adapter.causes[0])
}

func TestAsyncDispatchRunsOnWorker(t *testing.T) {
	var (
		savedReq  *protocol.Request
		savedResp *protocol.Response
		ran       bool
	)
	adapter := &fakeAdapter{service: func(req *protocol.Request, resp *protocol.Response) error {
		savedReq, savedResp = req, resp
		return req.Hook.StartAsync()
	}}
	h := newHarness(t, Config{}, adapter)

	h.send(get("/dispatch"))
	state, err := h.run()
	require.NoError(t, err)
	require.Equal(t, protocol.Long, state)

	require.NoError(t, savedReq.Hook.AsyncDispatch(func() {
		ran = true
		_ = writeBody(savedResp, "dispatched")
		_ = savedReq.Hook.AsyncComplete()
	}))
	require.Equal(t, []socket.Event{socket.EventAsyncDispatch}, h.ctrl.takeEvents())
	assert.False(t, ran)

	state, err = h.process(socket.EventAsyncDispatch)
	require.NoError(t, err)
	assert.Equal(t, protocol.Open, state)
	assert.True(t, ran)
	assert.Empty(t, h.ctrl.takeEvents())

	responses := parseResponses(t, h.output())
	require.Len(t, responses, 1)
	assert.Equal(t, "dispatched", responses[0].body)
}

func TestAsyncErrorProduces500(t *testing.T) {
	var savedReq *protocol.Request
	adapter := &fakeAdapter{service: func(req *protocol.Request, _ *protocol.Response) error {
		savedReq = req
		return req.Hook.StartAsync()
	}}
	h := newHarness(t, Config{}, adapter)

	h.send(get("/fail"))
	_, err := h.run()
	require.NoError(t, err)

	cause := errors.New("backend down")
	require.NoError(t, savedReq.Hook.AsyncError(cause))
	require.Equal(t, []socket.Event{socket.EventAsyncError}, h.ctrl.takeEvents())

	_, err = h.process(socket.EventAsyncError)
	require.NoError(t, err)
	require.Len(t, adapter.causes, 1)
	assert.ErrorIs(t, adapter.causes[0], cause)
	assert.True(t, strings.HasPrefix(h.output(), "HTTP/1.1 500 "))
}

func TestCompleteTwiceIsIllegal(t *testing.T) {
	var savedReq *protocol.Request
	adapter := &fakeAdapter{service: func(req *protocol.Request, _ *protocol.Response) error {
		savedReq = req
		return req.Hook.StartAsync()
	}}
	h := newHarness(t, Config{}, adapter)

	h.send(get("/twice"))
	_, err := h.run()
	require.NoError(t, err)

	hook := savedReq.Hook
	require.NoError(t, hook.AsyncComplete())
	_, err = h.process(socket.EventAsyncComplete)
	require.NoError(t, err)

	assert.Error(t, hook.AsyncComplete())
}

// ============================================================================
// Recycle
// ============================================================================

func TestRecycleResetsState(t *testing.T) {
	adapter := &fakeAdapter{}
	h := newHarness(t, Config{}, adapter, fakeUpgrade{token: "xdr-rpc"})

	h.send("GET / HTTP/1.1\r\nHost: a\r\nConnection: upgrade\r\nUpgrade: xdr-rpc\r\n\r\n")
	state, err := h.run()
	require.NoError(t, err)
	require.Equal(t, protocol.Upgrading, state)

	h.proc.Recycle()
	assert.Empty(t, h.proc.UpgradeToken())
	assert.False(t, h.proc.IsAsync())
	assert.Equal(t, -1, int(h.proc.declared))
	assert.Empty(t, h.proc.req.Method)
}
