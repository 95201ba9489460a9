// Package socket wraps an accepted connection with the buffers and ownership
// state shared by the acceptor, the pollers and the worker goroutines.
//
// Ownership model:
// A Wrapper is owned by exactly one party at a time. The owner is encoded in
// an atomic State and every hand-off is a compare-and-swap, so a socket can
// never be processed by two workers concurrently:
//
//	Idle ──> Registered ──> Processing ──> Registered ...
//	                            │
//	                            ├──> Parked ──> Processing (async resume)
//	                            └──> Closed
//
// Read buffer layout:
//
//	[0 ............ keep)[keep ...... pos ...... end)[end ...... cap)
//	  request head bytes    body scratch / pipelined    free space
//
// Bytes below keep hold the current request head and are never moved while the
// request is live, so header views into the buffer stay valid. The buffer is
// compacted only by Recycle, between requests.
package socket

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/portico/internal/bufpool"
)

// State encodes which party currently owns a socket.
type State int32

const (
	// StateIdle is a freshly accepted socket still owned by the acceptor.
	StateIdle State = iota

	// StateRegistered means the socket waits in a poller for readiness.
	StateRegistered

	// StateProcessing means a worker goroutine owns the socket.
	StateProcessing

	// StateParked means an async request holds the socket without a worker.
	StateParked

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRegistered:
		return "REGISTERED"
	case StateProcessing:
		return "PROCESSING"
	case StateParked:
		return "PARKED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event is the reason a socket is handed to a processor.
type Event int

const (
	EventRead Event = iota
	EventError
	EventAsyncDispatch
	EventAsyncComplete
	EventAsyncTimeout
	EventAsyncError
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventRead:
		return "READ"
	case EventError:
		return "ERROR"
	case EventAsyncDispatch:
		return "ASYNC_DISPATCH"
	case EventAsyncComplete:
		return "ASYNC_COMPLETE"
	case EventAsyncTimeout:
		return "ASYNC_TIMEOUT"
	case EventAsyncError:
		return "ASYNC_ERROR"
	case EventStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// ErrBufferFull is returned by Fill when no free space is left in the read
// buffer. For a request head this means the head limit has been exceeded.
var ErrBufferFull = errors.New("socket: read buffer full")

// Options sizes the buffers of a Wrapper.
type Options struct {
	// HeadSize is the space reserved for a request head.
	HeadSize int

	// ScratchSize is the space after the head used for body and pipelined bytes.
	ScratchSize int

	// WriteBufferSize is the size of the buffered writer in front of the connection.
	WriteBufferSize int

	// ReadTimeout bounds each blocking read (body reads, RPC records).
	ReadTimeout time.Duration

	// WriteTimeout bounds each write to the connection.
	WriteTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeadSize <= 0 {
		o.HeadSize = 8 << 10
	}
	if o.ScratchSize <= 0 {
		o.ScratchSize = 8 << 10
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 8 << 10
	}
}

// PollState is scratch space owned by the poller a socket is registered with.
type PollState struct {
	// Index selects the poller instance when several are running.
	Index int

	// Armed is true once the descriptor has been added to the poller.
	Armed bool

	// Token is the poller's registration handle.
	Token any
}

// Wrapper is one accepted connection plus its read and write buffers.
//
// Thread safety:
// Buffer methods are only called by the current owner (see State). Transition,
// Park, Resume, MarkClosed and ForceClose are safe for concurrent use.
type Wrapper struct {
	id      string
	conn    net.Conn
	fd      int
	remote  string
	created time.Time

	state atomic.Int32

	// mu pairs Park with Resume so a resume event is never lost.
	mu         sync.Mutex
	pending    Event
	hasPending bool

	buf            []byte
	pos, end, keep int
	readable       atomic.Bool
	readErr        error
	readTimeout    time.Duration

	out      *bufio.Writer
	writeErr error

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64

	requests   int
	attachment any

	// Poll is owned by the poller while the socket is registered.
	Poll PollState

	closeOnce sync.Once
	closeErr  error
}

// NewWrapper wraps conn. The raw descriptor is captured when the connection
// exposes one (plaintext TCP); secure streams report FD() == -1.
func NewWrapper(conn net.Conn, opts Options) *Wrapper {
	opts.applyDefaults()

	w := &Wrapper{
		id:          uuid.NewString(),
		conn:        conn,
		fd:          -1,
		created:     time.Now(),
		buf:         bufpool.Get(opts.HeadSize + opts.ScratchSize),
		readTimeout: opts.ReadTimeout,
	}
	if addr := conn.RemoteAddr(); addr != nil {
		w.remote = addr.String()
	}
	w.out = bufio.NewWriterSize(&deadlineWriter{w: w, timeout: opts.WriteTimeout}, opts.WriteBufferSize)

	if sc, ok := conn.(syscall.Conn); ok {
		if rc, err := sc.SyscallConn(); err == nil {
			_ = rc.Control(func(fd uintptr) {
				w.fd = int(fd)
			})
		}
	}
	return w
}

// ID returns a unique connection identifier.
func (w *Wrapper) ID() string { return w.id }

// Conn returns the underlying connection.
func (w *Wrapper) Conn() net.Conn { return w.conn }

// FD returns the raw descriptor or -1 when none is available.
func (w *Wrapper) FD() int { return w.fd }

// RemoteAddr returns the peer address as a string.
func (w *Wrapper) RemoteAddr() string { return w.remote }

// Created returns the accept time.
func (w *Wrapper) Created() time.Time { return w.created }

// State returns the current owner state.
func (w *Wrapper) State() State { return State(w.state.Load()) }

// Transition moves the socket from one state to another if it is still in from.
func (w *Wrapper) Transition(from, to State) bool {
	return w.state.CompareAndSwap(int32(from), int32(to))
}

// MarkClosed moves the socket to StateClosed from any other state.
//
// Returns true for exactly one caller, which becomes responsible for cleanup.
func (w *Wrapper) MarkClosed() bool {
	for {
		cur := w.state.Load()
		if State(cur) == StateClosed {
			return false
		}
		if w.state.CompareAndSwap(cur, int32(StateClosed)) {
			return true
		}
	}
}

// Park hands a processing socket over to an async request.
//
// If a resume event arrived while the socket was still being processed, the
// socket stays in StateProcessing and that event is returned with true.
func (w *Wrapper) Park() (Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.hasPending {
		ev := w.pending
		w.hasPending = false
		return ev, true
	}
	w.Transition(StateProcessing, StateParked)
	return 0, false
}

// Resume requests processing of ev for a parked socket.
//
// Returns true when the caller must schedule the processing itself. When the
// socket is still being processed the event is queued for Park instead.
func (w *Wrapper) Resume(ev Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Transition(StateParked, StateProcessing) {
		return true
	}
	if w.State() == StateProcessing {
		w.pending = ev
		w.hasPending = true
	}
	return false
}

// Attach stores the processor (or any per-connection state) for the owner.
func (w *Wrapper) Attach(v any) { w.attachment = v }

// Attachment returns the value stored by Attach.
func (w *Wrapper) Attachment() any { return w.attachment }

// Requests returns the number of requests served on this connection.
func (w *Wrapper) Requests() int { return w.requests }

// IncRequests increments the served request counter and returns the new value.
func (w *Wrapper) IncRequests() int {
	w.requests++
	return w.requests
}

// ----------------------------------------------------------------------------
// Read side
// ----------------------------------------------------------------------------

// Buffered returns the unread bytes. The slice is only valid until the next
// Fill, Consume or Recycle.
func (w *Wrapper) Buffered() []byte {
	return w.buf[w.pos:w.end]
}

// Consume marks n buffered bytes as read.
func (w *Wrapper) Consume(n int) {
	w.pos += n
	if w.pos > w.end {
		w.pos = w.end
	}
}

// MarkHead protects everything before the read position as the current
// request head. Body reads reuse only the space after it.
func (w *Wrapper) MarkHead() {
	w.keep = w.pos
}

// Recycle releases the head region and moves unread (pipelined) bytes to the
// front of the buffer. Called between requests only.
func (w *Wrapper) Recycle() {
	n := copy(w.buf, w.buf[w.pos:w.end])
	w.pos, w.end, w.keep = 0, n, 0

	w.mu.Lock()
	w.hasPending = false
	w.mu.Unlock()
}

// SetReadable records that the poller observed readiness.
func (w *Wrapper) SetReadable() { w.readable.Store(true) }

// SetReadError records a terminal read error observed outside the owner
// (for example by a waiter goroutine).
func (w *Wrapper) SetReadError(err error) { w.readErr = err }

// ReadError returns the sticky read error, if any.
func (w *Wrapper) ReadError() error { return w.readErr }

// Fill performs exactly one read from the connection into free buffer space.
func (w *Wrapper) Fill() (int, error) {
	if w.readErr != nil {
		return 0, w.readErr
	}
	if w.pos == w.end {
		w.pos, w.end = w.keep, w.keep
	}
	if w.end == len(w.buf) {
		if w.pos > w.keep {
			n := copy(w.buf[w.keep:], w.buf[w.pos:w.end])
			w.pos, w.end = w.keep, w.keep+n
		}
		if w.end == len(w.buf) {
			return 0, ErrBufferFull
		}
	}

	n, err := w.conn.Read(w.buf[w.end:])
	w.end += n
	w.bytesRead.Add(int64(n))
	if err != nil {
		w.readErr = err
	}
	return n, err
}

// FillReady reads only if the poller flagged the socket readable since the
// last read, so a worker never blocks waiting for a slow client.
//
// Returns (0, nil) when no readiness is pending.
func (w *Wrapper) FillReady() (int, error) {
	if w.readErr != nil {
		return 0, w.readErr
	}
	if !w.readable.Swap(false) {
		return 0, nil
	}
	if w.readTimeout > 0 {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
	return w.Fill()
}

// FillBlocking reads with a deadline. Used for request bodies, where the
// worker already owns the request.
func (w *Wrapper) FillBlocking() (int, error) {
	if w.readErr != nil {
		return 0, w.readErr
	}
	if w.readTimeout > 0 {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
	return w.Fill()
}

// FillWait blocks without a deadline until data, EOF or a close. Used by
// waiter goroutines, whose idle timeout is enforced by closing the socket.
func (w *Wrapper) FillWait() (int, error) {
	_ = w.conn.SetReadDeadline(time.Time{})
	return w.Fill()
}

// Read implements io.Reader: buffered bytes first, then one deadline-bounded
// read straight into p.
func (w *Wrapper) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if w.pos < w.end {
		n := copy(p, w.buf[w.pos:w.end])
		w.pos += n
		return n, nil
	}
	if w.readErr != nil {
		return 0, w.readErr
	}
	if w.readTimeout > 0 {
		_ = w.conn.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
	n, err := w.conn.Read(p)
	w.bytesRead.Add(int64(n))
	if err != nil {
		w.readErr = err
	}
	return n, err
}

// BytesRead returns the total bytes read from the connection.
func (w *Wrapper) BytesRead() int64 { return w.bytesRead.Load() }

// ----------------------------------------------------------------------------
// Write side
// ----------------------------------------------------------------------------

type deadlineWriter struct {
	w       *Wrapper
	timeout time.Duration
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	if d.timeout > 0 {
		_ = d.w.conn.SetWriteDeadline(time.Now().Add(d.timeout))
	}
	n, err := d.w.conn.Write(p)
	d.w.bytesWritten.Add(int64(n))
	return n, err
}

// Write buffers p, flushing to the connection when the buffer fills.
func (w *Wrapper) Write(p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	n, err := w.out.Write(p)
	if err != nil {
		w.writeErr = err
	}
	return n, err
}

// WriteString buffers s.
func (w *Wrapper) WriteString(s string) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	n, err := w.out.WriteString(s)
	if err != nil {
		w.writeErr = err
	}
	return n, err
}

// Flush writes all buffered output to the connection.
func (w *Wrapper) Flush() error {
	if w.writeErr != nil {
		return w.writeErr
	}
	if err := w.out.Flush(); err != nil {
		w.writeErr = err
		return err
	}
	return nil
}

// WriteDirect writes p unbuffered under its own deadline. Used for canned
// responses on sockets that will be closed right after.
func (w *Wrapper) WriteDirect(p []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	n, err := w.conn.Write(p)
	w.bytesWritten.Add(int64(n))
	return err
}

// BytesWritten returns the total bytes written to the connection.
func (w *Wrapper) BytesWritten() int64 { return w.bytesWritten.Load() }

// ----------------------------------------------------------------------------
// Teardown
// ----------------------------------------------------------------------------

// Close closes the connection once. Safe for concurrent use.
func (w *Wrapper) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

// Release returns the read buffer to the pool. Only the party that won
// MarkClosed may call it, after Close.
func (w *Wrapper) Release() {
	if w.buf != nil {
		bufpool.Put(w.buf)
		w.buf = nil
	}
	w.attachment = nil
}

// IsEOF reports whether err means the peer closed the connection.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
