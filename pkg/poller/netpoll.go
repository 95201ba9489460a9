package poller

import (
	"sync"
	"sync/atomic"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/socket"
)

// NetPoller parks one lightweight goroutine per registered socket in a
// blocking read, relying on the Go runtime netpoller for readiness. It works
// with any net.Conn, including secure streams that hide their descriptor.
//
// The waiter goroutine performs exactly one fill, then hands the socket to the
// dispatcher. It never holds a worker slot.
type NetPoller struct {
	dispatch Dispatcher
	closed   atomic.Bool
	waiters  sync.WaitGroup
}

// waiter is the per-registration handshake between the blocked goroutine and
// whoever closes the socket.
type waiter struct {
	mu        sync.Mutex
	exited    bool
	abandoned bool
}

// NewNetPoller creates a NetPoller.
func NewNetPoller(dispatch Dispatcher) *NetPoller {
	return &NetPoller{dispatch: dispatch}
}

// Start is a no-op; waiters are started per registration.
func (p *NetPoller) Start() error { return nil }

// Name returns "netpoll".
func (p *NetPoller) Name() string { return string(TypeNetpoll) }

// Register parks a waiter on sw.
func (p *NetPoller) Register(sw *socket.Wrapper) error {
	if p.closed.Load() {
		return ErrClosed
	}
	w := &waiter{}
	sw.Poll.Token = w

	if !takeOwnership(sw) {
		return ErrNotOwned
	}

	p.waiters.Add(1)
	go p.wait(sw, w)
	return nil
}

func (p *NetPoller) wait(sw *socket.Wrapper, w *waiter) {
	defer p.waiters.Done()

	// Read errors stay sticky on the socket and surface in the processor
	_, err := sw.FillWait()

	won := sw.Transition(socket.StateRegistered, socket.StateProcessing)

	w.mu.Lock()
	w.exited = true
	abandoned := w.abandoned
	w.mu.Unlock()

	if !won {
		// Closed while waiting (idle timeout or shutdown)
		if abandoned {
			sw.Release()
		}
		return
	}

	if err != nil && !socket.IsEOF(err) {
		logger.Debug("netpoll: read on %s failed: %v", sw.RemoteAddr(), err)
	}
	p.dispatch(sw, socket.EventRead)
}

// Cancel reports whether the waiter for sw has already exited. If it has
// not, the waiter releases sw when it wakes up.
func (p *NetPoller) Cancel(sw *socket.Wrapper) bool {
	w, ok := sw.Poll.Token.(*waiter)
	if !ok {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exited {
		return true
	}
	w.abandoned = true
	return false
}

// Close refuses new registrations. Parked waiters end when their sockets
// close, which the connector does during shutdown.
func (p *NetPoller) Close() error {
	p.closed.Store(true)
	return nil
}

// Wait blocks until every waiter goroutine has exited.
func (p *NetPoller) Wait() {
	p.waiters.Wait()
}
