// Package poller multiplexes read readiness of idle connections onto a small,
// fixed number of goroutines, so an idle keep-alive connection never holds a
// worker.
//
// A poller never reads request data itself (the epoll poller) or reads at
// most one fill (the netpoll waiter); it only hands ready sockets to the
// Dispatcher, which is the connector's executor submission.
package poller

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/marmos91/portico/pkg/socket"
)

var (
	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("poller closed")

	// ErrNotOwned is returned when Register is called for a socket the caller
	// does not own.
	ErrNotOwned = errors.New("socket not owned by caller")

	// ErrUnsupported is returned when epoll is requested on a platform or
	// connection that cannot provide it.
	ErrUnsupported = errors.New("epoll poller not supported")
)

// Type selects the readiness mechanism.
type Type string

const (
	// TypeAuto uses epoll for plaintext sockets on Linux and netpoll otherwise.
	TypeAuto Type = "auto"

	// TypeEpoll uses dedicated epoll instances (Linux only, plaintext only).
	TypeEpoll Type = "epoll"

	// TypeNetpoll parks one goroutine per idle socket on the Go runtime netpoller.
	TypeNetpoll Type = "netpoll"
)

// Dispatcher receives sockets whose ownership moved to StateProcessing.
// It must not block.
type Dispatcher func(sw *socket.Wrapper, ev socket.Event)

// Poller watches registered sockets for read readiness.
type Poller interface {
	// Start launches the poller goroutines.
	Start() error

	// Register hands an owned socket (StateIdle or StateProcessing) to the
	// poller. On success the socket is in StateRegistered and the caller no
	// longer owns it. On failure ownership stays with the caller.
	Register(sw *socket.Wrapper) error

	// Cancel forgets sw. Called by whoever closes the socket.
	//
	// Returns true when the poller no longer touches sw, so the caller may
	// release its buffers. False means a poller goroutine is still blocked on
	// the socket and will release it itself.
	Cancel(sw *socket.Wrapper) bool

	// Close stops the poller goroutines.
	Close() error

	// Name identifies the implementation in logs.
	Name() string
}

// Config selects and sizes the poller.
type Config struct {
	Type Type

	// Count is the number of epoll instances. 0 means min(2, GOMAXPROCS).
	Count int
}

// New builds the poller described by cfg.
func New(cfg Config, dispatch Dispatcher) (Poller, error) {
	count := cfg.Count
	if count <= 0 {
		count = min(2, runtime.GOMAXPROCS(0))
	}

	switch cfg.Type {
	case TypeNetpoll:
		return NewNetPoller(dispatch), nil
	case TypeEpoll:
		ep, err := NewEpollPoller(count, dispatch)
		if err != nil {
			return nil, err
		}
		return ep, nil
	case TypeAuto, "":
		ep, err := NewEpollPoller(count, dispatch)
		if err != nil {
			if errors.Is(err, ErrUnsupported) {
				return NewNetPoller(dispatch), nil
			}
			return nil, err
		}
		return &autoPoller{epoll: ep, net: NewNetPoller(dispatch)}, nil
	default:
		return nil, fmt.Errorf("unknown poller type %q", cfg.Type)
	}
}

// takeOwnership moves an owned socket to StateRegistered.
func takeOwnership(sw *socket.Wrapper) bool {
	return sw.Transition(socket.StateProcessing, socket.StateRegistered) ||
		sw.Transition(socket.StateIdle, socket.StateRegistered)
}

// giveBack returns a socket to the caller after a failed registration.
func giveBack(sw *socket.Wrapper) {
	sw.Transition(socket.StateRegistered, socket.StateProcessing)
}

// autoPoller routes plaintext sockets to epoll and the rest to netpoll.
type autoPoller struct {
	epoll Poller
	net   Poller
}

func (a *autoPoller) Start() error {
	if err := a.epoll.Start(); err != nil {
		return err
	}
	return a.net.Start()
}

func (a *autoPoller) Register(sw *socket.Wrapper) error {
	if sw.FD() >= 0 {
		return a.epoll.Register(sw)
	}
	return a.net.Register(sw)
}

func (a *autoPoller) Cancel(sw *socket.Wrapper) bool {
	// Each implementation ignores sockets it never saw
	epollDone := a.epoll.Cancel(sw)
	netDone := a.net.Cancel(sw)
	return epollDone && netDone
}

func (a *autoPoller) Close() error {
	return errors.Join(a.epoll.Close(), a.net.Close())
}

func (a *autoPoller) Name() string { return "auto" }
