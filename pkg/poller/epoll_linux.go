//go:build linux

package poller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/socket"
	"golang.org/x/sys/unix"
)

const (
	maxEvents = 256

	// One-shot: an event disarms the descriptor until the next Register, so a
	// socket is never dispatched twice for the same readiness.
	readEvents = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLONESHOT
)

// registration ties a descriptor number to the wrapper that owns it right
// now. gen is echoed in the event payload so that an event for a closed
// descriptor can not be mistaken for its reuse by a new connection.
type registration struct {
	sw  *socket.Wrapper
	gen uint32
}

// EpollPoller runs Count epoll instances, each with its own goroutine.
// Sockets are spread across instances round-robin at first registration and
// stay on that instance for their lifetime.
type EpollPoller struct {
	instances []*epollInstance
	next      atomic.Uint32
	gen       atomic.Uint32
	dispatch  Dispatcher
	closed    atomic.Bool

	// mu orders Start against Close so a loop never starts on released
	// descriptors.
	mu      sync.Mutex
	started bool
}

type epollInstance struct {
	index    int
	epfd     int
	wakefd   int
	sockets  sync.Map // fd -> *registration
	dispatch Dispatcher
	closing  atomic.Bool
	done     chan struct{}
}

// NewEpollPoller creates count epoll instances.
func NewEpollPoller(count int, dispatch Dispatcher) (*EpollPoller, error) {
	if count < 1 {
		count = 1
	}
	p := &EpollPoller{dispatch: dispatch}

	for i := 0; i < count; i++ {
		inst, err := newEpollInstance(i, dispatch)
		if err != nil {
			for _, created := range p.instances {
				created.release()
			}
			return nil, err
		}
		p.instances = append(p.instances, inst)
	}
	return p, nil
}

func newEpollInstance(index int, dispatch Dispatcher) (*epollInstance, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add eventfd: %w", err)
	}

	return &epollInstance{
		index:    index,
		epfd:     epfd,
		wakefd:   wakefd,
		dispatch: dispatch,
		done:     make(chan struct{}),
	}, nil
}

// Name returns "epoll".
func (p *EpollPoller) Name() string { return string(TypeEpoll) }

// Start launches one goroutine per epoll instance.
func (p *EpollPoller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return ErrClosed
	}
	if p.started {
		return nil
	}
	p.started = true
	for _, inst := range p.instances {
		go inst.loop()
	}
	logger.Debug("epoll: started %d poller(s)", len(p.instances))
	return nil
}

// Register arms sw for one read event.
//
// The socket is moved to StateRegistered before the descriptor is armed, so
// an event that fires immediately always finds it registered.
func (p *EpollPoller) Register(sw *socket.Wrapper) error {
	if p.closed.Load() {
		return ErrClosed
	}
	fd := sw.FD()
	if fd < 0 {
		return ErrUnsupported
	}

	if !sw.Poll.Armed {
		sw.Poll.Index = int(p.next.Add(1)-1) % len(p.instances)
		sw.Poll.Token = &registration{sw: sw, gen: p.gen.Add(1)}
	}
	inst := p.instances[sw.Poll.Index]
	reg := sw.Poll.Token.(*registration)

	if !takeOwnership(sw) {
		return ErrNotOwned
	}

	ev := unix.EpollEvent{Events: readEvents, Fd: int32(fd), Pad: int32(reg.gen)}

	var err error
	if sw.Poll.Armed {
		err = unix.EpollCtl(inst.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		if errors.Is(err, unix.ENOENT) {
			err = unix.EpollCtl(inst.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
		}
	} else {
		inst.sockets.Store(fd, reg)
		err = unix.EpollCtl(inst.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	if err != nil {
		inst.sockets.CompareAndDelete(fd, reg)
		giveBack(sw)
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}

	sw.Poll.Armed = true
	return nil
}

// Cancel removes sw from its epoll instance. The epoll goroutine never
// touches socket buffers, so this always returns true.
func (p *EpollPoller) Cancel(sw *socket.Wrapper) bool {
	reg, ok := sw.Poll.Token.(*registration)
	if !ok || !sw.Poll.Armed {
		return true
	}
	inst := p.instances[sw.Poll.Index]
	fd := sw.FD()

	if inst.sockets.CompareAndDelete(fd, reg) {
		// Fails harmlessly if the descriptor is already closed
		_ = unix.EpollCtl(inst.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	sw.Poll.Armed = false
	return true
}

// Close wakes every epoll goroutine, waits for them and releases the
// descriptors. Registered sockets are left to the connector. A poller that
// was never started only releases its descriptors.
func (p *EpollPoller) Close() error {
	p.mu.Lock()
	if !p.closed.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return nil
	}
	started := p.started
	p.mu.Unlock()

	if started {
		for _, inst := range p.instances {
			inst.wake()
		}
	}
	for _, inst := range p.instances {
		if started {
			<-inst.done
		}
		inst.release()
	}
	return nil
}

func (i *epollInstance) wake() {
	i.closing.Store(true)
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(i.wakefd, one[:])
}

func (i *epollInstance) release() {
	_ = unix.Close(i.wakefd)
	_ = unix.Close(i.epfd)
}

func (i *epollInstance) loop() {
	defer close(i.done)

	events := make([]unix.EpollEvent, maxEvents)
	var drain [8]byte

	for {
		n, err := unix.EpollWait(i.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logger.Error("epoll[%d]: wait failed: %v", i.index, err)
			return
		}

		for k := 0; k < n; k++ {
			ev := &events[k]
			fd := int(ev.Fd)

			if fd == i.wakefd {
				_, _ = unix.Read(i.wakefd, drain[:])
				continue
			}

			v, ok := i.sockets.Load(fd)
			if !ok {
				continue
			}
			reg := v.(*registration)
			if reg.gen != uint32(ev.Pad) {
				// Event for a previous connection that used this descriptor
				continue
			}

			sw := reg.sw
			if !sw.Transition(socket.StateRegistered, socket.StateProcessing) {
				// Closed by a timeout or shutdown after the event fired
				continue
			}

			kind := socket.EventRead
			if ev.Events&unix.EPOLLERR != 0 {
				kind = socket.EventError
			}
			sw.SetReadable()
			i.dispatch(sw, kind)
		}

		if i.closing.Load() {
			return
		}
	}
}
