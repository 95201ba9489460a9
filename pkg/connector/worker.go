package connector

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/executor"
	"github.com/marmos91/portico/pkg/poller"
	"github.com/marmos91/portico/pkg/protocol"
	"github.com/marmos91/portico/pkg/socket"
)

// cannedUnavailable is written when no worker can take a ready connection.
const cannedUnavailable = "HTTP/1.1 503 Service Unavailable\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Length: 20\r\n" +
	"Connection: close\r\n" +
	"\r\n" +
	"Service Unavailable\n"

// session is the per-connection state attached to a socket.
type session struct {
	proc protocol.Processor

	// pooled is false once an upgrade replaced the HTTP processor
	pooled bool
}

// register hands an owned socket to the poller under a keep-alive deadline.
// The socket is closed instead when the endpoint is shutting down or the
// poller refuses it.
func (e *Endpoint) register(sw *socket.Wrapper) {
	if e.stopping.Load() {
		e.closeSocket(sw)
		return
	}

	e.sweeper.Track(sw, e.cfg.Timeouts.KeepAlive, func() { e.expire(sw) })
	if err := e.poller.Register(sw); err != nil {
		e.sweeper.Untrack(sw)
		if !errors.Is(err, poller.ErrClosed) {
			logger.Debug("%s: cannot register %s: %v", e.cfg.Name, sw.RemoteAddr(), err)
		}
		e.closeSocket(sw)
		return
	}

	// closeIdle may have run between the first check and the registration
	if e.stopping.Load() && sw.Transition(socket.StateRegistered, socket.StateClosed) {
		e.finish(sw, true)
	}
}

// dispatch is the poller's Dispatcher. It never blocks: a full executor
// turns into a canned 503 written from a short-lived goroutine.
func (e *Endpoint) dispatch(sw *socket.Wrapper, ev socket.Event) {
	e.sweeper.Untrack(sw)
	if err := e.executor.TrySubmit(func() { e.process(sw, ev) }); err != nil {
		go e.reject(sw, err)
	}
}

// process is the executor task: run the processor, then act on the state it
// returns until the socket is handed off or closed.
func (e *Endpoint) process(sw *socket.Wrapper, ev socket.Event) {
	s := sw.Attachment().(*session)

	for {
		state, err := s.proc.Process(e.requestCtx, sw, ev)
		if err != nil {
			logger.Debug("%s: %s on %s: %v", e.cfg.Name, state, sw.RemoteAddr(), err)
		}

		switch state {
		case protocol.Open:
			e.register(sw)
			return

		case protocol.Long:
			pending, ok := sw.Park()
			if !ok {
				return
			}
			// An async event arrived before the socket was parked
			ev = pending

		case protocol.Upgrading:
			if !e.upgrade(sw, s) {
				e.closeSocket(sw)
				return
			}
			// Bytes pipelined after the upgrade request belong to the new protocol
			ev = socket.EventRead

		default:
			e.closeSocket(sw)
			return
		}
	}
}

// upgrade replaces the HTTP processor with the one for its UpgradeToken.
func (e *Endpoint) upgrade(sw *socket.Wrapper, s *session) bool {
	token := s.proc.UpgradeToken()
	u, ok := e.byToken[strings.ToLower(token)]
	if !ok {
		logger.Warn("%s: %s asked for unknown protocol %q", e.cfg.Name, sw.RemoteAddr(), token)
		return false
	}

	e.recycle(s)
	s.proc = u.NewProcessor(e.env)
	s.pooled = false
	logger.Debug("%s: %s now speaks %s", e.cfg.Name, sw.RemoteAddr(), token)
	return true
}

// reject answers a connection no worker could take and closes it.
func (e *Endpoint) reject(sw *socket.Wrapper, cause error) {
	e.metrics.RecordRejection()

	s, _ := sw.Attachment().(*session)
	if errors.Is(cause, executor.ErrRejected) && s != nil && s.pooled {
		logger.Warn("%s: executor full, rejecting %s", e.cfg.Name, sw.RemoteAddr())

		// Drain what the poller saw so the close does not reset the 503
		_, _ = sw.FillReady()
		if err := sw.WriteDirect([]byte(cannedUnavailable), e.cfg.Timeouts.Reject); err != nil {
			logger.Debug("%s: 503 to %s failed: %v", e.cfg.Name, sw.RemoteAddr(), err)
		}
	} else {
		logger.Debug("%s: dropping %s: %v", e.cfg.Name, sw.RemoteAddr(), cause)
	}
	e.closeSocket(sw)
}

// expire closes a connection whose keep-alive deadline passed while it
// waited in the poller. Runs on the sweeper goroutine.
func (e *Endpoint) expire(sw *socket.Wrapper) {
	if !sw.Transition(socket.StateRegistered, socket.StateClosed) {
		return
	}
	logger.Debug("%s: closing idle connection %s", e.cfg.Name, sw.RemoteAddr())
	e.finish(sw, true)
}

// closeSocket closes a socket the caller owns.
func (e *Endpoint) closeSocket(sw *socket.Wrapper) {
	if sw.MarkClosed() {
		e.finish(sw, true)
	}
}

// drop closes an owned socket whose processor may still be referenced by
// application goroutines, so the processor is not reused.
func (e *Endpoint) drop(sw *socket.Wrapper) {
	if sw.MarkClosed() {
		e.finish(sw, false)
	}
}

// finish tears down a socket after the caller moved it to StateClosed.
//
// recycle returns the HTTP processor to the pool. It must be false when the
// processor may still be touched by an async request.
func (e *Endpoint) finish(sw *socket.Wrapper, recycle bool) {
	// Read before Close: a netpoll waiter may release the socket once it wakes
	s, _ := sw.Attachment().(*session)

	e.sweeper.Untrack(sw)
	released := e.poller.Cancel(sw)
	if err := sw.Close(); err != nil && !socket.IsEOF(err) {
		logger.Debug("%s: close %s: %v", e.cfg.Name, sw.RemoteAddr(), err)
	}

	if recycle && s != nil {
		e.recycle(s)
	}
	if released {
		sw.Release()
	}
	e.connectionClosed(sw)
}

func (e *Endpoint) recycle(s *session) {
	if !s.pooled {
		return
	}
	s.proc.Recycle()
	e.procPool.Put(s.proc)
	s.proc = nil
	s.pooled = false
}

// controller is the protocol.Controller view of an endpoint.
type controller struct {
	e *Endpoint
}

// Dispatch schedules ev for a parked socket. When the socket is still being
// processed, the event is queued and picked up by Park.
func (c controller) Dispatch(sw *socket.Wrapper, ev socket.Event) error {
	if !sw.Resume(ev) {
		return nil
	}

	e := c.e
	task := func() { e.process(sw, ev) }

	err := e.executor.TrySubmit(task)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, executor.ErrRejected):
		// The resume owns a suspended request; wait for space off the caller
		go func() {
			if err := e.executor.Submit(context.Background(), task); err != nil {
				logger.Warn("%s: cannot resume %s: %v", e.cfg.Name, sw.RemoteAddr(), err)
				e.drop(sw)
			}
		}()
		return nil
	default:
		e.drop(sw)
		return err
	}
}

// ScheduleTimeout implements protocol.Controller.
func (c controller) ScheduleTimeout(key any, d time.Duration, fn func()) {
	c.e.sweeper.Track(key, d, fn)
}

// CancelTimeout implements protocol.Controller.
func (c controller) CancelTimeout(key any) {
	c.e.sweeper.Untrack(key)
}

// ShuttingDown implements protocol.Controller.
func (c controller) ShuttingDown() bool {
	return c.e.stopping.Load()
}
