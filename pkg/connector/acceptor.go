package connector

import (
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/protocol"
	"github.com/marmos91/portico/pkg/socket"
)

// maxAcceptDelay caps the backoff after temporary accept errors (EMFILE and
// friends).
const maxAcceptDelay = time.Second

// acceptLoop blocks in Accept and hands every new connection to the poller.
// It never reads from a connection.
func (e *Endpoint) acceptLoop(id int) {
	logger.Debug("%s acceptor %d started", e.cfg.Name, id)

	var delay time.Duration
	for {
		if e.connSemaphore != nil {
			select {
			case e.connSemaphore <- struct{}{}:
			case <-e.shutdown:
				return
			}
		}

		conn, err := e.listener.Accept()
		if err != nil {
			if e.connSemaphore != nil {
				<-e.connSemaphore
			}

			select {
			case <-e.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			logger.Debug("Error accepting %s connection: %v; retrying in %v", e.cfg.Name, err, delay)

			select {
			case <-time.After(delay):
			case <-e.shutdown:
				return
			}
			continue
		}

		delay = 0
		e.accepted(conn)
	}
}

// accepted wraps a new connection and registers it for its first request.
func (e *Endpoint) accepted(conn net.Conn) {
	e.configureSocket(conn)
	if e.tlsConfig != nil {
		conn = tls.Server(conn, e.tlsConfig)
	}

	sw := socket.NewWrapper(conn, e.sockOpts)
	sw.Attach(&session{proc: e.procPool.Get().(protocol.Processor), pooled: true})

	e.activeConns.Add(1)
	current := e.connCount.Add(1)
	e.connections.Store(sw.ID(), sw)

	e.metrics.RecordConnectionAccepted()
	e.metrics.SetActiveConnections(current)

	logger.Debug("%s connection accepted from %s (active: %d)", e.cfg.Name, sw.RemoteAddr(), current)

	e.register(sw)
}

// configureSocket applies the TCP options. Failures are logged and ignored;
// the connection still works with OS defaults.
func (e *Endpoint) configureSocket(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	sc := e.cfg.Socket

	if err := tc.SetNoDelay(!sc.Nagle); err != nil {
		logger.Debug("%s: set TCP_NODELAY on %s: %v", e.cfg.Name, conn.RemoteAddr(), err)
	}
	if sc.KeepAlivePeriod > 0 {
		if err := tc.SetKeepAlive(true); err == nil {
			_ = tc.SetKeepAlivePeriod(sc.KeepAlivePeriod)
		}
	}
	if sc.ReceiveBuffer > 0 {
		if err := tc.SetReadBuffer(sc.ReceiveBuffer); err != nil {
			logger.Debug("%s: set SO_RCVBUF on %s: %v", e.cfg.Name, conn.RemoteAddr(), err)
		}
	}
	if sc.SendBuffer > 0 {
		if err := tc.SetWriteBuffer(sc.SendBuffer); err != nil {
			logger.Debug("%s: set SO_SNDBUF on %s: %v", e.cfg.Name, conn.RemoteAddr(), err)
		}
	}
}

// connectionClosed undoes the accounting of accepted. Called exactly once per
// connection, by the party that moved it to StateClosed.
func (e *Endpoint) connectionClosed(sw *socket.Wrapper) {
	e.connections.Delete(sw.ID())
	current := e.connCount.Add(-1)
	if e.connSemaphore != nil {
		<-e.connSemaphore
	}

	e.metrics.RecordConnectionClosed()
	e.metrics.SetActiveConnections(current)

	logger.Debug("%s connection closed from %s after %d request(s) (active: %d)",
		e.cfg.Name, sw.RemoteAddr(), sw.Requests(), current)

	e.activeConns.Done()
}
