//go:build linux

package connector

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listen binds the endpoint listener, applying SO_REUSEPORT before bind and
// the configured backlog after it.
func listen(ctx context.Context, addr string, sc SocketConfig) (net.Listener, error) {
	lc := net.ListenConfig{}
	if sc.ReusePort {
		lc.Control = func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		}
	}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if sc.Backlog <= 0 {
		return ln, nil
	}

	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return ln, nil
	}
	rc, err := tl.SyscallConn()
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	// listen(2) on a listening socket only updates its backlog
	var opErr error
	err = rc.Control(func(fd uintptr) {
		opErr = unix.Listen(int(fd), sc.Backlog)
	})
	if err == nil {
		err = opErr
	}
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("set backlog %d: %w", sc.Backlog, err)
	}
	return ln, nil
}
