//go:build !linux

package connector

import (
	"context"
	"net"

	"github.com/marmos91/portico/internal/logger"
)

// listen binds the endpoint listener. Backlog and SO_REUSEPORT are Linux
// only and ignored here.
func listen(ctx context.Context, addr string, sc SocketConfig) (net.Listener, error) {
	if sc.Backlog > 0 || sc.ReusePort {
		logger.Debug("connector: backlog and reuse_port are ignored on this platform")
	}
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}
