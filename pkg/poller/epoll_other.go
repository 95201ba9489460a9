//go:build !linux

package poller

import (
	"github.com/marmos91/portico/pkg/socket"
)

// EpollPoller is only available on Linux.
type EpollPoller struct{}

// NewEpollPoller always fails with ErrUnsupported outside Linux.
func NewEpollPoller(count int, dispatch Dispatcher) (*EpollPoller, error) {
	return nil, ErrUnsupported
}

func (p *EpollPoller) Name() string                      { return string(TypeEpoll) }
func (p *EpollPoller) Start() error                      { return ErrUnsupported }
func (p *EpollPoller) Register(sw *socket.Wrapper) error { return ErrUnsupported }
func (p *EpollPoller) Cancel(sw *socket.Wrapper) bool    { return true }
func (p *EpollPoller) Close() error                      { return nil }
