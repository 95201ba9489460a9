package valves

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/container"
	"github.com/marmos91/portico/pkg/registry"
)

// RemoteAddrOptions configures the remoteaddr valve.
type RemoteAddrOptions struct {
	// Allow lists permitted CIDRs or addresses. Empty allows everyone not denied.
	Allow []string `mapstructure:"allow"`

	// Deny lists refused CIDRs or addresses. Deny wins over Allow.
	Deny []string `mapstructure:"deny"`

	// Status is sent to refused clients (default 403).
	Status int `mapstructure:"status"`
}

// RemoteAddr filters requests by client address.
type RemoteAddr struct {
	allow  []netip.Prefix
	deny   []netip.Prefix
	status int
}

// NewRemoteAddr creates a remoteaddr valve.
//
// Returns an error if any entry is neither a CIDR nor an address.
func NewRemoteAddr(opts RemoteAddrOptions) (*RemoteAddr, error) {
	allow, err := parsePrefixes(opts.Allow)
	if err != nil {
		return nil, err
	}
	deny, err := parsePrefixes(opts.Deny)
	if err != nil {
		return nil, err
	}
	status := opts.Status
	if status == 0 {
		status = 403
	}
	return &RemoteAddr{allow: allow, deny: deny, status: status}, nil
}

// RemoteAddrFactory builds a remoteaddr valve from params.
func RemoteAddrFactory(params map[string]any) (container.Valve, error) {
	var opts RemoteAddrOptions
	if err := registry.DecodeParams(params, &opts); err != nil {
		return nil, err
	}
	return NewRemoteAddr(opts)
}

// Invoke implements container.Valve.
func (v *RemoteAddr) Invoke(req *container.Request, resp *container.Response, next container.Next) error {
	if !v.Allowed(req.RemoteIP()) {
		logger.Debug("remoteaddr: refusing %s", req.RemoteAddr())
		return resp.SendError(v.status)
	}
	return next(req, resp)
}

// Allowed reports whether ip passes the lists. Unparseable addresses are
// refused.
func (v *RemoteAddr) Allowed(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, p := range v.deny {
		if p.Contains(addr) {
			return false
		}
	}
	if len(v.allow) == 0 {
		return true
	}
	for _, p := range v.allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", e, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
