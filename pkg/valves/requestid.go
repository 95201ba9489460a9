// Package valves provides the built-in pipeline valves and their factories.
//
// Every valve is created through a factory that decodes a params map, so the
// same valve can be configured at any container level:
//
//	requestid   assign or propagate a request ID
//	accesslog   record completed requests (logger or badger sink)
//	remoteaddr  allow/deny by client CIDR
//	ratelimit   per-client token bucket
//	errorreport terse bodies for empty error responses
package valves

import (
	"github.com/google/uuid"

	"github.com/marmos91/portico/pkg/container"
	"github.com/marmos91/portico/pkg/registry"
)

// DefaultRequestIDHeader carries the request ID in both directions.
const DefaultRequestIDHeader = "X-Request-Id"

// maxInboundIDLen bounds trusted inbound IDs.
const maxInboundIDLen = 128

// RequestIDOptions configures the requestid valve.
type RequestIDOptions struct {
	// Header names the request and response header.
	Header string `mapstructure:"header"`

	// TrustInbound reuses a well-formed ID sent by the client.
	TrustInbound bool `mapstructure:"trust_inbound"`
}

// RequestID assigns each request an ID and echoes it in the response.
type RequestID struct {
	opts RequestIDOptions
}

// NewRequestID creates a requestid valve.
func NewRequestID(opts RequestIDOptions) *RequestID {
	if opts.Header == "" {
		opts.Header = DefaultRequestIDHeader
	}
	return &RequestID{opts: opts}
}

// RequestIDFactory builds a requestid valve from params.
func RequestIDFactory(params map[string]any) (container.Valve, error) {
	var opts RequestIDOptions
	if err := registry.DecodeParams(params, &opts); err != nil {
		return nil, err
	}
	return NewRequestID(opts), nil
}

// Invoke implements container.Valve.
func (v *RequestID) Invoke(req *container.Request, resp *container.Response, next container.Next) error {
	id := ""
	if v.opts.TrustInbound {
		id = req.Header(v.opts.Header)
		if !validInboundID(id) {
			id = ""
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	req.SetRequestID(id)
	if err := resp.SetHeader(v.opts.Header, id); err != nil {
		return err
	}
	return next(req, resp)
}

func validInboundID(id string) bool {
	if id == "" || len(id) > maxInboundIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c <= ' ' || c >= 0x7f {
			return false
		}
	}
	return true
}
