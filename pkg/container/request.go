package container

import (
	"context"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/marmos91/portico/pkg/protocol"
)

// Request is the container view of a protocol request. It adds the decoded
// path, the mapping result, request attributes and async support.
//
// Request objects are pooled by the adapter and recycled after the response
// completes; valves must not keep references past that point.
type Request struct {
	proto *protocol.Request
	resp  *Response
	ctx   context.Context

	path     string
	rawQuery string
	query    url.Values

	requestID string
	attrs     map[string]any
	mapping   MappingData
	async     *AsyncContext
}

// NewRequest returns an unbound Request.
func NewRequest() *Request {
	return &Request{ctx: context.Background()}
}

// Bind attaches r to a protocol request and its paired response.
//
// Parameters:
//   - pr: the protocol request being served
//   - resp: the container response for the same exchange
//   - path: the normalized, decoded path
//   - rawQuery: the query string without the '?'
func (r *Request) Bind(ctx context.Context, pr *protocol.Request, resp *Response, path, rawQuery string) {
	r.ctx = ctx
	r.proto = pr
	r.resp = resp
	r.path = path
	r.rawQuery = rawQuery
}

// Recycle clears r for reuse.
func (r *Request) Recycle() {
	r.proto = nil
	r.resp = nil
	r.ctx = context.Background()
	r.path = ""
	r.rawQuery = ""
	r.query = nil
	r.requestID = ""
	clear(r.attrs)
	r.mapping.Reset()
	r.async = nil
}

// Protocol returns the underlying protocol request.
func (r *Request) Protocol() *protocol.Request { return r.proto }

// Context returns the request context.
func (r *Request) Context() context.Context { return r.ctx }

// SetContext replaces the request context.
func (r *Request) SetContext(ctx context.Context) { r.ctx = ctx }

func (r *Request) Method() string { return r.proto.Method }
func (r *Request) Target() string { return r.proto.Target }
func (r *Request) Proto() string  { return r.proto.Proto() }

// Path returns the normalized, percent-decoded request path.
func (r *Request) Path() string { return r.path }

// RawQuery returns the query string without the leading '?'.
func (r *Request) RawQuery() string { return r.rawQuery }

// Query returns the parsed query parameters. Malformed pairs are skipped.
func (r *Request) Query() url.Values {
	if r.query == nil {
		r.query, _ = url.ParseQuery(r.rawQuery)
	}
	return r.query
}

// Header returns the first value of the named request header.
func (r *Request) Header(name string) string { return r.proto.Header.Get(name) }

// Headers returns the request header collection. Once the request enters
// the pipeline it is read-only and mutations return ErrHeadersReadOnly.
func (r *Request) Headers() *protocol.Headers { return &r.proto.Header }

// SetHeader replaces a request header.
func (r *Request) SetHeader(name, value string) error {
	return r.proto.Header.Set(name, value)
}

// Trailer returns the trailer fields, populated after a chunked body has
// been read to the end.
func (r *Request) Trailer() *protocol.Headers { return &r.proto.Trailer }

// Body returns the request payload.
func (r *Request) Body() io.Reader { return r.proto.Body }

// ContentLength returns the declared body length, or -1.
func (r *Request) ContentLength() int64 { return r.proto.ContentLength }

// RemoteAddr returns the peer address as host:port.
func (r *Request) RemoteAddr() string { return r.proto.RemoteAddr }

// RemoteIP returns the peer address without the port.
func (r *Request) RemoteIP() string {
	host, _, err := net.SplitHostPort(r.proto.RemoteAddr)
	if err != nil {
		return r.proto.RemoteAddr
	}
	return host
}

// ConnID identifies the connection carrying the request.
func (r *Request) ConnID() string { return r.proto.ConnID }

// StartTime is when the request head was parsed.
func (r *Request) StartTime() time.Time { return r.proto.StartTime }

func (r *Request) RequestID() string      { return r.requestID }
func (r *Request) SetRequestID(id string) { r.requestID = id }

// Attribute returns a request-scoped value set by an earlier valve.
func (r *Request) Attribute(name string) any { return r.attrs[name] }

// SetAttribute stores a request-scoped value.
func (r *Request) SetAttribute(name string, v any) {
	if r.attrs == nil {
		r.attrs = make(map[string]any)
	}
	r.attrs[name] = v
}

// RemoveAttribute deletes a request-scoped value.
func (r *Request) RemoveAttribute(name string) { delete(r.attrs, name) }

// Mapping returns the mapping result filled by the adapter.
func (r *Request) Mapping() *MappingData { return &r.mapping }

// ContextPath returns the mapped context path.
func (r *Request) ContextPath() string { return r.mapping.ContextPath }

// PathInfo returns the path remainder after a prefix wrapper match.
func (r *Request) PathInfo() string { return r.mapping.PathInfo }

// StartAsync suspends the request. After the pipeline returns the worker is
// released and the response stays open until the returned context completes
// or times out.
//
// Returns an error if the request is already async or the protocol does not
// support async processing.
func (r *Request) StartAsync() (*AsyncContext, error) {
	if err := r.proto.Hook.StartAsync(); err != nil {
		return nil, err
	}
	if r.async == nil {
		r.async = &AsyncContext{req: r, resp: r.resp}
	}
	return r.async, nil
}

// AsyncContext returns the context created by StartAsync, or nil.
func (r *Request) AsyncContext() *AsyncContext { return r.async }

// IsAsyncStarted reports whether the request is suspended or resuming.
func (r *Request) IsAsyncStarted() bool {
	return r.async != nil && r.proto.Hook.IsAsync()
}
