package container

import (
	"strconv"

	"github.com/marmos91/portico/pkg/protocol"
)

// DefaultOutputBufferSize is the body buffer of a Response.
const DefaultOutputBufferSize = 8 * 1024

// Response is the container view of a protocol response.
//
// Body bytes are buffered up to the output buffer size so that status and
// headers stay mutable, and a Content-Length can be computed, for small
// responses. The response commits when the buffer overflows, on Flush, or
// when the adapter finishes the request.
type Response struct {
	proto   *protocol.Response
	buf     []byte
	bufSize int
}

// NewResponse returns an unbound Response with the given buffer size.
func NewResponse(bufSize int) *Response {
	if bufSize <= 0 {
		bufSize = DefaultOutputBufferSize
	}
	return &Response{bufSize: bufSize, buf: make([]byte, 0, bufSize)}
}

// Bind attaches r to a protocol response.
func (r *Response) Bind(pr *protocol.Response) {
	r.proto = pr
	r.buf = r.buf[:0]
}

// Recycle clears r for reuse.
func (r *Response) Recycle() {
	r.proto = nil
	r.buf = r.buf[:0]
}

// Protocol returns the underlying protocol response.
func (r *Response) Protocol() *protocol.Response { return r.proto }

func (r *Response) Status() int { return r.proto.Status }

// SetStatus sets the status code. Fails once committed.
func (r *Response) SetStatus(code int) error { return r.proto.SetStatus(code) }

// Header returns the first value of the named response header.
func (r *Response) Header(name string) string { return r.proto.Header.Get(name) }

// Headers returns the response header collection. It is frozen at commit.
func (r *Response) Headers() *protocol.Headers { return &r.proto.Header }

func (r *Response) SetHeader(name, value string) error { return r.proto.Header.Set(name, value) }
func (r *Response) AddHeader(name, value string) error { return r.proto.Header.Add(name, value) }
func (r *Response) DelHeader(name string) error        { return r.proto.Header.Del(name) }

// SetContentLength declares the body length. Fails once committed.
func (r *Response) SetContentLength(n int64) error { return r.proto.SetContentLength(n) }

// IsCommitted reports whether the status line reached the protocol layer.
func (r *Response) IsCommitted() bool { return r.proto.IsCommitted() }

// BytesWritten returns body bytes accepted so far, buffered or sent.
func (r *Response) BytesWritten() int64 {
	return r.proto.BytesWritten() + int64(len(r.buf))
}

// Write buffers p, committing and draining the buffer when it would
// overflow.
func (r *Response) Write(p []byte) (int, error) {
	if len(r.buf)+len(p) <= r.bufSize {
		r.buf = append(r.buf, p...)
		return len(p), nil
	}
	if err := r.drain(); err != nil {
		return 0, err
	}
	if len(p) <= r.bufSize {
		r.buf = append(r.buf, p...)
		return len(p), nil
	}
	return r.proto.Write(p)
}

// WriteString is Write for strings.
func (r *Response) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// Flush commits the response and pushes buffered bytes to the client.
func (r *Response) Flush() error {
	if err := r.drain(); err != nil {
		return err
	}
	return r.proto.Flush()
}

// Reset discards status, headers and buffered body.
//
// Returns ErrResponseCommitted once the status line has been written.
func (r *Response) Reset() error {
	if r.proto.IsCommitted() {
		return protocol.ErrResponseCommitted
	}
	r.proto.Status = 200
	r.proto.Reason = ""
	r.proto.Header.Reset()
	r.proto.ContentLength = -1
	r.buf = r.buf[:0]
	return nil
}

// SendError replaces the response with a short text/plain error page.
//
// Returns ErrResponseCommitted once the status line has been written.
func (r *Response) SendError(code int) error {
	if err := r.Reset(); err != nil {
		return err
	}
	body := strconv.Itoa(code) + " " + protocol.StatusText(code) + "\n"
	_ = r.proto.SetStatus(code)
	_ = r.proto.Header.Set("Content-Type", "text/plain; charset=utf-8")
	_ = r.proto.Header.Set("X-Content-Type-Options", "nosniff")
	r.buf = append(r.buf, body...)
	return nil
}

// Finish drains the buffer. When the response is still uncommitted and no
// length was declared, the buffered size becomes the Content-Length.
func (r *Response) Finish() error {
	if !r.proto.IsCommitted() && r.proto.ContentLength < 0 {
		_ = r.proto.SetContentLength(int64(len(r.buf)))
	}
	if err := r.drain(); err != nil {
		return err
	}
	return r.proto.Commit()
}

func (r *Response) drain() error {
	if len(r.buf) == 0 {
		return r.proto.Commit()
	}
	_, err := r.proto.Write(r.buf)
	r.buf = r.buf[:0]
	return err
}
