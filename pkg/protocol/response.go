package protocol

// OutputHook serializes a Response onto the connection. The processor
// implements it and decides the framing at commit time.
type OutputHook interface {
	// Commit writes the status line and headers.
	Commit(resp *Response) error

	// WriteBody writes framed body bytes.
	WriteBody(p []byte) (int, error)

	// Flush pushes buffered output to the connection.
	Flush() error
}

// Response is a protocol response. Status and headers may change freely until
// the response is committed; after that they are frozen.
type Response struct {
	Status int
	Reason string
	Header Headers

	// ContentLength is the declared body length, or -1 when undeclared.
	ContentLength int64

	Hook OutputHook

	committed    bool
	bytesWritten int64
}

// NewResponse returns a Response in its recycled state.
func NewResponse() *Response {
	r := &Response{}
	r.Recycle()
	return r
}

// SetStatus sets the status code. Fails once committed.
func (r *Response) SetStatus(code int) error {
	if r.committed {
		return ErrResponseCommitted
	}
	r.Status = code
	r.Reason = ""
	return nil
}

// SetContentLength declares the body length. Fails once committed.
func (r *Response) SetContentLength(n int64) error {
	if r.committed {
		return ErrResponseCommitted
	}
	r.ContentLength = n
	return nil
}

// IsCommitted reports whether the status line has been handed to the hook.
func (r *Response) IsCommitted() bool { return r.committed }

// BytesWritten returns the body bytes accepted by the hook.
func (r *Response) BytesWritten() int64 { return r.bytesWritten }

// Commit serializes the status line and headers. Idempotent.
func (r *Response) Commit() error {
	if r.committed {
		return nil
	}
	r.committed = true
	r.Header.Freeze(ErrResponseCommitted)
	return r.Hook.Commit(r)
}

// Write commits if needed and writes body bytes.
func (r *Response) Write(p []byte) (int, error) {
	if err := r.Commit(); err != nil {
		return 0, err
	}
	n, err := r.Hook.WriteBody(p)
	r.bytesWritten += int64(n)
	return n, err
}

// Flush commits if needed and flushes buffered output.
func (r *Response) Flush() error {
	if err := r.Commit(); err != nil {
		return err
	}
	return r.Hook.Flush()
}

// Recycle clears every field. The header backing array is kept.
func (r *Response) Recycle() {
	r.Status = 200
	r.Reason = ""
	r.Header.Reset()
	r.ContentLength = -1
	r.Hook = nil
	r.committed = false
	r.bytesWritten = 0
}
