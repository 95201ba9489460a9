package protocol

import (
	"fmt"
	"io"
	"time"
)

// Note slots reserved on Request for the adapter.
const (
	NoteContainerRequest = iota
	NoteContainerResponse
	noteSlots
)

// ActionHook lets the container layer act on the connection that carries a
// request, without knowing the protocol. The processor implements it.
type ActionHook interface {
	// StartAsync suspends the request: once the pipeline returns, the worker
	// is released and the response stays open.
	StartAsync() error

	// AsyncDispatch runs fn on a worker inside the pipeline error boundary.
	AsyncDispatch(fn func()) error

	// AsyncComplete finishes a suspended request.
	AsyncComplete() error

	// AsyncError finishes a suspended request with an application error.
	AsyncError(err error) error

	// SetAsyncTimeout replaces the async deadline. Zero disables it.
	SetAsyncTimeout(d time.Duration)

	// IsAsync reports whether the request is suspended or resuming.
	IsAsync() bool

	// Ack100Continue sends an interim 100 response if the client asked for one
	// and it has not been sent yet.
	Ack100Continue() error
}

// Request is a parsed protocol request. It is owned by one processor and
// recycled between requests on the same connection.
type Request struct {
	Method     string
	Target     string
	ProtoMajor int
	ProtoMinor int

	Header  Headers
	Trailer Headers

	// ContentLength is -1 when unknown (chunked or absent on a request with a body).
	ContentLength int64
	Chunked       bool

	// Body delivers exactly the payload, without framing. Never nil.
	Body io.Reader

	RemoteAddr string
	ConnID     string
	StartTime  time.Time

	// Hook is set by the processor before the request reaches the adapter.
	Hook ActionHook

	notes [noteSlots]any
}

// NewRequest returns a Request in its recycled state.
func NewRequest() *Request {
	r := &Request{}
	r.Recycle()
	return r
}

// Proto returns the protocol string ("HTTP/1.1").
func (r *Request) Proto() string {
	return fmt.Sprintf("HTTP/%d.%d", r.ProtoMajor, r.ProtoMinor)
}

// ProtoAtLeast reports whether the request version is at least major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major || (r.ProtoMajor == major && r.ProtoMinor >= minor)
}

// Note returns the value stored in slot.
func (r *Request) Note(slot int) any { return r.notes[slot] }

// SetNote stores v in slot.
func (r *Request) SetNote(slot int, v any) { r.notes[slot] = v }

// Recycle clears every field. The header backing arrays are kept.
func (r *Request) Recycle() {
	r.Method = ""
	r.Target = ""
	r.ProtoMajor = 0
	r.ProtoMinor = 0
	r.Header.Reset()
	r.Trailer.Reset()
	r.ContentLength = -1
	r.Chunked = false
	r.Body = NoBody
	r.RemoteAddr = ""
	r.ConnID = ""
	r.StartTime = time.Time{}
	r.Hook = nil
	clear(r.notes[:])
}

// NoBody is an empty body reader.
var NoBody io.Reader = noBody{}

type noBody struct{}

func (noBody) Read([]byte) (int, error) { return 0, io.EOF }
