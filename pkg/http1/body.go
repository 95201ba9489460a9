package http1

import (
	"bytes"
	"errors"
	"io"
	"strconv"

	"github.com/marmos91/portico/pkg/protocol"
	"github.com/marmos91/portico/pkg/socket"
)

// errBodyTruncated marks a body that ended before its framing said it would.
var errBodyTruncated = errors.New("request body truncated")

// fill reads more body bytes into the socket buffer, translating failures
// into the error taxonomy.
func fill(sw *socket.Wrapper) error {
	n, err := sw.FillBlocking()
	if err == nil {
		if n == 0 {
			return &protocol.IOError{Op: "read body", Err: io.ErrNoProgress}
		}
		return nil
	}
	switch {
	case socket.IsTimeout(err):
		return &protocol.TimeoutError{Phase: "body read"}
	case socket.IsEOF(err):
		return &protocol.IOError{Op: "read body", Err: errBodyTruncated}
	default:
		return &protocol.IOError{Op: "read body", Err: err}
	}
}

// identityReader delivers exactly remaining bytes.
type identityReader struct {
	p         *Processor
	remaining int64
	err       error
}

func (r *identityReader) reset(p *Processor, n int64) {
	r.p = p
	r.remaining = n
	r.err = nil
}

func (r *identityReader) Read(b []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.remaining == 0 {
		return 0, io.EOF
	}
	if len(b) == 0 {
		return 0, nil
	}
	if err := r.p.Ack100Continue(); err != nil {
		r.err = err
		return 0, err
	}

	sw := r.p.sw
	if len(sw.Buffered()) == 0 {
		if err := fill(sw); err != nil {
			r.err = err
			r.p.framingFailed()
			return 0, err
		}
	}

	data := sw.Buffered()
	if int64(len(data)) > r.remaining {
		data = data[:r.remaining]
	}
	n := copy(b, data)
	sw.Consume(n)
	r.remaining -= int64(n)
	return n, nil
}

// chunkedReader decodes a chunked body. Chunk extensions are ignored and
// trailer fields go to the request's Trailer, never to the body.
type chunkedReader struct {
	p            *Processor
	state        chunkState
	remaining    int64
	trailerBytes int
	err          error
}

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

func (r *chunkedReader) reset(p *Processor) {
	*r = chunkedReader{p: p}
}

func (r *chunkedReader) Read(b []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if err := r.p.Ack100Continue(); err != nil {
		r.err = err
		return 0, err
	}

	for {
		switch r.state {
		case chunkSize:
			line, err := r.readLine(r.p.cfg.MaxChunkLineSize)
			if err != nil {
				return 0, r.fail(err)
			}
			size, err := parseChunkSize(line)
			if err != nil {
				return 0, r.fail(err)
			}
			if size == 0 {
				r.state = chunkTrailer
			} else {
				r.remaining = size
				r.state = chunkData
			}

		case chunkData:
			if r.remaining == 0 {
				r.state = chunkDataEnd
				continue
			}
			if len(b) == 0 {
				return 0, nil
			}
			sw := r.p.sw
			if len(sw.Buffered()) == 0 {
				if err := fill(sw); err != nil {
					return 0, r.fail(err)
				}
			}
			data := sw.Buffered()
			if int64(len(data)) > r.remaining {
				data = data[:r.remaining]
			}
			n := copy(b, data)
			sw.Consume(n)
			r.remaining -= int64(n)
			return n, nil

		case chunkDataEnd:
			line, err := r.readLine(2)
			if err != nil {
				return 0, r.fail(err)
			}
			if len(line) != 0 {
				return 0, r.fail(&protocol.MalformedRequestError{Status: 400, Reason: "missing CRLF after chunk data", State: stateBody.String()})
			}
			r.state = chunkSize

		case chunkTrailer:
			limit := r.p.cfg.MaxTrailerSize - r.trailerBytes
			line, err := r.readLine(max(limit, 2))
			if err != nil {
				return 0, r.fail(err)
			}
			if len(line) == 0 {
				r.state = chunkDone
				continue
			}
			r.trailerBytes += len(line) + 2
			if r.trailerBytes > r.p.cfg.MaxTrailerSize {
				return 0, r.fail(&protocol.RequestTooLargeError{Status: 431, What: "trailer block", Limit: r.p.cfg.MaxTrailerSize, State: stateBody.String()})
			}
			if err := r.addTrailer(line); err != nil {
				return 0, r.fail(err)
			}

		case chunkDone:
			return 0, io.EOF
		}
	}
}

func (r *chunkedReader) fail(err error) error {
	r.err = err
	r.p.framingFailed()
	return err
}

// readLine returns the next line without its terminator. The returned slice
// is only valid until the next read.
func (r *chunkedReader) readLine(limit int) ([]byte, error) {
	sw := r.p.sw
	for {
		data := sw.Buffered()
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			if i > limit+1 {
				return nil, r.lineTooLong()
			}
			line := data[:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			sw.Consume(i + 1)
			return line, nil
		}
		if len(data) > limit+1 {
			return nil, r.lineTooLong()
		}
		if err := fill(sw); err != nil {
			return nil, err
		}
	}
}

func (r *chunkedReader) lineTooLong() error {
	if r.state == chunkTrailer {
		return &protocol.RequestTooLargeError{Status: 431, What: "trailer block", Limit: r.p.cfg.MaxTrailerSize, State: stateBody.String()}
	}
	return &protocol.MalformedRequestError{Status: 400, Reason: "chunk line too long", State: stateBody.String()}
}

func (r *chunkedReader) addTrailer(line []byte) error {
	if line[0] == ' ' || line[0] == '\t' {
		return &protocol.MalformedRequestError{Status: 400, Reason: "obsolete line folding in trailer", State: stateBody.String()}
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return &protocol.MalformedRequestError{Status: 400, Reason: "invalid trailer field", State: stateBody.String()}
	}
	for _, c := range line[:colon] {
		if !isTokenChar(c) {
			return &protocol.MalformedRequestError{Status: 400, Reason: "invalid trailer name", State: stateBody.String()}
		}
	}
	// Trailers live in body scratch space that the next fill reuses, so copy
	return r.p.req.Trailer.Add(string(line[:colon]), string(trimOWS(line[colon+1:])))
}

// parseChunkSize parses the hex size before any ';' extension.
func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = trimOWS(line)
	if len(line) == 0 || len(line) > 16 {
		return 0, &protocol.MalformedRequestError{Status: 400, Reason: "invalid chunk size", State: stateBody.String()}
	}
	for _, c := range line {
		if !isHex(c) {
			return 0, &protocol.MalformedRequestError{Status: 400, Reason: "invalid chunk size", State: stateBody.String()}
		}
	}
	n, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil {
		return 0, &protocol.MalformedRequestError{Status: 400, Reason: "chunk size out of range", State: stateBody.String()}
	}
	return n, nil
}

func isHex(c byte) bool {
	return isDigit(c) || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// swallow discards up to limit unread body bytes.
//
// Returns true when the body was fully consumed and the connection can carry
// another request.
func swallow(body io.Reader, limit int64) bool {
	if body == protocol.NoBody {
		return true
	}
	var scratch [4096]byte
	var total int64
	for {
		n, err := body.Read(scratch[:])
		total += int64(n)
		if err == io.EOF {
			return true
		}
		if err != nil || total > limit {
			return false
		}
	}
}
