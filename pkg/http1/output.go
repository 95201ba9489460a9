package http1

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/portico/pkg/protocol"
)

var (
	// ErrContentLengthExceeded is returned when a handler writes more than
	// the declared Content-Length. The connection can not be reused.
	ErrContentLengthExceeded = errors.New("response body exceeds declared Content-Length")

	// ErrContentLengthShort is reported when a response ends before its
	// declared Content-Length.
	ErrContentLengthShort = errors.New("response body shorter than declared Content-Length")
)

// framing is the response body framing chosen at commit.
type framing int

const (
	framingNone framing = iota
	framingFixed
	framingChunked
	framingClose
)

// bodyless reports whether status never carries a body.
func bodyless(status int) bool {
	return (status >= 100 && status < 200) || status == 204 || status == 304
}

// Commit implements protocol.OutputHook. It decides framing and keep-alive
// and writes the status line and headers.
func (p *Processor) Commit(resp *protocol.Response) error {
	sw := p.sw

	if resp.ContentLength < 0 {
		if v := resp.Header.Get("Content-Length"); v != "" {
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && n >= 0 {
				resp.ContentLength = n
			}
		}
	}
	if resp.Header.HasToken("Connection", "close") {
		p.keepAlive = false
	}

	switch {
	case bodyless(resp.Status):
		p.framing = framingNone
	case p.req.Method == "HEAD":
		p.framing = framingNone
	case resp.ContentLength >= 0:
		p.framing = framingFixed
	case p.req.ProtoAtLeast(1, 1):
		p.framing = framingChunked
	default:
		p.framing = framingClose
		p.keepAlive = false
	}
	p.declared = resp.ContentLength
	p.bodyWritten = 0

	reason := resp.Reason
	if reason == "" {
		reason = protocol.StatusText(resp.Status)
	}

	_, _ = sw.WriteString("HTTP/1.1 ")
	_, _ = sw.WriteString(strconv.Itoa(resp.Status))
	_, _ = sw.WriteString(" ")
	_, _ = sw.WriteString(reason)
	_, _ = sw.WriteString("\r\n")

	resp.Header.Each(func(name, value string) bool {
		if serializerOwned(name) {
			return true
		}
		p.writeHeader(name, value)
		return true
	})

	if !resp.Header.Has("Date") {
		p.writeHeader("Date", httpDate())
	}
	if p.cfg.ServerHeader != "" && !resp.Header.Has("Server") {
		p.writeHeader("Server", p.cfg.ServerHeader)
	}

	switch p.framing {
	case framingFixed:
		p.writeHeader("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	case framingChunked:
		p.writeHeader("Transfer-Encoding", "chunked")
	case framingNone:
		if p.req.Method == "HEAD" && resp.ContentLength >= 0 && !bodyless(resp.Status) {
			p.writeHeader("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
		}
	}

	if !p.computeKeepAlive() {
		p.writeHeader("Connection", "close")
	} else if !p.req.ProtoAtLeast(1, 1) {
		p.writeHeader("Connection", "keep-alive")
	}

	_, err := sw.WriteString("\r\n")
	return err
}

// serializerOwned reports whether a handler-set field is replaced by the
// framing decided at commit.
func serializerOwned(name string) bool {
	return strings.EqualFold(name, "Content-Length") ||
		strings.EqualFold(name, "Transfer-Encoding") ||
		strings.EqualFold(name, "Connection")
}

func (p *Processor) writeHeader(name, value string) {
	sw := p.sw
	_, _ = sw.WriteString(name)
	_, _ = sw.WriteString(": ")
	// CR and LF in values would split the response
	if strings.ContainsAny(value, "\r\n") {
		value = strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
	}
	_, _ = sw.WriteString(value)
	_, _ = sw.WriteString("\r\n")
}

// WriteBody implements protocol.OutputHook.
func (p *Processor) WriteBody(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	sw := p.sw

	switch p.framing {
	case framingNone:
		return len(b), nil

	case framingFixed:
		if p.bodyWritten+int64(len(b)) > p.declared {
			p.framingFailed()
			return 0, ErrContentLengthExceeded
		}
		n, err := sw.Write(b)
		p.bodyWritten += int64(n)
		return n, p.writeErr(err)

	case framingChunked:
		_, _ = sw.WriteString(strconv.FormatInt(int64(len(b)), 16))
		_, _ = sw.WriteString("\r\n")
		n, err := sw.Write(b)
		_, _ = sw.WriteString("\r\n")
		p.bodyWritten += int64(n)
		return n, p.writeErr(err)

	default:
		n, err := sw.Write(b)
		p.bodyWritten += int64(n)
		return n, p.writeErr(err)
	}
}

// Flush implements protocol.OutputHook.
func (p *Processor) Flush() error {
	return p.writeErr(p.sw.Flush())
}

func (p *Processor) writeErr(err error) error {
	if err == nil {
		return nil
	}
	p.framingFailed()
	return &protocol.IOError{Op: "write response", Err: err}
}

// finishOutput terminates the body framing and flushes.
func (p *Processor) finishOutput() error {
	var err error
	switch p.framing {
	case framingChunked:
		_, _ = p.sw.WriteString("0\r\n\r\n")
	case framingFixed:
		if p.bodyWritten != p.declared {
			p.framingFailed()
			err = ErrContentLengthShort
		}
	}
	if ferr := p.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// writeInterim writes a 1xx response outside the normal commit path.
func (p *Processor) writeInterim(status int, headers ...string) error {
	sw := p.sw
	_, _ = sw.WriteString("HTTP/1.1 ")
	_, _ = sw.WriteString(strconv.Itoa(status))
	_, _ = sw.WriteString(" ")
	_, _ = sw.WriteString(protocol.StatusText(status))
	_, _ = sw.WriteString("\r\n")
	for i := 0; i+1 < len(headers); i += 2 {
		p.writeHeader(headers[i], headers[i+1])
	}
	_, _ = sw.WriteString("\r\n")
	return p.Flush()
}

// Date header cache, refreshed at most once per second.
var (
	dateMu     sync.Mutex
	dateSecond int64
	dateValue  string
)

func httpDate() string {
	now := time.Now()
	dateMu.Lock()
	defer dateMu.Unlock()
	if sec := now.Unix(); sec != dateSecond {
		dateSecond = sec
		dateValue = now.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	}
	return dateValue
}
