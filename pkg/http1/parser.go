package http1

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/marmos91/portico/pkg/protocol"
)

// parseState names where the parser was when it stopped. It appears in
// server-side logs of rejected requests.
type parseState int

const (
	stateStartLine parseState = iota
	stateHeaders
	stateBody
	stateComplete
	stateError
)

func (s parseState) String() string {
	switch s {
	case stateStartLine:
		return "START_LINE"
	case stateHeaders:
		return "HEADERS"
	case stateBody:
		return "BODY"
	case stateComplete:
		return "COMPLETE"
	case stateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// headScanner finds the end of a request head across partial reads. It only
// records offsets, so nothing references the buffer until the head is
// complete and parsed in one pass.
type headScanner struct {
	state     parseState
	off       int // scan position
	lineStart int // start of the line being scanned
	lineEnd   int // end of the request line (after LF), 0 until found
	headLen   int // total head length once complete
}

func (s *headScanner) reset() {
	*s = headScanner{}
}

// started reports whether any byte of a request has been seen.
func (s *headScanner) started() bool {
	return s.off > 0
}

// scan advances over data. Returns true once the blank line ending the head
// has been found.
func (s *headScanner) scan(data []byte, cfg *Config) (bool, error) {
	for s.off < len(data) {
		i := bytes.IndexByte(data[s.off:], '\n')
		if i < 0 {
			s.off = len(data)
			break
		}
		nl := s.off + i
		s.off = nl + 1

		if s.lineEnd == 0 {
			if nl > cfg.MaxRequestLineSize {
				return false, s.tooLarge(414, "request line", cfg.MaxRequestLineSize)
			}
			s.lineEnd = s.off
			s.lineStart = s.off
			s.state = stateHeaders
			continue
		}

		blank := nl == s.lineStart || (nl == s.lineStart+1 && data[s.lineStart] == '\r')
		if blank {
			s.headLen = s.off
			s.state = stateComplete
			return true, nil
		}
		if s.off-s.lineEnd > cfg.MaxHeaderSize {
			return false, s.tooLarge(431, "header block", cfg.MaxHeaderSize)
		}
		s.lineStart = s.off
	}

	// Partial line: enforce limits before waiting for more bytes
	if s.lineEnd == 0 {
		if len(data) > cfg.MaxRequestLineSize {
			return false, s.tooLarge(414, "request line", cfg.MaxRequestLineSize)
		}
	} else if len(data)-s.lineEnd > cfg.MaxHeaderSize {
		return false, s.tooLarge(431, "header block", cfg.MaxHeaderSize)
	}
	return false, nil
}

func (s *headScanner) tooLarge(status int, what string, limit int) error {
	state := s.state
	s.state = stateError
	return &protocol.RequestTooLargeError{
		Status: status,
		What:   what,
		Limit:  limit,
		State:  state.String(),
		Offset: s.off,
	}
}

// headParser turns a complete head into a protocol.Request.
type headParser struct {
	cfg   *Config
	state parseState
	off   int
}

func (p *headParser) malformed(status int, reason string) error {
	return &protocol.MalformedRequestError{
		Status: status,
		Reason: reason,
		State:  p.state.String(),
		Offset: p.off,
	}
}

// parse fills req from head, which spans the request line through the blank
// line. Header values alias head.
func (p *headParser) parse(head []byte, lineEnd int, req *protocol.Request) error {
	p.state = stateStartLine
	p.off = 0

	line, err := p.trimEOL(head[:lineEnd])
	if err != nil {
		return err
	}
	if err := p.parseRequestLine(line, req); err != nil {
		return err
	}

	p.state = stateHeaders
	p.off = lineEnd
	count := 0

	for p.off < len(head) {
		i := bytes.IndexByte(head[p.off:], '\n')
		raw := head[p.off : p.off+i+1]
		line, err := p.trimEOL(raw)
		if err != nil {
			return err
		}
		if len(line) == 0 {
			p.off += len(raw)
			break
		}

		if line[0] == ' ' || line[0] == '\t' {
			return p.malformed(400, "obsolete line folding")
		}

		count++
		if count > p.cfg.MaxHeaderCount {
			return &protocol.RequestTooLargeError{
				Status: 431,
				What:   "header count",
				Limit:  p.cfg.MaxHeaderCount,
				State:  p.state.String(),
				Offset: p.off,
			}
		}

		name, value, err := p.splitField(line)
		if err != nil {
			return err
		}
		if err := req.Header.AddRaw(name, value); err != nil {
			return err
		}
		p.off += len(raw)
	}
	return nil
}

func (p *headParser) trimEOL(line []byte) ([]byte, error) {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
		if n > 0 && line[n-1] == '\r' {
			n--
		} else if p.cfg.Headers.RejectBareLF {
			return nil, p.malformed(400, "bare LF line ending")
		}
	}
	if bytes.IndexByte(line[:n], '\r') >= 0 {
		return nil, p.malformed(400, "stray CR")
	}
	return line[:n], nil
}

func (p *headParser) parseRequestLine(line []byte, req *protocol.Request) error {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return p.malformed(400, "missing method")
	}
	rest := line[sp1+1:]
	sp2 := bytes.IndexByte(rest, ' ')
	if sp2 < 0 {
		return p.malformed(400, "missing protocol version")
	}
	method, target, version := line[:sp1], rest[:sp2], rest[sp2+1:]

	for _, c := range method {
		if !isTokenChar(c) {
			return p.malformed(400, "invalid method")
		}
	}
	if len(target) == 0 {
		return p.malformed(400, "empty request target")
	}
	for _, c := range target {
		if c <= ' ' || c == 0x7f {
			return p.malformed(400, "invalid request target")
		}
	}

	major, minor, ok := parseVersion(version)
	if !ok {
		return p.malformed(400, "invalid protocol version")
	}
	if major != 1 || minor > 1 {
		return p.malformed(505, "unsupported protocol version")
	}

	req.Method = string(method)
	req.Target = string(target)
	req.ProtoMajor = major
	req.ProtoMinor = minor
	return nil
}

func (p *headParser) splitField(line []byte) ([]byte, []byte, error) {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		return nil, nil, p.malformed(400, "header field without colon")
	}
	if colon == 0 {
		return nil, nil, p.malformed(400, "empty header name")
	}
	name := line[:colon]
	for _, c := range name {
		if !isTokenChar(c) {
			// Includes whitespace between name and colon
			return nil, nil, p.malformed(400, "invalid header name")
		}
	}

	value := trimOWS(line[colon+1:])
	for _, c := range value {
		if (c < ' ' && c != '\t') || c == 0x7f {
			return nil, nil, p.malformed(400, "control character in header value")
		}
	}
	return name, value, nil
}

// parseVersion accepts exactly "HTTP/" DIGIT "." DIGIT.
func parseVersion(v []byte) (int, int, bool) {
	if len(v) != 8 || string(v[:5]) != "HTTP/" || v[6] != '.' {
		return 0, 0, false
	}
	if !isDigit(v[5]) || !isDigit(v[7]) {
		return 0, 0, false
	}
	return int(v[5] - '0'), int(v[7] - '0'), true
}

// parseContentLength validates every Content-Length value and returns the
// agreed length. Comma-separated lists count as repeated fields.
func parseContentLength(values []string, rejectDuplicates bool, state string) (int64, error) {
	length := int64(-1)
	seen := 0
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" || !allDigits(part) {
				return 0, &protocol.MalformedRequestError{Status: 400, Reason: "invalid Content-Length", State: state}
			}
			n, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return 0, &protocol.MalformedRequestError{Status: 400, Reason: "Content-Length out of range", State: state}
			}
			seen++
			if length >= 0 && n != length {
				return 0, &protocol.ProtocolViolationError{Reason: "conflicting Content-Length values", State: state}
			}
			length = n
		}
	}
	if seen > 1 && rejectDuplicates {
		return 0, &protocol.MalformedRequestError{Status: 400, Reason: "duplicate Content-Length", State: state}
	}
	return length, nil
}

func trimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

// isTokenChar reports whether c is an RFC 9110 tchar.
func isTokenChar(c byte) bool {
	if c >= 0x80 {
		return false
	}
	return tokenTable[c]
}

var tokenTable = func() [128]bool {
	var t [128]bool
	for c := '0'; c <= '9'; c++ {
		t[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		t[c] = true
	}
	for _, c := range "!#$%&'*+-.^_`|~" {
		t[c] = true
	}
	return t
}()
