package http1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/portico/pkg/protocol"
)

func TestHeadScannerAcrossPartialReads(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	full := []byte("GET /x HTTP/1.1\r\nHost: a\r\nAccept: */*\r\n\r\nBODY")
	var s headScanner

	for n := 1; n <= len(full); n++ {
		done, err := s.scan(full[:n], &cfg)
		require.NoError(t, err)
		if done {
			assert.Equal(t, len(full)-len("BODY"), s.headLen)
			assert.Equal(t, len("GET /x HTTP/1.1\r\n"), s.lineEnd)
			return
		}
	}
	t.Fatal("head never completed")
}

func TestHeadScannerLimits(t *testing.T) {
	cfg := Config{MaxRequestLineSize: 64, MaxHeaderSize: 256}
	cfg.ApplyDefaults()

	t.Run("RequestLine", func(t *testing.T) {
		var s headScanner
		_, err := s.scan([]byte("GET /"+string(make([]byte, 100))), &cfg)
		var tooLarge *protocol.RequestTooLargeError
		require.ErrorAs(t, err, &tooLarge)
		assert.Equal(t, 414, tooLarge.Status)
		assert.Equal(t, "START_LINE", tooLarge.State)
	})

	t.Run("HeaderBlock", func(t *testing.T) {
		var s headScanner
		head := "GET / HTTP/1.1\r\n"
		for len(head) < 400 {
			head += "X-Pad: 0123456789\r\n"
		}
		_, err := s.scan([]byte(head), &cfg)
		var tooLarge *protocol.RequestTooLargeError
		require.ErrorAs(t, err, &tooLarge)
		assert.Equal(t, 431, tooLarge.Status)
		assert.Equal(t, "HEADERS", tooLarge.State)
	})
}

func TestHeadParserPreservesOrderAndCase(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	p := headParser{cfg: &cfg}

	head := []byte("POST /up?x=1 HTTP/1.0\r\nX-B: 2\r\nx-a: 1\r\nX-B: 3\r\n\r\n")
	req := protocol.NewRequest()
	require.NoError(t, p.parse(head, len("POST /up?x=1 HTTP/1.0\r\n"), req))

	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/up?x=1", req.Target)
	assert.Equal(t, "HTTP/1.0", req.Proto())
	assert.Equal(t, []string{"2", "3"}, req.Header.Values("x-b"))

	var names []string
	req.Header.Each(func(name, _ string) bool {
		names = append(names, name)
		return true
	})
	assert.Equal(t, []string{"X-B", "x-a", "X-B"}, names)
}

func TestParseChunkSize(t *testing.T) {
	tests := []struct {
		line    string
		want    int64
		wantErr bool
	}{
		{"4", 4, false},
		{"1a", 26, false},
		{"FF;name=value", 255, false},
		{"0", 0, false},
		{"", 0, true},
		{"-1", 0, true},
		{"0x10", 0, true},
		{"12345678901234567", 0, true},
		{"g", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseChunkSize([]byte(tt.line))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseContentLength(t *testing.T) {
	n, err := parseContentLength([]string{"42"}, false, "HEADERS")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = parseContentLength([]string{"7", "7"}, false, "HEADERS")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = parseContentLength([]string{"7", "7"}, true, "HEADERS")
	var malformed *protocol.MalformedRequestError
	assert.ErrorAs(t, err, &malformed)

	_, err = parseContentLength([]string{"7, 8"}, false, "HEADERS")
	var violation *protocol.ProtocolViolationError
	assert.ErrorAs(t, err, &violation)

	_, err = parseContentLength([]string{"+7"}, false, "HEADERS")
	assert.ErrorAs(t, err, &malformed)

	_, err = parseContentLength([]string{"99999999999999999999"}, false, "HEADERS")
	assert.ErrorAs(t, err, &malformed)
}

func TestParseVersion(t *testing.T) {
	major, minor, ok := parseVersion([]byte("HTTP/1.1"))
	assert.True(t, ok)
	assert.Equal(t, 1, major)
	assert.Equal(t, 1, minor)

	for _, v := range []string{"HTTP/1", "http/1.1", "HTTP/1.10", "HTTP/a.b", "HTTP/1,1"} {
		_, _, ok := parseVersion([]byte(v))
		assert.False(t, ok, v)
	}
}
