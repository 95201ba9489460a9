package http1

import (
	"time"
)

// Config bounds and tunes the HTTP/1.1 processor.
//
// Zero values are replaced by defaults in New, so a partially filled Config
// (for example one decoded from a config file) is always usable.
type Config struct {
	// MaxRequestLineSize bounds the request line. Longer lines get 414.
	// Default: 8KB
	MaxRequestLineSize int `mapstructure:"max_request_line_size" validate:"omitempty,min=64" yaml:"max_request_line_size"`

	// MaxHeaderSize bounds the header block that follows the request line.
	// Larger blocks get 431.
	// Default: 8KB
	MaxHeaderSize int `mapstructure:"max_header_size" validate:"omitempty,min=256" yaml:"max_header_size"`

	// MaxHeaderCount bounds the number of header fields. More fields get 431.
	// Default: 100
	MaxHeaderCount int `mapstructure:"max_header_count" validate:"omitempty,min=1" yaml:"max_header_count"`

	// MaxTrailerSize bounds the trailer block of a chunked body.
	// Default: 8KB
	MaxTrailerSize int `mapstructure:"max_trailer_size" validate:"omitempty,min=0" yaml:"max_trailer_size"`

	// MaxChunkLineSize bounds a chunk-size line including extensions.
	// Default: 4KB
	MaxChunkLineSize int `mapstructure:"max_chunk_line_size" validate:"omitempty,min=16" yaml:"max_chunk_line_size"`

	// MaxSwallowSize is how much unread request body is discarded after the
	// response to keep the connection alive. Beyond it the connection closes.
	// Default: 2MB
	MaxSwallowSize int64 `mapstructure:"max_swallow_size" validate:"omitempty,min=0" yaml:"max_swallow_size"`

	// MaxKeepAliveRequests caps requests per connection. -1 means unlimited,
	// 1 disables keep-alive.
	// Default: 100
	MaxKeepAliveRequests int `mapstructure:"max_keep_alive_requests" validate:"omitempty,min=-1" yaml:"max_keep_alive_requests"`

	// AsyncTimeout is the default deadline of a suspended request. Zero
	// after defaults means the 30s default; use a negative value to disable.
	// Default: 30s
	AsyncTimeout time.Duration `mapstructure:"async_timeout" yaml:"async_timeout"`

	// ServerHeader is sent as the Server response header when non-empty.
	ServerHeader string `mapstructure:"server_header" yaml:"server_header"`

	// Headers tunes header conflict strictness.
	Headers HeaderPolicy `mapstructure:"headers" yaml:"headers"`
}

// HeaderPolicy selects how strictly conflicting or unusual header blocks
// are treated.
type HeaderPolicy struct {
	// SingletonHeaders lists fields that must appear at most once. A repeat
	// gets 400. Host is always a singleton.
	// Default: [Host, Content-Type]
	SingletonHeaders []string `mapstructure:"singleton_headers" yaml:"singleton_headers"`

	// RejectDuplicateContentLength answers 400 to repeated identical
	// Content-Length values instead of accepting them. Differing values are
	// always a protocol violation.
	RejectDuplicateContentLength bool `mapstructure:"reject_duplicate_content_length" yaml:"reject_duplicate_content_length"`

	// RejectBareLF answers 400 to head lines terminated by LF alone.
	RejectBareLF bool `mapstructure:"reject_bare_lf" yaml:"reject_bare_lf"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxRequestLineSize <= 0 {
		c.MaxRequestLineSize = 8 << 10
	}
	if c.MaxHeaderSize <= 0 {
		c.MaxHeaderSize = 8 << 10
	}
	if c.MaxHeaderCount <= 0 {
		c.MaxHeaderCount = 100
	}
	if c.MaxTrailerSize <= 0 {
		c.MaxTrailerSize = 8 << 10
	}
	if c.MaxChunkLineSize <= 0 {
		c.MaxChunkLineSize = 4 << 10
	}
	if c.MaxSwallowSize <= 0 {
		c.MaxSwallowSize = 2 << 20
	}
	if c.MaxKeepAliveRequests == 0 {
		c.MaxKeepAliveRequests = 100
	}
	if c.AsyncTimeout == 0 {
		c.AsyncTimeout = 30 * time.Second
	}
	if c.Headers.SingletonHeaders == nil {
		c.Headers.SingletonHeaders = []string{"Host", "Content-Type"}
	}
}

// HeadSize is the read buffer space a request head may need.
func (c *Config) HeadSize() int {
	return c.MaxRequestLineSize + c.MaxHeaderSize
}
