package connector

import (
	"fmt"
	"runtime"
	"time"

	"github.com/marmos91/portico/pkg/http1"
	"github.com/marmos91/portico/pkg/poller"
	"github.com/marmos91/portico/pkg/rpcproto"
)

// Config holds the configuration of one endpoint.
//
// Default values (applied by New if zero):
//   - AcceptorCount: 1
//   - Executor.MaxThreads: 4 * GOMAXPROCS
//   - Executor.MaxQueueSize: 8 * MaxThreads
//   - Timeouts.Read: 30s, Timeouts.Write: 30s
//   - Timeouts.KeepAlive: 60s, Timeouts.Shutdown: 30s
//   - Timeouts.Reject: 100ms, Timeouts.Sweep: 1s
//   - MetricsLogInterval: 5m
//
// Production recommendations:
//   - MaxConnections: size to the file descriptor limit minus headroom
//   - Executor.MaxQueueSize: small; a long queue only hides overload
//   - Timeouts.KeepAlive: below the idle timeout of upstream load balancers
type Config struct {
	// Name identifies the endpoint in logs and metrics.
	Name string `mapstructure:"name" validate:"required" yaml:"name"`

	// Address is the bind address. Empty means all interfaces.
	Address string `mapstructure:"address" yaml:"address"`

	// Port is the TCP port. 0 picks a free port; Port reports the bound one.
	Port int `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`

	// MaxConnections limits concurrent connections. When reached, the
	// acceptors stop accepting until a connection closes. 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// AcceptorCount is the number of goroutines blocked in Accept.
	AcceptorCount int `mapstructure:"acceptor_count" validate:"min=0,max=64" yaml:"acceptor_count"`

	// Socket tunes accepted sockets and the listener.
	Socket SocketConfig `mapstructure:"socket" yaml:"socket"`

	// TLS enables a secure stream in front of the HTTP processor.
	TLS TLSConfig `mapstructure:"tls" yaml:"tls"`

	// Poller selects the readiness mechanism for idle connections.
	Poller PollerConfig `mapstructure:"poller" yaml:"poller"`

	// Executor sizes the worker pool.
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`

	// Timeouts bounds reads, writes, idle connections and shutdown.
	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`

	// HTTP configures the HTTP/1.1 processor.
	HTTP http1.Config `mapstructure:"http" yaml:"http"`

	// RPC configures the xdr-rpc upgrade protocol.
	RPC RPCConfig `mapstructure:"rpc" yaml:"rpc"`

	// MetricsLogInterval is the period of the summary log line. Negative
	// disables it.
	MetricsLogInterval time.Duration `mapstructure:"metrics_log_interval" yaml:"metrics_log_interval"`
}

// SocketConfig holds per-socket options.
type SocketConfig struct {
	// Nagle re-enables Nagle's algorithm on accepted sockets. Off by default,
	// so small responses are not delayed.
	Nagle bool `mapstructure:"nagle" yaml:"nagle"`

	// KeepAlivePeriod enables TCP keep-alive probes. 0 keeps the OS default.
	KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period" validate:"min=0" yaml:"keep_alive_period"`

	// ReceiveBuffer and SendBuffer set SO_RCVBUF and SO_SNDBUF. 0 keeps the OS default.
	ReceiveBuffer int `mapstructure:"receive_buffer" validate:"min=0" yaml:"receive_buffer"`
	SendBuffer    int `mapstructure:"send_buffer" validate:"min=0" yaml:"send_buffer"`

	// Backlog overrides the listen backlog (Linux only). 0 keeps the OS default.
	Backlog int `mapstructure:"backlog" validate:"min=0" yaml:"backlog"`

	// ReusePort sets SO_REUSEPORT on the listener (Linux only).
	ReusePort bool `mapstructure:"reuse_port" yaml:"reuse_port"`

	// WriteBufferSize sizes the buffered writer of each connection.
	// Default: 8KB
	WriteBufferSize int `mapstructure:"write_buffer_size" validate:"min=0" yaml:"write_buffer_size"`

	// ScratchSize is the read buffer space after the request head, used for
	// body bytes and pipelined requests.
	// Default: 8KB
	ScratchSize int `mapstructure:"scratch_size" validate:"min=0" yaml:"scratch_size"`
}

// TLSConfig names the certificate and key of a secure endpoint.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	CertFile string `mapstructure:"cert_file" validate:"required_if=Enabled true" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" validate:"required_if=Enabled true" yaml:"key_file"`
}

// PollerConfig selects the poller.
type PollerConfig struct {
	// Type is auto, epoll or netpoll.
	Type poller.Type `mapstructure:"type" validate:"omitempty,oneof=auto epoll netpoll" yaml:"type"`

	// Count is the number of epoll instances. 0 means min(2, GOMAXPROCS).
	Count int `mapstructure:"count" validate:"min=0" yaml:"count"`
}

// ExecutorConfig sizes the worker pool.
type ExecutorConfig struct {
	MaxThreads   int `mapstructure:"max_threads" validate:"min=0" yaml:"max_threads"`
	MaxQueueSize int `mapstructure:"max_queue_size" validate:"min=0" yaml:"max_queue_size"`
}

// TimeoutsConfig groups the endpoint deadlines.
type TimeoutsConfig struct {
	// Read bounds each body read once a request is being processed.
	Read time.Duration `mapstructure:"read" validate:"min=0" yaml:"read"`

	// Write bounds each flush to the client.
	Write time.Duration `mapstructure:"write" validate:"min=0" yaml:"write"`

	// KeepAlive closes connections idle between requests, including a new
	// connection that never sends its first request.
	KeepAlive time.Duration `mapstructure:"keep_alive" validate:"min=0" yaml:"keep_alive"`

	// Shutdown is how long Serve waits for connections before force-closing them.
	Shutdown time.Duration `mapstructure:"shutdown" validate:"min=0" yaml:"shutdown"`

	// Reject bounds the write of the canned 503 sent when the executor is full.
	Reject time.Duration `mapstructure:"reject" validate:"min=0" yaml:"reject"`

	// Sweep is the resolution of keep-alive and async deadlines.
	Sweep time.Duration `mapstructure:"sweep" validate:"min=0" yaml:"sweep"`
}

// RPCConfig enables the xdr-rpc upgrade.
type RPCConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	rpcproto.Config `mapstructure:",squash" yaml:",inline"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "http"
	}
	if c.AcceptorCount <= 0 {
		c.AcceptorCount = 1
	}
	if c.Poller.Type == "" {
		c.Poller.Type = poller.TypeAuto
	}
	if c.Executor.MaxThreads <= 0 {
		c.Executor.MaxThreads = 4 * runtime.GOMAXPROCS(0)
	}
	if c.Executor.MaxQueueSize <= 0 {
		c.Executor.MaxQueueSize = 8 * c.Executor.MaxThreads
	}
	if c.Timeouts.Read == 0 {
		c.Timeouts.Read = 30 * time.Second
	}
	if c.Timeouts.Write == 0 {
		c.Timeouts.Write = 30 * time.Second
	}
	if c.Timeouts.KeepAlive == 0 {
		c.Timeouts.KeepAlive = 60 * time.Second
	}
	if c.Timeouts.Shutdown == 0 {
		c.Timeouts.Shutdown = 30 * time.Second
	}
	if c.Timeouts.Reject == 0 {
		c.Timeouts.Reject = 100 * time.Millisecond
	}
	if c.Timeouts.Sweep == 0 {
		c.Timeouts.Sweep = time.Second
	}
	if c.MetricsLogInterval == 0 {
		c.MetricsLogInterval = 5 * time.Minute
	}
	c.HTTP.ApplyDefaults()
	if c.RPC.Enabled {
		c.RPC.ApplyDefaults()
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid max_connections %d: must be >= 0", c.MaxConnections)
	}
	switch c.Poller.Type {
	case poller.TypeAuto, poller.TypeEpoll, poller.TypeNetpoll:
	default:
		return fmt.Errorf("invalid poller type %q", c.Poller.Type)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls requires cert_file and key_file")
		}
		if c.Poller.Type == poller.TypeEpoll {
			return fmt.Errorf("tls endpoints cannot use the epoll poller")
		}
	}
	for name, d := range map[string]time.Duration{
		"read":       c.Timeouts.Read,
		"write":      c.Timeouts.Write,
		"keep_alive": c.Timeouts.KeepAlive,
		"shutdown":   c.Timeouts.Shutdown,
		"reject":     c.Timeouts.Reject,
		"sweep":      c.Timeouts.Sweep,
	} {
		if d < 0 {
			return fmt.Errorf("invalid %s timeout %v: must be >= 0", name, d)
		}
	}
	return nil
}
