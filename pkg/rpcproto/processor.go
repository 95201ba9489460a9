// Package rpcproto implements an ONC-RPC (record marked, XDR encoded)
// protocol that an HTTP/1.1 connection can upgrade to.
//
// Every call is turned into a protocol.Request with Method "RPC" and Target
// "/rpc/<program>/<version>/<procedure>" whose body is the raw procedure
// arguments, and runs through the same adapter, pipeline and executor as
// HTTP requests. The handler's response body becomes the reply results.
//
// Status mapping:
//   - 2xx: SUCCESS with the response body as results
//   - 404: PROC_UNAVAIL
//   - anything else: SYSTEM_ERR
package rpcproto

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/metrics"
	"github.com/marmos91/portico/pkg/protocol"
	"github.com/marmos91/portico/pkg/socket"
)

// Token is the Upgrade header value that selects this protocol.
const Token = "xdr-rpc"

// Config bounds the RPC records accepted on an upgraded connection.
type Config struct {
	// MaxFragmentSize bounds a single record fragment. Larger fragments close
	// the connection.
	// Default: 1MB
	MaxFragmentSize uint32 `mapstructure:"max_fragment_size" validate:"omitempty,min=64" yaml:"max_fragment_size"`

	// MaxRecordSize bounds a reassembled record.
	// Default: 4MB
	MaxRecordSize uint32 `mapstructure:"max_record_size" validate:"omitempty,min=64" yaml:"max_record_size"`

	// Host is sent as the Host header of every call so calls map to a virtual
	// host. Empty maps to the default host.
	Host string `mapstructure:"host" yaml:"host"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.MaxFragmentSize == 0 {
		c.MaxFragmentSize = 1 << 20
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = 4 << 20
	}
}

// Upgrade is the protocol.UpgradeProtocol for xdr-rpc.
type Upgrade struct {
	cfg Config
}

// NewUpgrade creates the upgrade protocol.
func NewUpgrade(cfg Config) *Upgrade {
	cfg.ApplyDefaults()
	return &Upgrade{cfg: cfg}
}

// Token implements protocol.UpgradeProtocol.
func (u *Upgrade) Token() string { return Token }

// Accept implements protocol.UpgradeProtocol.
func (u *Upgrade) Accept(req *protocol.Request) bool {
	return req.Method == "GET" || req.Method == "POST"
}

// NewProcessor implements protocol.UpgradeProtocol.
func (u *Upgrade) NewProcessor(env protocol.Environment) protocol.Processor {
	return NewProcessor(u.cfg, env)
}

var errAbandoned = errors.New("connection closed inside an RPC record")

// Processor serves RPC calls on one upgraded connection.
//
// Calls on a connection are served one at a time, in order.
type Processor struct {
	cfg     Config
	env     protocol.Environment
	metrics metrics.ConnectorMetrics

	sw   *socket.Wrapper
	req  *protocol.Request
	resp *protocol.Response

	// Record reassembly
	record    []byte
	inFrag    bool
	fragLeft  uint32
	fragFinal bool

	// Results written by the handler
	results bytes.Buffer
}

// NewProcessor creates a processor for one connection.
func NewProcessor(cfg Config, env protocol.Environment) *Processor {
	cfg.ApplyDefaults()
	if env.Metrics == nil {
		env.Metrics = metrics.NewNoopConnectorMetrics()
	}
	return &Processor{
		cfg:     cfg,
		env:     env,
		metrics: env.Metrics,
		req:     protocol.NewRequest(),
		resp:    protocol.NewResponse(),
	}
}

// UpgradeToken implements protocol.Processor. RPC connections never upgrade.
func (p *Processor) UpgradeToken() string { return "" }

// Recycle implements protocol.Processor.
func (p *Processor) Recycle() {
	p.req.Recycle()
	p.resp.Recycle()
	p.record = p.record[:0]
	p.inFrag = false
	p.fragLeft = 0
	p.fragFinal = false
	p.results.Reset()
	p.sw = nil
}

// Process implements protocol.Processor.
func (p *Processor) Process(ctx context.Context, sw *socket.Wrapper, ev socket.Event) (protocol.SocketState, error) {
	p.sw = sw

	switch ev {
	case socket.EventRead:
		return p.serve(ctx)
	case socket.EventStop:
		return protocol.Closed, nil
	case socket.EventError:
		return protocol.Closed, &protocol.IOError{Op: "poll", Err: errors.New("poller reported socket error")}
	default:
		// Async events can not occur: StartAsync is refused
		return protocol.Closed, fmt.Errorf("rpcproto: unexpected event %s", ev)
	}
}

func (p *Processor) serve(ctx context.Context) (protocol.SocketState, error) {
	sw := p.sw
	for {
		complete, err := p.assemble()
		if err != nil {
			p.metrics.RecordProtocolError(protocol.KindOf(err))
			logger.Warn("rpc: closing %s: %v", sw.RemoteAddr(), err)
			return protocol.Closed, err
		}
		if complete {
			if err := p.call(ctx); err != nil {
				return protocol.Closed, err
			}
			sw.Recycle()
			continue
		}

		n, err := sw.FillReady()
		if err != nil {
			if socket.IsEOF(err) && !p.inFrag && len(p.record) == 0 && len(sw.Buffered()) == 0 {
				return protocol.Closed, nil
			}
			if socket.IsEOF(err) {
				err = errAbandoned
			}
			return protocol.Closed, &protocol.IOError{Op: "read record", Err: err}
		}
		if n == 0 {
			return protocol.Open, nil
		}
	}
}

// assemble moves buffered bytes into the current record.
//
// Returns true once the last fragment of a record is complete.
func (p *Processor) assemble() (bool, error) {
	sw := p.sw
	for {
		data := sw.Buffered()

		if !p.inFrag {
			if len(data) < 4 {
				return false, nil
			}
			header := binary.BigEndian.Uint32(data[:4])
			sw.Consume(4)

			length := header &^ lastFragment
			if length > p.cfg.MaxFragmentSize {
				return false, &protocol.RequestTooLargeError{
					Status: 413, What: "rpc fragment", Limit: int(p.cfg.MaxFragmentSize), State: "FRAGMENT_HEADER",
				}
			}
			if uint64(len(p.record))+uint64(length) > uint64(p.cfg.MaxRecordSize) {
				return false, &protocol.RequestTooLargeError{
					Status: 413, What: "rpc record", Limit: int(p.cfg.MaxRecordSize), State: "FRAGMENT_HEADER", Offset: len(p.record),
				}
			}
			p.inFrag = true
			p.fragLeft = length
			p.fragFinal = header&lastFragment != 0
			continue
		}

		if p.fragLeft > 0 {
			if len(data) == 0 {
				return false, nil
			}
			n := min(uint32(len(data)), p.fragLeft)
			p.record = append(p.record, data[:n]...)
			sw.Consume(int(n))
			p.fragLeft -= n
			if p.fragLeft > 0 {
				return false, nil
			}
		}

		p.inFrag = false
		if p.fragFinal {
			return true, nil
		}
	}
}

// call runs one complete record through the adapter and writes the reply.
func (p *Processor) call(ctx context.Context) error {
	record := p.record
	defer func() { p.record = p.record[:0] }()

	call, err := ReadCall(record)
	if err != nil {
		perr := &protocol.MalformedRequestError{Status: 400, Reason: err.Error(), State: "CALL_HEADER"}
		p.metrics.RecordProtocolError(protocol.KindOf(perr))
		logger.Debug("rpc: bad call from %s: %v", p.sw.RemoteAddr(), err)
		return perr
	}
	args, err := ReadData(record)
	if err != nil {
		return p.reply(call.XID, GarbageArgs, nil)
	}

	logger.Debug("rpc: call from %s: XID=0x%x Program=%d Version=%d Procedure=%d",
		p.sw.RemoteAddr(), call.XID, call.Program, call.Version, call.Procedure)

	req, resp := p.req, p.resp
	req.Recycle()
	resp.Recycle()
	p.results.Reset()

	req.Method = "RPC"
	req.Target = "/rpc/" + strconv.FormatUint(uint64(call.Program), 10) +
		"/" + strconv.FormatUint(uint64(call.Version), 10) +
		"/" + strconv.FormatUint(uint64(call.Procedure), 10)
	req.ProtoMajor, req.ProtoMinor = 1, 1
	req.ContentLength = int64(len(args))
	req.Body = bytes.NewReader(args)
	req.RemoteAddr = p.sw.RemoteAddr()
	req.ConnID = p.sw.ID()
	req.StartTime = time.Now()
	req.Hook = p
	resp.Hook = p

	if p.cfg.Host != "" {
		_ = req.Header.Set("Host", p.cfg.Host)
	}
	_ = req.Header.Set("Content-Type", "application/x-xdr")
	_ = req.Header.Set("X-Rpc-Xid", strconv.FormatUint(uint64(call.XID), 10))

	p.sw.IncRequests()
	p.metrics.RecordRequestStart(req.Method)
	serr := p.env.Adapter.Service(ctx, req, resp)
	p.metrics.RecordRequestEnd(req.Method)

	if serr != nil {
		p.metrics.RecordRequest(req.Method, 0, time.Since(req.StartTime))
		p.metrics.RecordProtocolError(protocol.KindOf(serr))
		logger.Warn("rpc: call %s from %s failed: %v", req.Target, p.sw.RemoteAddr(), serr)
		return p.reply(call.XID, SystemErr, nil)
	}
	if !resp.IsCommitted() {
		_ = resp.Commit()
	}
	p.metrics.RecordRequest(req.Method, resp.Status, time.Since(req.StartTime))

	switch {
	case resp.Status >= 200 && resp.Status < 300:
		return p.reply(call.XID, Success, p.results.Bytes())
	case resp.Status == 404:
		return p.reply(call.XID, ProcUnavail, nil)
	default:
		return p.reply(call.XID, SystemErr, nil)
	}
}

func (p *Processor) reply(xid, stat uint32, data []byte) error {
	out, err := makeReply(xid, stat, data)
	if err != nil {
		return err
	}
	if _, err := p.sw.Write(out); err != nil {
		return &protocol.IOError{Op: "write reply", Err: err}
	}
	if err := p.sw.Flush(); err != nil {
		return &protocol.IOError{Op: "write reply", Err: err}
	}
	return nil
}

// ----------------------------------------------------------------------------
// protocol.OutputHook: results are collected and sent after the handler
// returns, inside one reply record.
// ----------------------------------------------------------------------------

// Commit implements protocol.OutputHook.
func (p *Processor) Commit(*protocol.Response) error { return nil }

// WriteBody implements protocol.OutputHook.
func (p *Processor) WriteBody(b []byte) (int, error) {
	if uint64(p.results.Len())+uint64(len(b)) > uint64(p.cfg.MaxRecordSize) {
		return 0, fmt.Errorf("rpc results exceed %d bytes", p.cfg.MaxRecordSize)
	}
	return p.results.Write(b)
}

// Flush implements protocol.OutputHook. Results are only sent whole.
func (p *Processor) Flush() error { return nil }

// ----------------------------------------------------------------------------
// protocol.ActionHook: RPC calls are always synchronous.
// ----------------------------------------------------------------------------

// StartAsync implements protocol.ActionHook.
func (p *Processor) StartAsync() error { return protocol.ErrAsyncUnsupported }

// AsyncDispatch implements protocol.ActionHook.
func (p *Processor) AsyncDispatch(func()) error { return protocol.ErrAsyncUnsupported }

// AsyncComplete implements protocol.ActionHook.
func (p *Processor) AsyncComplete() error { return protocol.ErrAsyncUnsupported }

// AsyncError implements protocol.ActionHook.
func (p *Processor) AsyncError(error) error { return protocol.ErrAsyncUnsupported }

// SetAsyncTimeout implements protocol.ActionHook.
func (p *Processor) SetAsyncTimeout(time.Duration) {}

// IsAsync implements protocol.ActionHook.
func (p *Processor) IsAsync() bool { return false }

// Ack100Continue implements protocol.ActionHook.
func (p *Processor) Ack100Continue() error { return nil }
