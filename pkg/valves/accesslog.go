package valves

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/marmos91/portico/internal/logger"
	"github.com/marmos91/portico/pkg/container"
	"github.com/marmos91/portico/pkg/protocol"
	"github.com/marmos91/portico/pkg/registry"
)

// Entry is one access log record.
type Entry struct {
	Time       time.Time     `json:"time"`
	RemoteAddr string        `json:"remote_addr"`
	Method     string        `json:"method"`
	Target     string        `json:"target"`
	Proto      string        `json:"proto"`
	Status     int           `json:"status"`
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration"`
	RequestID  string        `json:"request_id,omitempty"`
}

// Sink stores access log entries.
type Sink interface {
	Write(e Entry) error
	Close() error
}

// AccessLogOptions configures the accesslog valve.
type AccessLogOptions struct {
	// Sink is "logger" (default) or "badger".
	Sink string `mapstructure:"sink"`

	// Path is the badger directory (badger sink only).
	Path string `mapstructure:"path"`

	// TTL expires badger entries; zero keeps them forever.
	TTL time.Duration `mapstructure:"ttl"`
}

// AccessLog records every request that passes through it, after the rest of
// the pipeline ran. It also implements adapter.RequestLogger so requests
// rejected before the pipeline land in the same sink.
type AccessLog struct {
	sink Sink
}

// NewAccessLog creates an accesslog valve writing to sink.
func NewAccessLog(sink Sink) *AccessLog {
	return &AccessLog{sink: sink}
}

// AccessLogFactory builds an accesslog valve from params.
func AccessLogFactory(params map[string]any) (container.Valve, error) {
	var opts AccessLogOptions
	if err := registry.DecodeParams(params, &opts); err != nil {
		return nil, err
	}

	switch opts.Sink {
	case "", "logger":
		return NewAccessLog(LoggerSink{}), nil
	case "badger":
		sink, err := NewBadgerSink(opts.Path, opts.TTL)
		if err != nil {
			return nil, err
		}
		return NewAccessLog(sink), nil
	default:
		return nil, fmt.Errorf("unknown access log sink %q", opts.Sink)
	}
}

// Invoke implements container.Valve.
func (v *AccessLog) Invoke(req *container.Request, resp *container.Response, next container.Next) error {
	err := next(req, resp)
	if req.IsAsyncStarted() {
		ac := req.AsyncContext()
		ac.OnComplete(func() { v.record(req, resp, nil) })
		return err
	}
	v.record(req, resp, err)
	return err
}

func (v *AccessLog) record(req *container.Request, resp *container.Response, pipelineErr error) {
	status := resp.Status()
	if pipelineErr != nil && !resp.IsCommitted() {
		status = 500
	}
	e := Entry{
		Time:       req.StartTime(),
		RemoteAddr: req.RemoteAddr(),
		Method:     req.Method(),
		Target:     req.Target(),
		Proto:      req.Proto(),
		Status:     status,
		Bytes:      resp.BytesWritten(),
		Duration:   time.Since(req.StartTime()),
		RequestID:  req.RequestID(),
	}
	if err := v.sink.Write(e); err != nil {
		logger.Warn("Access log write failed: %v", err)
	}
}

// LogRequest implements adapter.RequestLogger.
func (v *AccessLog) LogRequest(pr *protocol.Request, presp *protocol.Response, d time.Duration) {
	e := Entry{
		Time:       pr.StartTime,
		RemoteAddr: pr.RemoteAddr,
		Method:     pr.Method,
		Target:     pr.Target,
		Status:     presp.Status,
		Bytes:      presp.BytesWritten(),
		Duration:   d,
	}
	if pr.ProtoMajor > 0 {
		e.Proto = pr.Proto()
	}
	if err := v.sink.Write(e); err != nil {
		logger.Warn("Access log write failed: %v", err)
	}
}

// Close releases the sink.
func (v *AccessLog) Close() error {
	return v.sink.Close()
}

// LoggerSink writes entries as Info lines.
type LoggerSink struct{}

func (LoggerSink) Write(e Entry) error {
	id := e.RequestID
	if id == "" {
		id = "-"
	}
	logger.Info("%s %q %d %d %s %s", e.RemoteAddr, e.Method+" "+e.Target+" "+e.Proto, e.Status, e.Bytes, e.Duration, id)
	return nil
}

func (LoggerSink) Close() error { return nil }

// BadgerSink persists entries in an embedded badger database.
//
// Keys are "log/" + big-endian unix nanos + "/" + request ID, so iteration
// returns entries in time order. Values are JSON.
type BadgerSink struct {
	db  *badger.DB
	ttl time.Duration
	seq atomic.Uint64
}

var keyPrefixLog = []byte("log/")

// NewBadgerSink opens (or creates) a badger database at path. An empty path
// opens an in-memory database.
func NewBadgerSink(path string, ttl time.Duration) (*BadgerSink, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open access log at %q: %w", path, err)
	}
	return &BadgerSink{db: db, ttl: ttl}, nil
}

// Write implements Sink.
func (s *BadgerSink) Write(e Entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal access log entry: %w", err)
	}
	key := s.key(e)

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, value)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *BadgerSink) key(e Entry) []byte {
	suffix := e.RequestID
	if suffix == "" {
		// Entries without an ID still need unique keys.
		suffix = "#" + strconv.FormatUint(s.seq.Add(1), 10)
	}
	key := make([]byte, 0, len(keyPrefixLog)+9+len(suffix))
	key = append(key, keyPrefixLog...)
	key = binary.BigEndian.AppendUint64(key, uint64(e.Time.UnixNano()))
	key = append(key, '/')
	return append(key, suffix...)
}

// Entries returns up to limit entries recorded at or after since, oldest
// first. A limit of zero returns everything.
func (s *BadgerSink) Entries(since time.Time, limit int) ([]Entry, error) {
	var out []Entry
	seek := append([]byte{}, keyPrefixLog...)
	if since.After(time.Unix(0, 0)) {
		seek = binary.BigEndian.AppendUint64(seek, uint64(since.UnixNano()))
	}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefixLog
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(keyPrefixLog); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Close implements Sink.
func (s *BadgerSink) Close() error {
	if s.db == nil {
		return errors.New("access log already closed")
	}
	err := s.db.Close()
	s.db = nil
	return err
}
