package rpcproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// Message types (RFC 5531 Section 9).
const (
	MsgCall  = 0
	MsgReply = 1
)

// Reply states.
const (
	MsgAccepted = 0
	MsgDenied   = 1
)

// Accept status of an accepted reply.
const (
	// Success means the procedure ran and the reply carries its results.
	Success = 0

	// ProgUnavail means no program is mapped for the call.
	ProgUnavail = 1

	// ProgMismatch means the program exists but not at the requested version.
	ProgMismatch = 2

	// ProcUnavail means the program and version exist but not the procedure.
	ProcUnavail = 3

	// GarbageArgs means the procedure could not decode its arguments.
	GarbageArgs = 4

	// SystemErr covers every other server-side failure.
	SystemErr = 5
)

// AuthNull is the empty authentication flavor used for reply verifiers.
const AuthNull = 0

// RPCVersion is the only ONC-RPC version accepted.
const RPCVersion = 2

// lastFragment is the record marking bit that ends a record.
const lastFragment = 0x80000000

// callHeaderSize is XID, message type, RPC version, program, version and
// procedure, 4 bytes each.
const callHeaderSize = 24

var errShortCall = errors.New("rpc call shorter than its header")

// CallMessage is the header of an RPC call. Procedure arguments follow it.
type CallMessage struct {
	XID        uint32
	MsgType    uint32
	RPCVersion uint32
	Program    uint32
	Version    uint32
	Procedure  uint32
	Cred       OpaqueAuth
	Verf       OpaqueAuth
}

// ReplyMessage is the header of an accepted reply. Results follow it.
type ReplyMessage struct {
	XID        uint32
	MsgType    uint32
	ReplyState uint32
	Verf       OpaqueAuth
	AcceptStat uint32
}

// OpaqueAuth is an authentication flavor and its body.
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte `xdr:"opaque"`
}

// ReadCall decodes the call header at the start of a record.
//
// Returns an error when the record is not a version 2 CALL.
func ReadCall(record []byte) (*CallMessage, error) {
	call := &CallMessage{}
	if _, err := xdr.Unmarshal(bytes.NewReader(record), call); err != nil {
		return nil, fmt.Errorf("unmarshal RPC call: %w", err)
	}
	if call.MsgType != MsgCall {
		return nil, fmt.Errorf("expected CALL (%d), got %d", MsgCall, call.MsgType)
	}
	if call.RPCVersion != RPCVersion {
		return nil, fmt.Errorf("unsupported RPC version %d", call.RPCVersion)
	}
	return call, nil
}

// ReadData returns the procedure arguments that follow the call header.
//
// The credential and verifier are skipped by length, with XDR padding, so
// the arguments are returned without being decoded.
func ReadData(record []byte) ([]byte, error) {
	offset := callHeaderSize
	for range 2 {
		// flavor, then length-prefixed body
		if offset+8 > len(record) {
			return nil, errShortCall
		}
		n := binary.BigEndian.Uint32(record[offset+4 : offset+8])
		offset += 8 + int(n) + int(Padding(n))
		if offset > len(record) {
			return nil, errShortCall
		}
	}
	return record[offset:], nil
}

// MakeSuccessReply builds a record-marked accepted reply carrying data.
func MakeSuccessReply(xid uint32, data []byte) ([]byte, error) {
	return makeReply(xid, Success, data)
}

// MakeErrorReply builds a record-marked accepted reply with an error status
// and no results.
func MakeErrorReply(xid uint32, acceptStat uint32) ([]byte, error) {
	return makeReply(xid, acceptStat, nil)
}

func makeReply(xid, acceptStat uint32, data []byte) ([]byte, error) {
	reply := ReplyMessage{
		XID:        xid,
		MsgType:    MsgReply,
		ReplyState: MsgAccepted,
		Verf:       OpaqueAuth{Flavor: AuthNull, Body: []byte{}},
		AcceptStat: acceptStat,
	}

	// Fragment header placeholder, then the reply header and results
	buf := bytes.NewBuffer(make([]byte, 4, 4+28+len(data)))
	if _, err := xdr.Marshal(buf, &reply); err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	buf.Write(data)

	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[:4], lastFragment|uint32(len(out)-4))
	return out, nil
}

// Padding returns the bytes needed to align length to 4.
func Padding(length uint32) uint32 {
	return (4 - (length % 4)) % 4
}
