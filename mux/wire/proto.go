package wire

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType identifies the purpose of a datagram
type MessageType uint8

const (
	MsgTUnknown MessageType = iota

	// Node level messages

	MsgTHello   // slave -> master: handshake, payload carries the session id
	MsgTWelcome // master -> slave: handshake accepted
	MsgTPing    // either direction: liveness probe, seq carries the nonce
	MsgTPong    // reply to a ping with the same nonce

	// Data path

	MsgTData   // master -> slaves: seq = stream position of the first payload byte
	MsgTAck    // slave -> master: aux = stream position received so far
	MsgTResend // slave -> master: seq = stream position the slave needs next

	// Collectives

	MsgTBarrier // slave -> master: seq = barrier id the slave arrived at
	MsgTRelease // master -> slaves: seq = barrier id that completed
	MsgTGather  // slave -> master: seq = barrier id, payload = contributed value, op in flags
	MsgTResult  // master -> slaves: seq = barrier id, aux = combined value

	// Pipe lifecycle

	MsgTOpen      // slave -> master: seq = correlation token
	MsgTOpenReply // master -> slave: seq = correlation token, pipe = assigned id
	MsgTClose     // slave -> master: pipe id is being closed
	MsgTCloseAck  // master -> slave: pipe id is closed on the master
)

// String returns the string representation of a MessageType
func (t MessageType) String() string {
	switch t {
	case MsgTHello:
		return "hello"
	case MsgTWelcome:
		return "welcome"
	case MsgTPing:
		return "ping"
	case MsgTPong:
		return "pong"
	case MsgTData:
		return "data"
	case MsgTAck:
		return "ack"
	case MsgTResend:
		return "resend"
	case MsgTBarrier:
		return "barrier"
	case MsgTRelease:
		return "release"
	case MsgTGather:
		return "gather"
	case MsgTResult:
		return "result"
	case MsgTOpen:
		return "open"
	case MsgTOpenReply:
		return "open-reply"
	case MsgTClose:
		return "close"
	case MsgTCloseAck:
		return "close-ack"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	return t > MsgTUnknown && t <= MsgTCloseAck
}

// MarshalJSON serializes a MessageType as its name
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON parses a MessageType from its name
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for c := MsgTHello; c <= MsgTCloseAck; c++ {
		if c.String() == s {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Header
// --------------------------------------------------------------------------

// Flag bits of the header flags byte
const (
	// FlagHasAck marks aux as the sender's stream position for the pipe (implied ack)
	FlagHasAck uint8 = 1 << 0
	// FlagMismatch marks a RELEASE or RESULT of a collective the nodes disagreed on
	FlagMismatch uint8 = 1 << 1

	opShift = 4
	opMask  = 0xF0
)

// Header is the decoded form of the fixed datagram header
type Header struct {
	Type  MessageType `json:"type"`
	Flags uint8       `json:"flags,omitempty"`
	Node  uint16      `json:"node"`
	Pipe  uint32      `json:"pipe,omitempty"`
	Seq   uint64      `json:"seq,omitempty"`
	Aux   uint64      `json:"aux,omitempty"`
	// Length is the payload length, set by Encode
	Length uint16 `json:"length,omitempty"`
}

// HasAck reports whether Aux carries a piggybacked stream position
func (h *Header) HasAck() bool {
	return h.Flags&FlagHasAck != 0
}

// SetAck piggybacks the sender's stream position
func (h *Header) SetAck(position uint64) {
	h.Flags |= FlagHasAck
	h.Aux = position
}

// Op returns the gather operation code stored in the flags
func (h *Header) Op() uint8 {
	return (h.Flags & opMask) >> opShift
}

// SetOp stores a gather operation code (0..15) in the flags
func (h *Header) SetOp(op uint8) {
	h.Flags = (h.Flags &^ opMask) | (op<<opShift)&opMask
}

// String returns a compact representation for debug logs
func (h Header) String() string {
	return fmt.Sprintf("%s{node=%d pipe=%d seq=%d aux=%d len=%d}", h.Type, h.Node, h.Pipe, h.Seq, h.Aux, h.Length)
}
