package wire

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/ValentinKolb/dMux/lib/pool"
)

// TestEncodeDecodePacket tests framing a payload written in place
func TestEncodeDecodePacket(t *testing.T) {
	p := pool.NewPool(2)
	out := p.Acquire()
	defer p.Release(out)

	if err := out.SetPayload([]byte("payload")); err != nil {
		t.Fatalf("SetPayload failed: %v", err)
	}
	h := Header{Type: MsgTData, Node: 0, Pipe: 7, Seq: 1 << 40}
	Encode(&h, out)

	if h.Length != 7 {
		t.Errorf("Expected Encode to set length 7, got %d", h.Length)
	}

	// simulate the socket: copy the datagram into a fresh packet
	in := p.Acquire()
	defer p.Release(in)
	n := copy(in.Buffer(), out.Bytes())

	got, err := Decode(in, n)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != h {
		t.Errorf("Expected header %v, got %v", h, got)
	}
	if !bytes.Equal(in.Payload(), []byte("payload")) {
		t.Errorf("Expected payload 'payload', got %q", in.Payload())
	}
}

// TestFlags tests the piggybacked ack and the gather op code sharing the flags byte
func TestFlags(t *testing.T) {
	var h Header
	h.SetOp(5)
	h.SetAck(42)

	if !h.HasAck() || h.Aux != 42 {
		t.Errorf("Expected ack 42, got hasAck=%v aux=%d", h.HasAck(), h.Aux)
	}
	if h.Op() != 5 {
		t.Errorf("Expected op 5, got %d", h.Op())
	}

	h.SetOp(3)
	if h.Op() != 3 || !h.HasAck() {
		t.Errorf("SetOp must not clobber the ack flag, got op=%d hasAck=%v", h.Op(), h.HasAck())
	}
}

// TestDecodeRejects tests that malformed datagrams are rejected
func TestDecodeRejects(t *testing.T) {
	valid := make([]byte, HeaderSize)
	EncodeBytes(&Header{Type: MsgTPing, Node: 1}, valid)
	if _, err := DecodeBytes(valid); err != nil {
		t.Fatalf("Valid header rejected: %v", err)
	}

	tests := map[string]func([]byte) []byte{
		"short": func(b []byte) []byte { return b[:HeaderSize-1] },
		"magic": func(b []byte) []byte { b[26] = 0; return b },
		"type":  func(b []byte) []byte { b[0] = 200; return b },
		"length": func(b []byte) []byte {
			b[24], b[25] = 0, 10
			return b
		},
	}

	for name, corrupt := range tests {
		t.Run(name, func(t *testing.T) {
			data := corrupt(append([]byte(nil), valid...))
			if _, err := DecodeBytes(data); err == nil {
				t.Errorf("Expected %s corruption to be rejected", name)
			}
		})
	}
}

// TestMessageTypeJSON tests that message types are written by name
func TestMessageTypeJSON(t *testing.T) {
	data, err := json.Marshal(Header{Type: MsgTOpenReply, Node: 2})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Contains(data, []byte(`"open-reply"`)) {
		t.Errorf("Expected type name in %s", data)
	}

	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if h.Type != MsgTOpenReply {
		t.Errorf("Expected %s, got %s", MsgTOpenReply, h.Type)
	}

	if err := json.Unmarshal([]byte(`{"type":"bogus"}`), &h); err == nil {
		t.Error("Expected unknown type name to be rejected")
	}
}
