package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dMux/lib/pool"
)

const (
	// HeaderSize is the size of the encoded header in bytes
	HeaderSize = 32
	// Magic identifies dMux datagrams ("DM")
	Magic uint16 = 0x444D
)

// the header must fit into the room every packet reserves for it
var _ [pool.HeaderRoom - HeaderSize]struct{}

// Encode writes h into the header room of pkt. The payload length is taken from
// the packet, h.Length is updated accordingly.
func Encode(h *Header, pkt *pool.Packet) {
	h.Length = uint16(pkt.PayloadLen())
	EncodeBytes(h, pkt.Header())
}

// EncodeBytes writes h into buf, which must be at least HeaderSize bytes long
func EncodeBytes(h *Header, buf []byte) {
	_ = buf[HeaderSize-1]
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	binary.BigEndian.PutUint16(buf[2:4], h.Node)
	binary.BigEndian.PutUint32(buf[4:8], h.Pipe)
	binary.BigEndian.PutUint64(buf[8:16], h.Seq)
	binary.BigEndian.PutUint64(buf[16:24], h.Aux)
	binary.BigEndian.PutUint16(buf[24:26], h.Length)
	binary.BigEndian.PutUint16(buf[26:28], Magic)
	binary.BigEndian.PutUint32(buf[28:32], 0)
}

// Decode parses the header of a received datagram of n bytes (stored in pkt's buffer)
// and sets the packet length so that Payload returns exactly the payload.
func Decode(pkt *pool.Packet, n int) (Header, error) {
	h, err := DecodeBytes(pkt.Buffer()[:n])
	if err != nil {
		return h, err
	}
	pkt.SetLen(HeaderSize + int(h.Length))
	return h, nil
}

// DecodeBytes parses and validates the header at the start of data
func DecodeBytes(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, fmt.Errorf("datagram too short for header: %d bytes", len(data))
	}
	if magic := binary.BigEndian.Uint16(data[26:28]); magic != Magic {
		return h, fmt.Errorf("invalid magic 0x%04x", magic)
	}

	h.Type = MessageType(data[0])
	if !h.Type.Valid() {
		return h, fmt.Errorf("invalid message type %d", data[0])
	}
	h.Flags = data[1]
	h.Node = binary.BigEndian.Uint16(data[2:4])
	h.Pipe = binary.BigEndian.Uint32(data[4:8])
	h.Seq = binary.BigEndian.Uint64(data[8:16])
	h.Aux = binary.BigEndian.Uint64(data[16:24])
	h.Length = binary.BigEndian.Uint16(data[24:26])

	if int(h.Length) > len(data)-HeaderSize {
		return h, fmt.Errorf("payload length %d exceeds datagram of %d bytes", h.Length, len(data))
	}
	return h, nil
}
