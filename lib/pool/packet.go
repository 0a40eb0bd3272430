package pool

import "fmt"

const (
	// DatagramSize is the capacity of every packet (Ethernet MTU minus IPv4 and UDP headers)
	DatagramSize = 1472
	// HeaderRoom is the number of bytes reserved at the start of a packet for the wire header
	HeaderRoom = 32
	// MaxPayload is the largest payload a single packet can carry
	MaxPayload = DatagramSize - HeaderRoom
)

// packetState tracks where a packet currently lives
type packetState uint8

const (
	stateFree   packetState = iota // on the pool's free stack
	stateHeld                      // owned by exactly one goroutine
	stateQueued                    // linked into a Queue
)

// Packet is a fixed-size datagram buffer.
// The wire header occupies buf[:HeaderRoom], the payload follows it.
type Packet struct {
	buf   [DatagramSize]byte
	size  int // bytes in use including the header room
	index int32
	state packetState
	owner *Pool
	next  *Packet
}

// Buffer returns the complete backing array, used when reading a datagram from a socket
func (p *Packet) Buffer() []byte {
	return p.buf[:]
}

// Bytes returns the part of the buffer that is in use (header and payload)
func (p *Packet) Bytes() []byte {
	return p.buf[:p.size]
}

// Len returns the number of bytes in use including the header
func (p *Packet) Len() int {
	return p.size
}

// SetLen sets the number of bytes in use including the header
func (p *Packet) SetLen(n int) {
	if n < 0 || n > DatagramSize {
		panic(fmt.Sprintf("pool: packet length %d out of range [0,%d]", n, DatagramSize))
	}
	p.size = n
}

// Header returns the header room of the packet
func (p *Packet) Header() []byte {
	return p.buf[:HeaderRoom]
}

// Payload returns the payload in use
func (p *Packet) Payload() []byte {
	if p.size <= HeaderRoom {
		return p.buf[HeaderRoom:HeaderRoom]
	}
	return p.buf[HeaderRoom:p.size]
}

// PayloadLen returns the number of payload bytes in use
func (p *Packet) PayloadLen() int {
	if p.size <= HeaderRoom {
		return 0
	}
	return p.size - HeaderRoom
}

// Resize sets the payload length and returns the payload slice so it can be
// filled in place without an extra copy.
func (p *Packet) Resize(n int) ([]byte, error) {
	if n < 0 || n > MaxPayload {
		return nil, fmt.Errorf("payload size %d exceeds maximum of %d bytes", n, MaxPayload)
	}
	p.size = HeaderRoom + n
	return p.buf[HeaderRoom:p.size], nil
}

// SetPayload copies b into the payload area
func (p *Packet) SetPayload(b []byte) error {
	dst, err := p.Resize(len(b))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Index returns the arena index of the packet
func (p *Packet) Index() int32 {
	return p.index
}
