package pool

import (
	"fmt"
	"sync"
)

const (
	// chunkSize is the number of packets allocated at once when the pool runs dry
	chunkSize = 64
)

// Pool recycles packets. It is a fixed-capacity arena plus a stack of free indices.
type Pool struct {
	mu    sync.Mutex
	arena []*Packet
	free  []int32
}

// Stats is a snapshot of the pool's occupancy
type Stats struct {
	Allocated int `json:"allocated"`
	Free      int `json:"free"`
	InUse     int `json:"in_use"`
}

// NewPool creates a pool with at least prealloc packets ready to use
func NewPool(prealloc int) *Pool {
	p := &Pool{}
	p.mu.Lock()
	for len(p.arena) < prealloc {
		p.grow()
	}
	p.mu.Unlock()
	return p
}

// Acquire pops a packet from the free stack, growing the arena only if it is empty.
// The returned packet is empty (no payload) and owned by the caller.
func (p *Pool) Acquire() *Packet {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.grow()
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	pkt := p.arena[idx]
	pkt.state = stateHeld
	p.mu.Unlock()

	pkt.size = HeaderRoom
	pkt.next = nil
	return pkt
}

// Release pushes a packet back onto the free stack.
// Releasing a packet twice, a queued packet or a foreign packet is a programming error and panics.
func (p *Pool) Release(pkt *Packet) {
	if pkt == nil {
		return
	}
	if pkt.owner != p {
		panic("pool: release of a packet that belongs to another pool")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch pkt.state {
	case stateFree:
		panic(fmt.Sprintf("pool: double release of packet %d", pkt.index))
	case stateQueued:
		panic(fmt.Sprintf("pool: release of packet %d while it is still queued", pkt.index))
	}
	pkt.state = stateFree
	pkt.next = nil
	p.free = append(p.free, pkt.index)
}

// Stats returns the current occupancy of the pool
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Allocated: len(p.arena),
		Free:      len(p.free),
		InUse:     len(p.arena) - len(p.free),
	}
}

// grow allocates a chunk of packets. Must be called with the lock held.
// Allocation failure is fatal (the runtime panics), the pool does not degrade gracefully.
func (p *Pool) grow() {
	chunk := make([]Packet, chunkSize)
	base := int32(len(p.arena))
	for i := range chunk {
		pkt := &chunk[i]
		pkt.index = base + int32(i)
		pkt.owner = p
		pkt.state = stateFree
		p.arena = append(p.arena, pkt)
	}
	// push in reverse so the lowest index is handed out first
	for i := len(chunk) - 1; i >= 0; i-- {
		p.free = append(p.free, base+int32(i))
	}
}
