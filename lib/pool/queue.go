package pool

// Queue is a FIFO of packets linked through their intrusive next slot.
// A packet can be linked into at most one queue at a time.
type Queue struct {
	head  *Packet
	tail  *Packet
	count int
	bytes int // payload bytes of all queued packets
}

// PushBack appends a held packet to the queue and takes ownership of it
func (q *Queue) PushBack(pkt *Packet) {
	if pkt.state != stateHeld {
		panic("pool: only a held packet can be queued")
	}
	pkt.state = stateQueued
	pkt.next = nil
	if q.tail == nil {
		q.head = pkt
	} else {
		q.tail.next = pkt
	}
	q.tail = pkt
	q.count++
	q.bytes += pkt.PayloadLen()
}

// PopFront removes the first packet and hands ownership to the caller
func (q *Queue) PopFront() *Packet {
	pkt := q.head
	if pkt == nil {
		return nil
	}
	q.head = pkt.next
	if q.head == nil {
		q.tail = nil
	}
	pkt.next = nil
	pkt.state = stateHeld
	q.count--
	q.bytes -= pkt.PayloadLen()
	return pkt
}

// Front returns the first packet without removing it
func (q *Queue) Front() *Packet {
	return q.head
}

// Next returns the packet following pkt in its queue
func (q *Queue) Next(pkt *Packet) *Packet {
	return pkt.next
}

// Len returns the number of queued packets
func (q *Queue) Len() int {
	return q.count
}

// Bytes returns the sum of the payload lengths of all queued packets
func (q *Queue) Bytes() int {
	return q.bytes
}

// Each calls fn for every queued packet in order until fn returns false
func (q *Queue) Each(fn func(pkt *Packet) bool) {
	for pkt := q.head; pkt != nil; pkt = pkt.next {
		if !fn(pkt) {
			return
		}
	}
}

// DrainTo releases every queued packet to p and returns how many were released
func (q *Queue) DrainTo(p *Pool) int {
	n := 0
	for pkt := q.PopFront(); pkt != nil; pkt = q.PopFront() {
		p.Release(pkt)
		n++
	}
	return n
}
