package pipe

import (
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/wire"
	"golang.org/x/time/rate"
)

// Phase is the lifecycle phase of a pipe
type Phase uint8

const (
	PhaseStaged  Phase = iota // waiting for the master to assign an id
	PhaseOpen                 // usable
	PhaseClosing              // close handshake in progress
	PhaseClosed               // removed from the directory
)

func (p Phase) String() string {
	switch p {
	case PhaseStaged:
		return "staged"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State is the protocol state of one pipe. All fields are guarded by the pipe lock.
//
// Per-node slices have NumSlaves+1 entries indexed by node index. Entry 0 belongs to
// the master itself where that makes sense (its own gather contribution) and is
// unused otherwise.
type State struct {
	mu   sync.Mutex
	cond *sync.Cond

	ID    uint32
	Token uint64
	Phase Phase
	// Err wakes and fails every caller blocked on the pipe once set
	Err error

	// Stream. Positions count payload bytes since the pipe was opened.
	// Invariant: HeadPos + Queue.Bytes() == Position.

	Position uint64 // master: next position to assign, slave: next position expected
	HeadPos  uint64 // position of the first byte of the queue head
	Queue    pool.Queue

	// Master delivery bookkeeping

	SentPos      uint64   // everything below was transmitted at least once
	Acked        []uint64 // highest position acknowledged by each slave
	HeadUnacked  int      // slaves that did not yet acknowledge the queue head
	ResendFrom   []uint64 // per slave resend cursor
	Resending    []bool   // per slave cursor active
	Recovery     bool     // at least one resend cursor is active
	LastProgress time.Time

	// Slave receive bookkeeping

	Unacked      int       // packets accepted since the last ack
	FirstUnacked time.Time // arrival of the oldest unacknowledged packet
	LastArrival  time.Time // arrival of the last data packet
	Receivers    int       // goroutines blocked in ReceivePacket
	LastRequest  time.Time // last RESEND sent on behalf of a waiting receiver
	Limiter      *rate.Limiter

	// Collectives (barrier and gather share one id sequence)

	BarrierID      uint64
	Seen           []uint64           // master: last announced id per node
	Kinds          []wire.MessageType // master: kind of the last announcement per node
	Values         []int64            // master: gather contribution per node
	Ops            []uint8            // master: gather op per node
	MinSeen        uint64             // min over Seen[1:]
	CompletedID    uint64             // last completed collective
	CompletedKind  wire.MessageType   // kind of the last completed collective
	CompletedValue int64              // result of the last completed gather
	CompletedErr   error              // set if the nodes disagreed on the last collective
	PendingID      uint64             // slave: collective waiting for release
	PendingKind    wire.MessageType   // slave: kind of the pending collective
	PendingValue   int64              // slave: contributed value
	PendingOp      uint8              // slave: gather op
	LastAnnounce   time.Time          // slave: last (re)announcement

	// Open and close handshakes

	LastOpen   time.Time // slave: last OPEN request
	CloseSeen  []bool    // master: slaves that sent CLOSE
	LastClose  time.Time // slave: last CLOSE request
	CloseAcked bool      // slave: master confirmed the close
}

// NewState creates the state of a pipe for a cluster with numSlaves slaves
func NewState(token uint64, numSlaves int) *State {
	nodes := numSlaves + 1
	s := &State{
		Token:      token,
		Phase:      PhaseStaged,
		Acked:      make([]uint64, nodes),
		ResendFrom: make([]uint64, nodes),
		Resending:  make([]bool, nodes),
		Seen:       make([]uint64, nodes),
		Kinds:      make([]wire.MessageType, nodes),
		Values:     make([]int64, nodes),
		Ops:        make([]uint8, nodes),
		CloseSeen:  make([]bool, nodes),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Lock locks the pipe and returns a guard for it
func (s *State) Lock() *Guard {
	s.mu.Lock()
	return &Guard{s: s, held: true}
}

// NumSlaves returns the number of slaves the state tracks
func (s *State) NumSlaves() int {
	return len(s.Acked) - 1
}

// Usable returns the error a caller gets when using the pipe, nil if it is open
func (s *State) Usable() error {
	if s.Err != nil {
		return s.Err
	}
	if s.Phase == PhaseClosed {
		return common.ErrPipeClosed
	}
	return nil
}

// String returns a compact representation for debug logs
func (s *State) String() string {
	return fmt.Sprintf("pipe{id=%d phase=%s pos=%d head=%d queued=%d barrier=%d}",
		s.ID, s.Phase, s.Position, s.HeadPos, s.Queue.Len(), s.BarrierID)
}

// --------------------------------------------------------------------------
// Master delivery
// --------------------------------------------------------------------------

// Append queues a packet that was stamped with the current position and advances it
func (s *State) Append(pkt *pool.Packet) {
	s.Queue.PushBack(pkt)
	s.Position += uint64(pkt.PayloadLen())
}

// Ack records that slave has received everything below pos. It reports whether the
// acknowledged position of the slave advanced.
func (s *State) Ack(slave int, pos uint64) bool {
	if slave < 1 || slave >= len(s.Acked) || pos > s.Position || pos <= s.Acked[slave] {
		return false
	}
	s.Acked[slave] = pos
	if s.Resending[slave] && s.ResendFrom[slave] < pos {
		s.ResendFrom[slave] = pos
	}
	return true
}

// Retire releases every queue head all slaves acknowledged and returns how many
// packets went back to the pool
func (s *State) Retire(p *pool.Pool) int {
	n := 0
	for head := s.Queue.Front(); head != nil; head = s.Queue.Front() {
		end := s.HeadPos + uint64(head.PayloadLen())
		s.HeadUnacked = 0
		for slave := 1; slave < len(s.Acked); slave++ {
			if s.Acked[slave] < end {
				s.HeadUnacked++
			}
		}
		if s.HeadUnacked > 0 {
			break
		}
		p.Release(s.Queue.PopFront())
		s.HeadPos = end
		n++
	}
	if s.Queue.Len() == 0 {
		s.HeadUnacked = 0
	}
	return n
}

// PacketAt returns the queued packet starting at pos, nil if there is none
func (s *State) PacketAt(pos uint64) *pool.Packet {
	if pos < s.HeadPos || pos >= s.Position {
		return nil
	}
	at := s.HeadPos
	for pkt := s.Queue.Front(); pkt != nil && at <= pos; pkt = s.Queue.Next(pkt) {
		if at == pos {
			return pkt
		}
		at += uint64(pkt.PayloadLen())
	}
	return nil
}

// StartResend activates the resend cursor of slave at pos (never below its ack)
func (s *State) StartResend(slave int, pos uint64) {
	if slave < 1 || slave >= len(s.Acked) {
		return
	}
	pos = max(pos, s.Acked[slave], s.HeadPos)
	if pos >= s.SentPos {
		return
	}
	if !s.Resending[slave] || pos < s.ResendFrom[slave] {
		s.ResendFrom[slave] = pos
	}
	s.Resending[slave] = true
	s.Recovery = true
}

// UpdateRecovery clears finished resend cursors and the recovery flag
func (s *State) UpdateRecovery() {
	s.Recovery = false
	for slave := 1; slave < len(s.Resending); slave++ {
		if s.Resending[slave] && s.ResendFrom[slave] >= s.SentPos {
			s.Resending[slave] = false
		}
		s.Recovery = s.Recovery || s.Resending[slave]
	}
}

// Lagging reports whether some slave has not acknowledged everything sent so far
func (s *State) Lagging() bool {
	for slave := 1; slave < len(s.Acked); slave++ {
		if s.Acked[slave] < s.SentPos {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Slave delivery
// --------------------------------------------------------------------------

// Accept appends a packet received at seq if it is the next expected one.
// It returns the distance to the expected position: 0 if accepted, negative for a
// duplicate and positive for a gap. Only an accepted packet is owned by the queue.
func (s *State) Accept(pkt *pool.Packet, seq uint64) int {
	switch {
	case seq < s.Position:
		return -1
	case seq > s.Position:
		return 1
	}
	s.Append(pkt)
	s.Unacked++
	return 0
}

// Deliver removes the queue head for a receiver
func (s *State) Deliver() *pool.Packet {
	pkt := s.Queue.PopFront()
	if pkt != nil {
		s.HeadPos += uint64(pkt.PayloadLen())
	}
	return pkt
}

// --------------------------------------------------------------------------
// Collectives
// --------------------------------------------------------------------------

// Announce records the collective announcement of a node (master bookkeeping).
// Stale announcements of older ids are ignored.
func (s *State) Announce(node int, id uint64, kind wire.MessageType, value int64, op uint8) {
	if node < 0 || node >= len(s.Seen) || id <= s.Seen[node] {
		return
	}
	s.Seen[node] = id
	s.Kinds[node] = kind
	s.Values[node] = value
	s.Ops[node] = op

	minSeen := s.Seen[0]
	if len(s.Seen) > 1 {
		minSeen = s.Seen[1]
		for _, seen := range s.Seen[2:] {
			minSeen = min(minSeen, seen)
		}
	}
	s.MinSeen = minSeen
}

// Arrived reports whether every slave announced collective id (master bookkeeping).
// A slave announcing a different kind or gather op than the master is a mismatch.
func (s *State) Arrived(id uint64) (bool, error) {
	if s.MinSeen < id {
		return false, nil
	}
	for node := 1; node < len(s.Seen); node++ {
		if s.Seen[node] != id {
			continue
		}
		if s.Kinds[node] != s.Kinds[0] || (s.Kinds[0] == wire.MsgTGather && s.Ops[node] != s.Ops[0]) {
			return true, fmt.Errorf("%w: node %d sent %s for collective %d, master is in %s",
				common.ErrCollectiveMismatch, node, s.Kinds[node], id, s.Kinds[0])
		}
	}
	return true, nil
}

// Complete records the completion of collective id
func (s *State) Complete(id uint64, kind wire.MessageType, value int64) {
	if id <= s.CompletedID {
		return
	}
	s.CompletedID = id
	s.CompletedKind = kind
	s.CompletedValue = value
}
