package mux

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/pipe"
	"github.com/ValentinKolb/dMux/mux/wire"
	"github.com/puzpuzpuz/xsync/v3"
)

// openRecord tracks one OpenPipe call (correlation token) across the cluster
type openRecord struct {
	id      uint32 // 0 until the master itself called OpenPipe for the token
	seen    []bool // slaves that sent OPEN for the token
	numSeen int
}

// masterRole implements role for node 0. The master owns the id space, sends data
// and completes collectives.
type masterRole struct {
	*node

	// opens is keyed by correlation token, records are guarded by node.mu. A record
	// lives until its pipe is closed, every slave knows the id by then.
	opens *xsync.MapOf[uint64, *openRecord]

	idMu   sync.Mutex
	nextID uint32
}

func newMasterRole(n *node) *masterRole {
	return &masterRole{
		node:   n,
		opens:  xsync.NewMapOf[uint64, *openRecord](),
		nextID: 1,
	}
}

// --------------------------------------------------------------------------
// Application side
// --------------------------------------------------------------------------

func (m *masterRole) waitForConnection() error {
	if m.config.NumSlaves == 0 {
		m.setConnected()
	}
	return m.waitConnected()
}

func (m *masterRole) openPipe() (uint32, error) {
	if err := m.usable(); err != nil {
		return 0, err
	}

	token := m.nextToken()
	m.dir.Stage(token)

	m.idMu.Lock()
	id := m.nextID
	m.nextID++
	m.idMu.Unlock()

	s, err := m.dir.Promote(token, id)
	if err != nil {
		return 0, err
	}
	g := s.Lock()
	s.LastProgress = time.Now()
	g.Release()

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.openRecord(token)
	rec.id = id
	// answer the OPEN requests that arrived before this call
	m.notify(kick{token: token})

	// every slave has to know the id before data flows
	for m.err == nil {
		if rec.numSeen == m.config.NumSlaves {
			return id, nil
		}
		m.cond.Wait()
	}
	return 0, m.err
}

// openRecord returns the record of token, node.mu must be held
func (m *masterRole) openRecord(token uint64) *openRecord {
	rec, _ := m.opens.LoadOrCompute(token, func() *openRecord {
		return &openRecord{seen: make([]bool, m.config.NumSlaves+1)}
	})
	return rec
}

func (m *masterRole) closePipe(id uint32) error {
	if err := m.failure(); err != nil {
		return err
	}
	g, err := m.dir.Acquire(id)
	if err != nil {
		return err
	}
	defer g.Release()
	s := g.State()
	if s.Phase != pipe.PhaseOpen {
		return fmt.Errorf("pipe %d: %w", id, common.ErrPipeClosed)
	}

	// all data has to be acknowledged before the slaves can drop the pipe
	for s.Queue.Len() > 0 && s.Err == nil {
		g.Wait()
	}
	if s.Err != nil {
		return s.Err
	}

	s.Phase = pipe.PhaseClosing
	m.notify(kick{pipe: id})
	for s.Phase != pipe.PhaseClosed && s.Err == nil {
		g.Wait()
	}
	if s.Phase == pipe.PhaseClosed && errors.Is(s.Err, common.ErrPipeClosed) {
		return nil
	}
	return s.Err
}

func (m *masterRole) sendPacket(id uint32, pkt *pool.Packet) error {
	if pkt.PayloadLen() == 0 {
		return common.ErrEmptyPacket
	}
	if err := m.usable(); err != nil {
		return err
	}
	g, err := m.dir.Acquire(id)
	if err != nil {
		return err
	}
	defer g.Release()
	s := g.State()

	// backpressure
	for s.Queue.Len() >= m.config.SendWindow && s.Phase == pipe.PhaseOpen && s.Err == nil {
		g.Wait()
	}
	if err := s.Usable(); err != nil {
		return err
	}
	if s.Phase != pipe.PhaseOpen {
		return fmt.Errorf("pipe %d: %w", id, common.ErrPipeClosed)
	}

	h := m.header(wire.MsgTData, id, s.Position)
	wire.Encode(&h, pkt)
	s.Append(pkt)
	m.notify(kick{pipe: id})
	return nil
}

func (m *masterRole) receivePacket(uint32) (*pool.Packet, error) {
	return nil, fmt.Errorf("%w: the master only sends", common.ErrWrongRole)
}

func (m *masterRole) collective(id uint32, kind wire.MessageType, value int64, op GatherOp) (int64, error) {
	if err := m.usable(); err != nil {
		return 0, err
	}
	g, err := m.dir.Acquire(id)
	if err != nil {
		return 0, err
	}
	defer g.Release()
	s := g.State()
	if s.Phase != pipe.PhaseOpen {
		return 0, fmt.Errorf("pipe %d: %w", id, common.ErrPipeClosed)
	}

	s.BarrierID++
	b := s.BarrierID
	s.Announce(0, b, kind, value, uint8(op))
	m.notify(kick{pipe: id})

	for s.CompletedID < b && s.Err == nil {
		g.Wait()
	}
	if s.CompletedID < b {
		return 0, s.Err
	}
	if s.CompletedErr != nil {
		return 0, s.CompletedErr
	}
	return s.CompletedValue, nil
}

// --------------------------------------------------------------------------
// Dispatch side
// --------------------------------------------------------------------------

func (m *masterRole) handle(h *wire.Header, pkt *pool.Packet, from net.Addr) bool {
	slave := int(h.Node)

	switch h.Type {
	case wire.MsgTOpen:
		m.onOpen(slave, h.Seq, from)
		return false
	case wire.MsgTClose:
		if m.dir.IsClosed(h.Pipe) {
			m.sendTo(m.header(wire.MsgTCloseAck, h.Pipe, 0), nil, from)
			return false
		}
	case wire.MsgTAck, wire.MsgTResend, wire.MsgTBarrier, wire.MsgTGather:
	default:
		Logger.Debugf("node 0: ignoring %s", h)
		return false
	}

	g, err := m.dir.Acquire(h.Pipe)
	if err != nil {
		Logger.Debugf("node 0: %s: %v", h, err)
		return false
	}
	defer g.Release()
	s := g.State()

	now := time.Now()
	if h.Type == wire.MsgTAck || h.HasAck() {
		m.applyAck(g, slave, h.Aux, now)
	}

	switch h.Type {
	case wire.MsgTResend:
		s.Ack(slave, h.Seq)
		s.StartResend(slave, h.Seq)
		m.resend(s, slave)
		s.UpdateRecovery()

	case wire.MsgTBarrier, wire.MsgTGather:
		var value int64
		if h.Type == wire.MsgTGather {
			v, ok := decodeValue(pkt.Payload())
			if !ok {
				Logger.Debugf("node 0: gather without value from node %d", slave)
				return false
			}
			value = v
		}
		if h.Seq != 0 && h.Seq == s.CompletedID {
			// lost completion, answer the straggler directly
			m.sendCompletion(s, slave)
			return false
		}
		s.Announce(slave, h.Seq, h.Type, value, h.Op())
		m.tryComplete(g)

	case wire.MsgTClose:
		s.CloseSeen[slave] = true
		m.tryClose(g)
		return false
	}
	return false
}

// onOpen records an OPEN request and answers it once the id is known
func (m *masterRole) onOpen(slave int, token uint64, from net.Addr) {
	m.mu.Lock()
	rec, ok := m.opens.Load(token)
	if !ok && token <= m.callCounter.Load() {
		// the pipe was closed already or OpenPipe is about to create the record,
		// the slave repeats its request in both cases
		m.mu.Unlock()
		return
	}
	if !ok {
		rec = m.openRecord(token)
	}
	if !rec.seen[slave] {
		rec.seen[slave] = true
		rec.numSeen++
		m.cond.Broadcast()
	}
	id := rec.id
	m.mu.Unlock()

	if id != 0 {
		m.sendTo(m.header(wire.MsgTOpenReply, id, token), nil, from)
	}
}

func (m *masterRole) kick(k kick) {
	if k.token != 0 {
		// answer OPEN requests that were recorded before the id was assigned
		m.mu.Lock()
		rec, ok := m.opens.Load(k.token)
		if !ok {
			m.mu.Unlock()
			return
		}
		id, seen := rec.id, append([]bool(nil), rec.seen...)
		m.mu.Unlock()
		for slave, ok := range seen {
			if ok {
				m.sendToNode(m.header(wire.MsgTOpenReply, id, k.token), nil, slave)
			}
		}
		return
	}

	g, err := m.dir.Acquire(k.pipe)
	if err != nil {
		return
	}
	defer g.Release()
	m.transmit(g.State(), time.Now())
	if g.State().Retire(m.pool) > 0 {
		// only without slaves, otherwise acks retire packets
		g.Broadcast()
	}
	m.tryComplete(g)
	m.tryClose(g)
}

func (m *masterRole) tick(now time.Time) {
	m.dir.Each(func(g *pipe.Guard) bool {
		s := g.State()
		if s.Queue.Len() > 0 && s.Lagging() && now.Sub(s.LastProgress) >= m.config.ResendTimeout {
			// tail loss: nobody asked for a resend, so resend everything unacknowledged
			lagging := 0
			for slave := 1; slave <= m.config.NumSlaves; slave++ {
				if s.Acked[slave] < s.SentPos && !s.Resending[slave] {
					s.StartResend(slave, s.Acked[slave])
					lagging++
				}
			}
			if lagging > 0 {
				Logger.Debugf("node 0: pipe %d made no progress for %s, resending to %d slaves", s.ID, m.config.ResendTimeout, lagging)
				m.metrics.onResend(0, true)
			}
			s.LastProgress = now
		}
		if s.Recovery {
			for slave := 1; slave <= m.config.NumSlaves; slave++ {
				if s.Resending[slave] {
					m.resend(s, slave)
				}
			}
			s.UpdateRecovery()
		}
		return true
	})
}

// --------------------------------------------------------------------------
// Delivery
// --------------------------------------------------------------------------

// transmit fans out every queued packet that was not sent yet
func (m *masterRole) transmit(s *pipe.State, now time.Time) {
	if s.SentPos >= s.Position {
		return
	}
	if !s.Lagging() {
		s.LastProgress = now
	}
	pos := s.HeadPos
	s.Queue.Each(func(pkt *pool.Packet) bool {
		if pos >= s.SentPos {
			m.fanOut(wire.MsgTData, pkt.Bytes())
		}
		pos += uint64(pkt.PayloadLen())
		return true
	})
	s.SentPos = s.Position
}

// resend sends a burst of packets from the resend cursor of slave
func (m *masterRole) resend(s *pipe.State, slave int) {
	p, ok := m.peers.Load(slave)
	if !ok || !s.Resending[slave] {
		return
	}
	sent := 0
	for sent < m.config.MaxResendBurst && s.ResendFrom[slave] < s.SentPos {
		if s.ResendFrom[slave] < s.HeadPos {
			// everyone acknowledged what lies below the head
			s.ResendFrom[slave] = s.HeadPos
			continue
		}
		pkt := s.PacketAt(s.ResendFrom[slave])
		if pkt == nil {
			Logger.Warningf("node 0: pipe %d: resend cursor %d of slave %d is not at a packet boundary", s.ID, s.ResendFrom[slave], slave)
			s.Resending[slave] = false
			break
		}
		m.write(wire.MsgTData, pkt.Bytes(), p.addr)
		s.ResendFrom[slave] += uint64(pkt.PayloadLen())
		sent++
	}
	if sent > 0 {
		m.metrics.onResend(sent, false)
	}
}

// applyAck records a slave position and retires what everybody has
func (m *masterRole) applyAck(g *pipe.Guard, slave int, pos uint64, now time.Time) {
	s := g.State()
	if !s.Ack(slave, pos) {
		return
	}
	s.LastProgress = now
	if s.Retire(m.pool) > 0 {
		g.Broadcast()
	}
}

// --------------------------------------------------------------------------
// Collectives and close
// --------------------------------------------------------------------------

// tryComplete finishes the running collective once every node announced it
func (m *masterRole) tryComplete(g *pipe.Guard) {
	s := g.State()
	b := s.BarrierID
	if b == 0 || s.CompletedID >= b || s.Seen[0] != b {
		return
	}
	arrived, mismatch := s.Arrived(b)
	if !arrived {
		return
	}

	kind := s.Kinds[0]
	var value int64
	if mismatch == nil && kind == wire.MsgTGather {
		value = reduceAll(GatherOp(s.Ops[0]), s.Values)
	}
	s.Complete(b, kind, value)
	s.CompletedErr = mismatch
	if mismatch != nil {
		Logger.Warningf("node 0: pipe %d: %v", s.ID, mismatch)
	}

	h := m.completion(s)
	m.broadcast(h, nil)
	g.Broadcast()
}

// completion builds the RELEASE or RESULT of the last completed collective
func (m *masterRole) completion(s *pipe.State) wire.Header {
	h := m.header(replyKind(s.CompletedKind), s.ID, s.CompletedID)
	h.Aux = uint64(s.CompletedValue)
	if s.CompletedErr != nil {
		h.Flags |= wire.FlagMismatch
	}
	return h
}

func (m *masterRole) sendCompletion(s *pipe.State, slave int) {
	m.sendToNode(m.completion(s), nil, slave)
}

// tryClose finishes the close handshake once every slave sent CLOSE
func (m *masterRole) tryClose(g *pipe.Guard) {
	s := g.State()
	if s.Phase != pipe.PhaseClosing {
		return
	}
	for slave := 1; slave <= m.config.NumSlaves; slave++ {
		if !s.CloseSeen[slave] {
			return
		}
	}
	m.broadcast(m.header(wire.MsgTCloseAck, s.ID, 0), nil)

	m.mu.Lock()
	m.opens.Delete(s.Token)
	m.mu.Unlock()
	m.dir.Remove(g)
}
