package mux

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/pipe"
	"github.com/ValentinKolb/dMux/mux/wire"
	"golang.org/x/time/rate"
)

// slaveRole implements role for nodes 1..N. Slaves receive data, acknowledge it and
// announce collectives to the master.
type slaveRole struct {
	*node
}

func newSlaveRole(n *node) *slaveRole {
	return &slaveRole{node: n}
}

// --------------------------------------------------------------------------
// Application side
// --------------------------------------------------------------------------

func (sl *slaveRole) waitForConnection() error {
	return sl.waitConnected()
}

func (sl *slaveRole) openPipe() (uint32, error) {
	if err := sl.usable(); err != nil {
		return 0, err
	}

	token := sl.nextToken()
	s := sl.dir.Stage(token)
	g := s.Lock()
	defer g.Release()
	s.Limiter = rate.NewLimiter(rate.Every(max(sl.config.TickInterval, sl.config.ReceiveWaitTimeout/2)), 1)
	sl.notify(kick{token: token})

	for s.Phase == pipe.PhaseStaged && s.Err == nil {
		g.Wait()
	}
	if s.Phase == pipe.PhaseStaged {
		return 0, s.Err
	}
	return s.ID, nil
}

func (sl *slaveRole) closePipe(id uint32) error {
	if err := sl.failure(); err != nil {
		return err
	}
	g, err := sl.dir.Acquire(id)
	if err != nil {
		return err
	}
	defer g.Release()
	s := g.State()
	if s.Phase != pipe.PhaseOpen {
		return fmt.Errorf("pipe %d: %w", id, common.ErrPipeClosed)
	}

	s.Phase = pipe.PhaseClosing
	s.LastClose = time.Time{}
	sl.notify(kick{pipe: id})
	for s.Phase != pipe.PhaseClosed && s.Err == nil {
		g.Wait()
	}
	if s.Phase == pipe.PhaseClosed && errors.Is(s.Err, common.ErrPipeClosed) {
		return nil
	}
	return s.Err
}

func (sl *slaveRole) sendPacket(uint32, *pool.Packet) error {
	return fmt.Errorf("%w: only the master sends", common.ErrWrongRole)
}

func (sl *slaveRole) receivePacket(id uint32) (*pool.Packet, error) {
	if err := sl.usable(); err != nil {
		return nil, err
	}
	g, err := sl.dir.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	s := g.State()

	if s.Queue.Len() == 0 && s.Receivers == 0 {
		s.LastRequest = time.Now()
	}
	s.Receivers++
	defer func() { s.Receivers-- }()

	for {
		if pkt := s.Deliver(); pkt != nil {
			return pkt, nil
		}
		if err := s.Usable(); err != nil {
			return nil, err
		}
		if s.Phase != pipe.PhaseOpen {
			return nil, fmt.Errorf("pipe %d: %w", id, common.ErrPipeClosed)
		}
		g.Wait()
	}
}

func (sl *slaveRole) collective(id uint32, kind wire.MessageType, value int64, op GatherOp) (int64, error) {
	if err := sl.usable(); err != nil {
		return 0, err
	}
	g, err := sl.dir.Acquire(id)
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
	s.PendingID = b
	s.PendingKind = kind
	s.PendingValue = value
	s.PendingOp = uint8(op)
	s.LastAnnounce = time.Time{}
	sl.notify(kick{pipe: id})

	for s.CompletedID < b && s.Err == nil {
		g.Wait()
	}
	if s.CompletedID < b {
		return 0, s.Err
	}
	if s.CompletedErr != nil {
		return 0, s.CompletedErr
	}
	if s.CompletedKind != kind {
		return 0, fmt.Errorf("%w: master completed collective %d as %s", common.ErrCollectiveMismatch, b, s.CompletedKind)
	}
	return s.CompletedValue, nil
}

// --------------------------------------------------------------------------
// Dispatch side
// --------------------------------------------------------------------------

func (sl *slaveRole) handle(h *wire.Header, pkt *pool.Packet, _ net.Addr) bool {
	if h.Type == wire.MsgTOpenReply {
		if _, ok := sl.dir.Staged(h.Seq); ok {
			if _, err := sl.dir.Promote(h.Seq, h.Pipe); err != nil {
				Logger.Warningf("node %d: %v", sl.index, err)
			}
		}
		return false
	}

	switch h.Type {
	case wire.MsgTData, wire.MsgTRelease, wire.MsgTResult, wire.MsgTCloseAck:
	default:
		Logger.Debugf("node %d: ignoring %s", sl.index, h)
		return false
	}

	g, err := sl.dir.Acquire(h.Pipe)
	if err != nil {
		// data for a pipe whose OPEN-REPLY is still in flight is resent by the master
		return false
	}
	defer g.Release()
	s := g.State()

	switch h.Type {
	case wire.MsgTData:
		return sl.onData(g, h, pkt)

	case wire.MsgTRelease, wire.MsgTResult:
		if h.Seq != s.PendingID || h.Seq <= s.CompletedID {
			return false
		}
		s.Complete(h.Seq, announcedKind(h.Type), int64(h.Aux))
		if h.Flags&wire.FlagMismatch != 0 {
			s.CompletedErr = fmt.Errorf("%w: reported by the master for collective %d", common.ErrCollectiveMismatch, h.Seq)
		} else {
			s.CompletedErr = nil
		}
		g.Broadcast()

	case wire.MsgTCloseAck:
		if s.Phase == pipe.PhaseClosing {
			s.CloseAcked = true
			sl.dir.Remove(g)
		}
	}
	return false
}

// onData runs the receive path of one DATA datagram
func (sl *slaveRole) onData(g *pipe.Guard, h *wire.Header, pkt *pool.Packet) bool {
	s := g.State()
	now := time.Now()
	s.LastArrival = now

	switch dist := s.Accept(pkt, h.Seq); {
	case dist == 0:
		if s.Unacked == 1 {
			s.FirstUnacked = now
		}
		if s.Unacked >= sl.config.AckEvery {
			sl.sendAck(s)
		}
		g.Broadcast()
		return true
	case dist < 0:
		// duplicate, the master missed our ack
		sl.sendAck(s)
	default:
		// gap, ask for the first missing packet
		if s.Limiter == nil || s.Limiter.Allow() {
			sl.requestResend(s, now)
		}
	}
	return false
}

func (sl *slaveRole) kick(k kick) {
	now := time.Now()
	if k.token != 0 {
		if s, ok := sl.dir.Staged(k.token); ok {
			g := s.Lock()
			sl.tickStaged(g.State(), now)
			g.Release()
		}
		return
	}
	g, err := sl.dir.Acquire(k.pipe)
	if err != nil {
		return
	}
	defer g.Release()
	sl.tickPipe(g.State(), now)
}

func (sl *slaveRole) tick(now time.Time) {
	if !sl.isConnected() {
		return
	}
	sl.dir.EachStaged(func(g *pipe.Guard) bool {
		sl.tickStaged(g.State(), now)
		return true
	})
	sl.dir.Each(func(g *pipe.Guard) bool {
		sl.tickPipe(g.State(), now)
		return true
	})
}

// tickStaged (re)sends the OPEN request of a staged pipe
func (sl *slaveRole) tickStaged(s *pipe.State, now time.Time) {
	if s.Phase != pipe.PhaseStaged || now.Sub(s.LastOpen) < sl.config.BarrierWaitTimeout {
		return
	}
	s.LastOpen = now
	sl.sendToMaster(sl.header(wire.MsgTOpen, 0, s.Token), nil)
}

// tickPipe sends whatever a pipe owes the master: delayed acks, resend requests of
// waiting receivers, collective announcements and close requests
func (sl *slaveRole) tickPipe(s *pipe.State, now time.Time) {
	if s.Unacked > 0 && now.Sub(s.FirstUnacked) >= sl.config.AckDelay {
		sl.sendAck(s)
	}

	if s.Receivers > 0 && s.Queue.Len() == 0 &&
		now.Sub(s.LastArrival) >= sl.config.ReceiveWaitTimeout &&
		now.Sub(s.LastRequest) >= sl.config.ReceiveWaitTimeout {
		sl.requestResend(s, now)
	}

	if s.PendingID > s.CompletedID && now.Sub(s.LastAnnounce) >= sl.config.BarrierWaitTimeout {
		s.LastAnnounce = now
		h := sl.header(s.PendingKind, s.ID, s.PendingID)
		h.SetAck(s.Position)
		var payload []byte
		if s.PendingKind == wire.MsgTGather {
			h.SetOp(s.PendingOp)
			payload = encodeValue(s.PendingValue)
		}
		sl.sendToMaster(h, payload)
		sl.ackSent(s)
	}

	if s.Phase == pipe.PhaseClosing && !s.CloseAcked && now.Sub(s.LastClose) >= sl.config.BarrierWaitTimeout {
		s.LastClose = now
		h := sl.header(wire.MsgTClose, s.ID, 0)
		h.SetAck(s.Position)
		sl.sendToMaster(h, nil)
		sl.ackSent(s)
	}
}

// sendAck reports the stream position to the master
func (sl *slaveRole) sendAck(s *pipe.State) {
	h := sl.header(wire.MsgTAck, s.ID, 0)
	h.SetAck(s.Position)
	sl.sendToMaster(h, nil)
	sl.ackSent(s)
}

// requestResend asks the master to resend from the stream position
func (sl *slaveRole) requestResend(s *pipe.State, now time.Time) {
	s.LastRequest = now
	h := sl.header(wire.MsgTResend, s.ID, s.Position)
	h.SetAck(s.Position)
	sl.sendToMaster(h, nil)
	sl.ackSent(s)
}

func (sl *slaveRole) ackSent(s *pipe.State) {
	s.Unacked = 0
}
