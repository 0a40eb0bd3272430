package pipe

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/wire"
)

func newPacket(t *testing.T, p *pool.Pool, size int) *pool.Packet {
	t.Helper()
	pkt := p.Acquire()
	if _, err := pkt.Resize(size); err != nil {
		t.Fatalf("Failed to resize packet: %v", err)
	}
	return pkt
}

func openPipe(t *testing.T, d *Directory, token uint64, id uint32) *State {
	t.Helper()
	d.Stage(token)
	s, err := d.Promote(token, id)
	if err != nil {
		t.Fatalf("Failed to promote pipe: %v", err)
	}
	return s
}

// TestStagePromote checks the staged to open transition
func TestStagePromote(t *testing.T) {
	d := NewDirectory(pool.NewPool(0), 2)

	s := d.Stage(7)
	if again := d.Stage(7); again != s {
		t.Errorf("Staging the same token twice should return the same state")
	}
	if _, err := d.Acquire(1); !errors.Is(err, common.ErrUnknownPipe) {
		t.Errorf("Expected ErrUnknownPipe for a staged pipe, got %v", err)
	}

	if _, err := d.Promote(7, 1); err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	if _, ok := d.Staged(7); ok {
		t.Errorf("Token should no longer be staged")
	}
	if _, err := d.Promote(8, 2); err == nil {
		t.Errorf("Expected an error promoting an unknown token")
	}

	g, err := d.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer g.Release()
	if g.State().Phase != PhaseOpen || g.State().ID != 1 || g.State().Token != 7 {
		t.Errorf("Unexpected state after promote: %s", g.State())
	}
}

// TestRemove checks that removing a pipe releases its packets and fails later use
func TestRemove(t *testing.T) {
	p := pool.NewPool(0)
	d := NewDirectory(p, 1)
	openPipe(t, d, 1, 1)

	g, _ := d.Acquire(1)
	for i := 0; i < 3; i++ {
		g.State().Append(newPacket(t, p, 10))
	}
	if n := d.Remove(g); n != 3 {
		t.Errorf("Expected 3 released packets, got %d", n)
	}
	if p.Stats().InUse != 0 {
		t.Errorf("Expected no packets in use, got %d", p.Stats().InUse)
	}
	if _, err := d.Acquire(1); !errors.Is(err, common.ErrPipeClosed) {
		t.Errorf("Expected ErrPipeClosed, got %v", err)
	}
	if !d.IsClosed(1) || d.Len() != 0 {
		t.Errorf("Pipe should be remembered as closed")
	}
	if _, err := d.Promote(d.Stage(2).Token, 1); !errors.Is(err, common.ErrPipeClosed) {
		t.Errorf("Reusing a closed id should fail, got %v", err)
	}
}

// TestRemoveWakesWaiters checks that a goroutine blocked on a pipe wakes on removal
func TestRemoveWakesWaiters(t *testing.T) {
	d := NewDirectory(pool.NewPool(0), 1)
	openPipe(t, d, 1, 1)

	result := make(chan error, 1)
	go func() {
		g, err := d.Acquire(1)
		if err != nil {
			result <- err
			return
		}
		defer g.Release()
		for g.State().Usable() == nil {
			g.Wait()
		}
		result <- g.State().Usable()
	}()

	time.Sleep(20 * time.Millisecond)
	g, err := d.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	d.Remove(g)

	select {
	case err := <-result:
		if !errors.Is(err, common.ErrPipeClosed) {
			t.Errorf("Expected ErrPipeClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Waiter was not woken")
	}
}

// TestAckAndRetire checks the master delivery bookkeeping
func TestAckAndRetire(t *testing.T) {
	p := pool.NewPool(0)
	s := NewState(1, 2)
	for i := 0; i < 3; i++ {
		s.Append(newPacket(t, p, 100))
	}
	s.SentPos = s.Position

	if s.HeadPos+uint64(s.Queue.Bytes()) != s.Position || s.Position != 300 {
		t.Fatalf("Position invariant violated: head=%d bytes=%d pos=%d", s.HeadPos, s.Queue.Bytes(), s.Position)
	}

	s.Ack(1, 200)
	if n := s.Retire(p); n != 0 || s.HeadUnacked != 1 {
		t.Errorf("Nothing may retire while slave 2 lags, got %d retired, %d unacked", n, s.HeadUnacked)
	}

	s.Ack(2, 100)
	if n := s.Retire(p); n != 1 || s.HeadPos != 100 {
		t.Errorf("Expected one retired packet and head at 100, got %d and %d", n, s.HeadPos)
	}
	if s.Ack(2, 50) {
		t.Errorf("An older ack must not move the position back")
	}
	if s.Ack(2, 400) {
		t.Errorf("An ack beyond the stream position must be ignored")
	}

	s.Ack(1, 300)
	s.Ack(2, 300)
	if n := s.Retire(p); n != 2 || s.Queue.Len() != 0 || s.HeadPos != 300 {
		t.Errorf("Expected the queue to drain, got %d retired, %s", n, s)
	}
	if p.Stats().InUse != 0 {
		t.Errorf("Expected all packets back in the pool, got %d in use", p.Stats().InUse)
	}
}

// TestPacketAtAndResend checks resend cursor handling
func TestPacketAtAndResend(t *testing.T) {
	p := pool.NewPool(0)
	s := NewState(1, 2)
	var pkts []*pool.Packet
	for _, size := range []int{10, 20, 30} {
		pkt := newPacket(t, p, size)
		pkts = append(pkts, pkt)
		s.Append(pkt)
	}
	s.SentPos = s.Position

	for pos, want := range map[uint64]*pool.Packet{0: pkts[0], 10: pkts[1], 30: pkts[2], 5: nil, 60: nil} {
		if got := s.PacketAt(pos); got != want {
			t.Errorf("PacketAt(%d) returned the wrong packet", pos)
		}
	}

	s.StartResend(1, 10)
	if !s.Recovery || !s.Resending[1] || s.ResendFrom[1] != 10 {
		t.Fatalf("Expected slave 1 to resend from 10")
	}
	s.Ack(1, 30)
	if s.ResendFrom[1] != 30 {
		t.Errorf("An ack should advance the resend cursor, got %d", s.ResendFrom[1])
	}
	s.ResendFrom[1] = s.SentPos
	s.UpdateRecovery()
	if s.Recovery || s.Resending[1] {
		t.Errorf("Recovery should end once the cursor reached the sent position")
	}

	s.Ack(2, 60)
	s.StartResend(2, 0)
	if s.Resending[2] {
		t.Errorf("A slave that acknowledged everything must not be resent to")
	}
	if !s.Lagging() {
		t.Errorf("Slave 1 still lags")
	}
}

// TestAccept checks the slave receive path
func TestAccept(t *testing.T) {
	p := pool.NewPool(0)
	s := NewState(1, 1)

	first := newPacket(t, p, 8)
	if s.Accept(first, 0) != 0 {
		t.Fatalf("Expected the first packet to be accepted")
	}
	dup := newPacket(t, p, 8)
	if s.Accept(dup, 0) >= 0 {
		t.Errorf("Expected a duplicate")
	}
	gap := newPacket(t, p, 8)
	if s.Accept(gap, 16) <= 0 {
		t.Errorf("Expected a gap")
	}
	p.Release(dup)
	p.Release(gap)

	if s.Unacked != 1 || s.Position != 8 {
		t.Errorf("Unexpected bookkeeping: unacked=%d position=%d", s.Unacked, s.Position)
	}
	if got := s.Deliver(); got != first || s.HeadPos != 8 {
		t.Errorf("Expected the first packet to be delivered")
	}
	if s.Deliver() != nil {
		t.Errorf("Expected an empty queue")
	}
}

// TestCollectiveBookkeeping checks arrival, stale announcements and mismatches
func TestCollectiveBookkeeping(t *testing.T) {
	s := NewState(1, 3)

	s.Announce(0, 1, wire.MsgTGather, 5, 2)
	s.Announce(1, 1, wire.MsgTGather, 7, 2)
	s.Announce(2, 1, wire.MsgTGather, 1, 2)
	if ok, _ := s.Arrived(1); ok {
		t.Errorf("Slave 3 has not arrived yet")
	}
	s.Announce(3, 1, wire.MsgTGather, 9, 2)
	ok, err := s.Arrived(1)
	if !ok || err != nil {
		t.Fatalf("Expected all nodes to have arrived, got %v %v", ok, err)
	}
	if s.MinSeen != 1 {
		t.Errorf("Expected min seen 1, got %d", s.MinSeen)
	}

	// stale duplicate must not overwrite the value
	s.Announce(3, 1, wire.MsgTGather, 100, 2)
	if s.Values[3] != 9 {
		t.Errorf("Duplicate announcement overwrote the value: %d", s.Values[3])
	}

	s.Complete(1, wire.MsgTGather, 9)
	s.Complete(1, wire.MsgTGather, 0)
	if s.CompletedID != 1 || s.CompletedValue != 9 {
		t.Errorf("Completion must not be recorded twice")
	}

	s.Announce(0, 2, wire.MsgTBarrier, 0, 0)
	s.Announce(1, 2, wire.MsgTBarrier, 0, 0)
	s.Announce(2, 2, wire.MsgTGather, 1, 1)
	s.Announce(3, 2, wire.MsgTBarrier, 0, 0)
	if _, err := s.Arrived(2); !errors.Is(err, common.ErrCollectiveMismatch) {
		t.Errorf("Expected ErrCollectiveMismatch, got %v", err)
	}
}

// TestFail checks that Fail wakes staged and published pipes
func TestFail(t *testing.T) {
	d := NewDirectory(pool.NewPool(0), 1)
	staged := d.Stage(1)
	openPipe(t, d, 2, 1)

	fatal := errors.New("fatal")
	var wg sync.WaitGroup
	wait := func(s *State) {
		defer wg.Done()
		g := s.Lock()
		defer g.Release()
		for g.State().Err == nil {
			g.Wait()
		}
	}
	wg.Add(1)
	go wait(staged)
	g, _ := d.Acquire(1)
	published := g.State()
	g.Release()
	wg.Add(1)
	go wait(published)

	time.Sleep(20 * time.Millisecond)
	d.Fail(fatal)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Waiters were not woken by Fail")
	}
}

// TestStageAfterFail checks that pipes staged or promoted after Fail carry the failure,
// so an OpenPipe that raced with Close does not wait forever
func TestStageAfterFail(t *testing.T) {
	d := NewDirectory(pool.NewPool(0), 1)
	d.Fail(common.ErrClosed)

	s := d.Stage(1)
	g := s.Lock()
	err := g.State().Err
	g.Release()
	if !errors.Is(err, common.ErrClosed) {
		t.Fatalf("Expected staged pipe to fail with ErrClosed, got %v", err)
	}

	d.Stage(2)
	promoted, err := d.Promote(2, 5)
	if err != nil {
		t.Fatalf("Promote failed: %v", err)
	}
	if err := promoted.Usable(); !errors.Is(err, common.ErrClosed) {
		t.Errorf("Expected promoted pipe to fail with ErrClosed, got %v", err)
	}

	// a second failure does not replace the first
	d.Fail(errors.New("other"))
	if err := d.Stage(3).Usable(); !errors.Is(err, common.ErrClosed) {
		t.Errorf("Expected the first failure to stick, got %v", err)
	}
}
