package mux

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/transport/memnet"
	"github.com/ValentinKolb/dMux/mux/wire"
	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Scenarios
// --------------------------------------------------------------------------

// TestStreamNoLoss sends 100 numbered 64 byte packets to 3 slaves without loss
func TestStreamNoLoss(t *testing.T) {
	c := connectedCluster(t, 3, nil)
	id := c.openPipe(t)

	c.stream(t, id, 100, 64, 10*time.Second)
	c.run(t, 10*time.Second, func(m *Multiplexer) error {
		return m.ClosePipe(id)
	})

	if dropped := c.net.Stats().Dropped; dropped != 0 {
		t.Errorf("Expected no dropped datagrams, got %d", dropped)
	}
	if sent := c.nodes[0].Stats().BytesSent; sent < 3*100*64 {
		t.Errorf("Master should have sent at least %d bytes, got %d", 3*100*64, sent)
	}
	if open := c.nodes[0].role.(*masterRole).opens.Size(); open != 0 {
		t.Errorf("Master kept %d open records after the close", open)
	}
	c.closeAll(t)
}

// TestStreamWithLoss sends the same stream while 10% of all datagrams are lost
func TestStreamWithLoss(t *testing.T) {
	c := connectedCluster(t, 3, nil)
	id := c.openPipe(t)

	c.net.SetDropRate(0.1)
	c.stream(t, id, 100, 64, 30*time.Second)
	c.run(t, 30*time.Second, func(m *Multiplexer) error {
		return m.ClosePipe(id)
	})

	if c.net.Stats().Dropped == 0 {
		t.Errorf("Expected the network to drop datagrams")
	}
	if c.nodes[0].Stats().PacketsResent == 0 {
		t.Errorf("Expected the master to resend packets")
	}
	c.closeAll(t)
}

// TestStreamGroup repeats the stream and the collectives with the master fanning out
// through a slave group, every slave drops independently
func TestStreamGroup(t *testing.T) {
	for _, dropRate := range []float64{0, 0.1} {
		t.Run(fmt.Sprintf("drop %.1f", dropRate), func(t *testing.T) {
			c := connectedCluster(t, 3, withGroup)
			id := c.openPipe(t)
			c.net.SetDropRate(dropRate)

			c.stream(t, id, 100, 64, 30*time.Second)
			c.run(t, 20*time.Second, func(m *Multiplexer) error {
				if err := m.Barrier(id); err != nil {
					return err
				}
				sum, err := m.Gather(id, int64(m.NodeIndex()+1), OpSum)
				if err != nil {
					return err
				}
				if sum != 10 {
					return fmt.Errorf("gathered %d, expected 10", sum)
				}
				return m.ClosePipe(id)
			})

			stats := c.net.Stats()
			if dropRate == 0 {
				// one datagram per packet instead of one per slave
				if sent := c.nodes[0].Stats().BytesSent; sent >= 2*100*64 {
					t.Errorf("Master sent %d bytes, the group was not used", sent)
				}
				if stats.Dropped != 0 {
					t.Errorf("Expected no dropped datagrams, got %d", stats.Dropped)
				}
			} else if stats.Dropped == 0 {
				t.Errorf("Expected the network to drop datagrams")
			}
			c.closeAll(t)
		})
	}
}

// TestLossFromStart drops datagrams before the nodes start, so hello, welcome, open
// and open replies get lost too and data can arrive before a slave knows the pipe
func TestLossFromStart(t *testing.T) {
	for _, dropRate := range []float64{0.1, 0.3} {
		for seed := uint64(1); seed <= 4; seed++ {
			t.Run(fmt.Sprintf("drop %.1f seed %d", dropRate, seed), func(t *testing.T) {
				if testing.Short() && seed > 1 {
					t.Skip("short mode")
				}
				network := memnet.NewNetwork(seed)
				network.SetDropRate(dropRate)
				c := newClusterOn(t, network, 3, func(config *common.MuxConfig) {
					config.ConnectTimeout = 30 * time.Second
				})
				c.connect(t, 30*time.Second)

				ids := make([][2]uint32, len(c.nodes))
				c.run(t, 30*time.Second, func(m *Multiplexer) error {
					for i := range ids[m.NodeIndex()] {
						id, err := m.OpenPipe()
						if err != nil {
							return err
						}
						ids[m.NodeIndex()][i] = id
					}
					return nil
				})
				for i, pair := range ids {
					if pair != ids[0] {
						t.Fatalf("Node %d opened %v, master opened %v", i, pair, ids[0])
					}
				}
				a, b := ids[0][0], ids[0][1]

				const count = 150
				c.run(t, 60*time.Second, func(m *Multiplexer) error {
					for i := 0; i < count; i++ {
						for j, id := range []uint32{a, b} {
							seq := uint64(j*1000 + i)
							if m.IsMaster() {
								if err := m.SendPacket(id, numbered(m, seq, 48)); err != nil {
									return err
								}
								continue
							}
							pkt, err := m.ReceivePacket(id)
							if err != nil {
								return err
							}
							err = checkNumbered(pkt, seq, 48)
							m.ReleasePacket(pkt)
							if err != nil {
								return err
							}
						}
					}
					return nil
				})

				for round := int64(1); round <= 5; round++ {
					c.run(t, 30*time.Second, func(m *Multiplexer) error {
						if err := m.Barrier(a); err != nil {
							return err
						}
						sum, err := m.Gather(b, round*int64(m.NodeIndex()+1), OpSum)
						if err != nil {
							return err
						}
						if want := round * 10; sum != want {
							return fmt.Errorf("round %d gathered %d, expected %d", round, sum, want)
						}
						return nil
					})
				}

				c.run(t, 30*time.Second, func(m *Multiplexer) error {
					if err := m.ClosePipe(a); err != nil {
						return err
					}
					return m.ClosePipe(b)
				})
				if open := c.nodes[0].role.(*masterRole).opens.Size(); open != 0 {
					t.Errorf("Master kept %d open records after the close", open)
				}
				c.closeAll(t)
			})
		}
	}
}

// TestGatherMax gathers MAX over {3,7,2,9}, every node must see 9
func TestGatherMax(t *testing.T) {
	c := connectedCluster(t, 3, nil)
	id := c.openPipe(t)

	values := []int64{3, 7, 2, 9}
	results := make([]int64, len(values))
	c.run(t, 10*time.Second, func(m *Multiplexer) error {
		v, err := m.Gather(id, values[m.NodeIndex()], OpMax)
		results[m.NodeIndex()] = v
		return err
	})
	for i, v := range results {
		if v != 9 {
			t.Errorf("Node %d got %d, expected 9", i, v)
		}
	}
}

// --------------------------------------------------------------------------
// Delivery
// --------------------------------------------------------------------------

// TestMultiplePipes interleaves two pipes, each must stay in order
func TestMultiplePipes(t *testing.T) {
	c := connectedCluster(t, 2, func(config *common.MuxConfig) {
		config.SendWindow = 8
	})
	a := c.openPipe(t)
	b := c.openPipe(t)
	if a == b {
		t.Fatalf("Two pipes got the same id %d", a)
	}

	const count = 50
	c.run(t, 10*time.Second, func(m *Multiplexer) error {
		if m.IsMaster() {
			for i := 0; i < count; i++ {
				if err := m.SendPacket(a, numbered(m, uint64(i), 32)); err != nil {
					return err
				}
				if err := m.SendPacket(b, numbered(m, uint64(1000+i), 100)); err != nil {
					return err
				}
			}
			return nil
		}

		// drain b completely first, a has to buffer everything meanwhile
		for i := 0; i < count; i++ {
			pkt, err := m.ReceivePacket(b)
			if err != nil {
				return err
			}
			err = checkNumbered(pkt, uint64(1000+i), 100)
			m.ReleasePacket(pkt)
			if err != nil {
				return err
			}
		}
		for i := 0; i < count; i++ {
			pkt, err := m.ReceivePacket(a)
			if err != nil {
				return err
			}
			err = checkNumbered(pkt, uint64(i), 32)
			m.ReleasePacket(pkt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// TestDuplicateSuppression replays an old datagram to a slave, it must not be delivered
func TestDuplicateSuppression(t *testing.T) {
	c := connectedCluster(t, 1, nil)
	id := c.openPipe(t)
	c.stream(t, id, 3, 16, 5*time.Second)

	// replay the first data packet from a foreign socket
	injector, err := c.net.Listen("injector")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer injector.Close()
	replay := make([]byte, wire.HeaderSize+16)
	h := wire.Header{Type: wire.MsgTData, Node: 0, Pipe: id, Seq: 0, Length: 16}
	wire.EncodeBytes(&h, replay)
	if _, err := injector.WriteTo(replay, memnet.NodeAddr(1)); err != nil {
		t.Fatalf("Failed to inject datagram: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// the next packet the slave sees has to be the next one the master sends
	c.run(t, 5*time.Second, func(m *Multiplexer) error {
		if m.IsMaster() {
			return m.SendPacket(id, numbered(m, 3, 16))
		}
		pkt, err := m.ReceivePacket(id)
		if err != nil {
			return err
		}
		defer m.ReleasePacket(pkt)
		return checkNumbered(pkt, 3, 16)
	})
}

// TestBackpressure blocks the master on a full send window until the slave is reachable
func TestBackpressure(t *testing.T) {
	c := connectedCluster(t, 1, func(config *common.MuxConfig) {
		config.SendWindow = 4
		config.PingTimeout = time.Second
	})
	id := c.openPipe(t)
	master := c.nodes[0]

	c.net.Partition(memnet.NodeAddr(0), memnet.NodeAddr(1))
	sent := make(chan error, 1)
	go func() {
		for i := 0; i < 5; i++ {
			if err := master.SendPacket(id, numbered(master, uint64(i), 8)); err != nil {
				sent <- err
				return
			}
		}
		sent <- nil
	}()

	select {
	case err := <-sent:
		t.Fatalf("SendPacket should block on a full window, returned %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	c.net.Heal(memnet.NodeAddr(0), memnet.NodeAddr(1))
	slave := c.nodes[1]
	for i := 0; i < 5; i++ {
		pkt, err := slave.ReceivePacket(id)
		if err != nil {
			t.Fatalf("ReceivePacket failed: %v", err)
		}
		if err := checkNumbered(pkt, uint64(i), 8); err != nil {
			t.Errorf("%v", err)
		}
		slave.ReleasePacket(pkt)
	}
	select {
	case err := <-sent:
		if err != nil {
			t.Errorf("SendPacket failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("SendPacket did not unblock")
	}
}

// --------------------------------------------------------------------------
// Collectives
// --------------------------------------------------------------------------

// TestBarrierBlocks checks that nobody leaves the barrier before the last node entered
func TestBarrierBlocks(t *testing.T) {
	c := connectedCluster(t, 2, nil)
	id := c.openPipe(t)

	const delay = 150 * time.Millisecond
	var mu sync.Mutex
	var lastEnter time.Time
	left := make([]time.Time, len(c.nodes))

	c.run(t, 10*time.Second, func(m *Multiplexer) error {
		if m.NodeIndex() == 2 {
			time.Sleep(delay)
		}
		mu.Lock()
		if now := time.Now(); now.After(lastEnter) {
			lastEnter = now
		}
		mu.Unlock()
		if err := m.Barrier(id); err != nil {
			return err
		}
		left[m.NodeIndex()] = time.Now()
		return nil
	})

	for i, ts := range left {
		if ts.Before(lastEnter) {
			t.Errorf("Node %d left the barrier before the last node entered", i)
		}
	}
}

// TestGatherOps checks every reduction with zeros, extremes, negatives and duplicates
func TestGatherOps(t *testing.T) {
	c := connectedCluster(t, 3, nil)
	id := c.openPipe(t)

	inputs := [][]int64{
		{0, 0, 0, 0},
		{math.MaxInt64, math.MinInt64, 1, -1},
		{-5, -17, -3, -100},
		{42, 42, 42, 42},
		{1, 2, 4, 8},
		{-1, 0, math.MaxInt64, 7},
	}
	ops := []GatherOp{OpSum, OpMin, OpMax, OpAnd, OpOr}

	for _, values := range inputs {
		for _, op := range ops {
			want := reduceAll(op, values)
			results := make([]int64, len(values))
			c.run(t, 10*time.Second, func(m *Multiplexer) error {
				v, err := m.Gather(id, values[m.NodeIndex()], op)
				results[m.NodeIndex()] = v
				return err
			})
			for i, got := range results {
				if got != want {
					t.Errorf("%s over %v: node %d got %d, expected %d", op, values, i, got, want)
				}
			}
		}
	}
}

// TestCollectivesWithLoss runs barriers and gathers on a lossy network
func TestCollectivesWithLoss(t *testing.T) {
	c := connectedCluster(t, 3, nil)
	id := c.openPipe(t)
	c.net.SetDropRate(0.1)

	for round := int64(1); round <= 20; round++ {
		c.run(t, 20*time.Second, func(m *Multiplexer) error {
			if err := m.Barrier(id); err != nil {
				return err
			}
			sum, err := m.Gather(id, round*int64(m.NodeIndex()+1), OpSum)
			if err != nil {
				return err
			}
			if want := round * 10; sum != want {
				t.Errorf("Round %d: node %d got sum %d, expected %d", round, m.NodeIndex(), sum, want)
			}
			return nil
		})
	}
}

// TestCollectiveMismatch mixes a barrier and a gather on the same pipe
func TestCollectiveMismatch(t *testing.T) {
	c := connectedCluster(t, 1, nil)
	id := c.openPipe(t)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for _, m := range c.nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.IsMaster() {
				errs[0] = m.Barrier(id)
			} else {
				_, errs[1] = m.Gather(id, 1, OpSum)
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, common.ErrCollectiveMismatch) {
			t.Errorf("Node %d: expected ErrCollectiveMismatch, got %v", i, err)
		}
	}
}

// --------------------------------------------------------------------------
// Misuse
// --------------------------------------------------------------------------

// TestMisuse checks the synchronous errors
func TestMisuse(t *testing.T) {
	c := connectedCluster(t, 1, nil)
	id := c.openPipe(t)
	master, slave := c.nodes[0], c.nodes[1]

	pkt := slave.AcquirePacket()
	_ = pkt.SetPayload([]byte("x"))
	if err := slave.SendPacket(id, pkt); !errors.Is(err, common.ErrWrongRole) {
		t.Errorf("Expected ErrWrongRole for a sending slave, got %v", err)
	}
	slave.ReleasePacket(pkt)

	if _, err := master.ReceivePacket(id); !errors.Is(err, common.ErrWrongRole) {
		t.Errorf("Expected ErrWrongRole for a receiving master, got %v", err)
	}

	empty := master.AcquirePacket()
	if err := master.SendPacket(id, empty); !errors.Is(err, common.ErrEmptyPacket) {
		t.Errorf("Expected ErrEmptyPacket, got %v", err)
	}
	master.ReleasePacket(empty)

	for _, op := range []GatherOp{0, OpOr + 1, 255} {
		if _, err := master.Gather(id, 1, op); !errors.Is(err, common.ErrUnsupportedOp) {
			t.Errorf("Expected ErrUnsupportedOp for %s, got %v", op, err)
		}
	}

	if _, err := master.NewPacket(make([]byte, pool.MaxPayload+1)); !errors.Is(err, common.ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}

	if err := master.Barrier(id + 100); !errors.Is(err, common.ErrUnknownPipe) {
		t.Errorf("Expected ErrUnknownPipe, got %v", err)
	}
}

// TestClosedPipe checks that every operation on a closed pipe fails fast
func TestClosedPipe(t *testing.T) {
	c := connectedCluster(t, 2, nil)
	id := c.openPipe(t)
	c.stream(t, id, 10, 100, 5*time.Second)
	c.run(t, 5*time.Second, func(m *Multiplexer) error {
		return m.ClosePipe(id)
	})

	for _, m := range c.nodes {
		check := func(name string, err error) {
			if !errors.Is(err, common.ErrPipeClosed) {
				t.Errorf("Node %d %s: expected ErrPipeClosed, got %v", m.NodeIndex(), name, err)
			}
		}
		check("ClosePipe", m.ClosePipe(id))
		check("Barrier", m.Barrier(id))
		_, err := m.Gather(id, 1, OpSum)
		check("Gather", err)
		if m.IsMaster() {
			pkt, _ := m.NewPacket([]byte("late"))
			check("SendPacket", m.SendPacket(id, pkt))
			m.ReleasePacket(pkt)
		} else {
			_, err := m.ReceivePacket(id)
			check("ReceivePacket", err)
		}
	}

	// ids are not reused
	if next := c.openPipe(t); next == id {
		t.Errorf("Closed pipe id %d was reused", id)
	}
	c.closeAll(t)
}

// --------------------------------------------------------------------------
// Liveness
// --------------------------------------------------------------------------

// TestNotConnected checks that pipes cannot be used before the connection
func TestNotConnected(t *testing.T) {
	net := memnet.NewNetwork(1)
	m, err := NewMultiplexerWithConnector(testConfig(1, 0), net.Connector())
	if err != nil {
		t.Fatalf("Failed to start master: %v", err)
	}
	defer m.Close()

	if _, err := m.OpenPipe(); !errors.Is(err, common.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

// TestConnectTimeout checks that a missing slave fails WaitForConnection
func TestConnectTimeout(t *testing.T) {
	net := memnet.NewNetwork(1)
	config := testConfig(2, 0)
	config.ConnectTimeout = 100 * time.Millisecond
	master, err := NewMultiplexerWithConnector(config, net.Connector())
	if err != nil {
		t.Fatalf("Failed to start master: %v", err)
	}
	defer master.Close()

	config.NodeIndex = 1
	slave, err := NewMultiplexerWithConnector(config, net.Connector())
	if err != nil {
		t.Fatalf("Failed to start slave: %v", err)
	}
	defer slave.Close()

	start := time.Now()
	if err := master.WaitForConnection(); !errors.Is(err, common.ErrConnectTimeout) {
		t.Errorf("Expected ErrConnectTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Timeout took too long: %s", elapsed)
	}
	if master.Stats().Peers != 1 {
		t.Errorf("Expected the master to know the started slave")
	}
}

// TestPeerUnreachable partitions a connected cluster, blocked calls must fail
func TestPeerUnreachable(t *testing.T) {
	c := connectedCluster(t, 1, func(config *common.MuxConfig) {
		config.PingTimeout = 20 * time.Millisecond
		config.MaxPingRetries = 3
	})
	id := c.openPipe(t)
	c.net.Partition(memnet.NodeAddr(0), memnet.NodeAddr(1))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = c.nodes[0].Barrier(id)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = c.nodes[1].ReceivePacket(id)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Blocked calls did not fail")
	}

	for i, err := range errs {
		if !errors.Is(err, common.ErrPeerUnreachable) {
			t.Errorf("Node %d: expected ErrPeerUnreachable, got %v", i, err)
		}
	}
	// the node stays unusable
	if _, err := c.nodes[1].OpenPipe(); !errors.Is(err, common.ErrPeerUnreachable) {
		t.Errorf("Expected ErrPeerUnreachable after failure, got %v", err)
	}
}

// TestCloseUnblocks checks that Close wakes a blocked receiver
func TestCloseUnblocks(t *testing.T) {
	c := connectedCluster(t, 1, nil)
	id := c.openPipe(t)
	slave := c.nodes[1]

	result := make(chan error, 1)
	go func() {
		_, err := slave.ReceivePacket(id)
		result <- err
	}()
	time.Sleep(30 * time.Millisecond)
	_ = slave.Close()

	select {
	case err := <-result:
		if !errors.Is(err, common.ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not unblock ReceivePacket")
	}
	if _, err := slave.OpenPipe(); !errors.Is(err, common.ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
}

// TestMasterOnly checks a cluster without slaves
func TestMasterOnly(t *testing.T) {
	c := connectedCluster(t, 0, nil)
	m := c.nodes[0]
	id := c.openPipe(t)

	for i := 0; i < 10; i++ {
		if err := m.SendPacket(id, numbered(m, uint64(i), 10)); err != nil {
			t.Fatalf("SendPacket failed: %v", err)
		}
	}
	if v, err := m.Gather(id, -4, OpMin); err != nil || v != -4 {
		t.Errorf("Expected gather to return the master's value, got %d, %v", v, err)
	}
	if err := m.ClosePipe(id); err != nil {
		t.Errorf("ClosePipe failed: %v", err)
	}
	c.closeAll(t)
}

// --------------------------------------------------------------------------
// Unit tests
// --------------------------------------------------------------------------

// TestGatherOp checks the reductions and parsing
func TestGatherOp(t *testing.T) {
	tests := []struct {
		op   GatherOp
		a, b int64
		want int64
	}{
		{OpSum, 3, 4, 7},
		{OpSum, math.MaxInt64, 1, math.MinInt64},
		{OpMin, -3, 4, -3},
		{OpMax, -3, 4, 4},
		{OpAnd, 6, 3, 2},
		{OpOr, 6, 3, 7},
	}
	for _, tt := range tests {
		if got := tt.op.Reduce(tt.a, tt.b); got != tt.want {
			t.Errorf("%s(%d, %d) = %d, expected %d", tt.op, tt.a, tt.b, got, tt.want)
		}
		parsed, err := ParseGatherOp(tt.op.String())
		if err != nil || parsed != tt.op {
			t.Errorf("ParseGatherOp(%q) = %v, %v", tt.op.String(), parsed, err)
		}
	}
	if _, err := ParseGatherOp("avg"); !errors.Is(err, common.ErrUnsupportedOp) {
		t.Errorf("Expected ErrUnsupportedOp, got %v", err)
	}
	if GatherOp(0).Valid() || !OpOr.Valid() {
		t.Errorf("Valid returned wrong results")
	}
}

// TestInvalidConfig checks that the constructor validates the config
func TestInvalidConfig(t *testing.T) {
	config := testConfig(2, 3)
	if _, err := NewMultiplexerWithConnector(config, memnet.NewNetwork(1).Connector()); err == nil {
		t.Errorf("Expected an error for a node index beyond the cluster size")
	}
}

// --------------------------------------------------------------------------
// Logging
// --------------------------------------------------------------------------

// TestConstructorKeepsLogLevel starts a node configured for errors only, the level
// applied through InitLoggers has to stay in effect
func TestConstructorKeepsLogLevel(t *testing.T) {
	var out bytes.Buffer
	restore := common.SetLogOutput(&out)
	defer restore()
	common.SetLogLevel(logger.INFO)
	defer common.SetLogLevel(logger.WARNING)

	config := testConfig(1, 0)
	config.LogLevel = "error"
	m, err := NewMultiplexerWithConnector(config, memnet.NewNetwork(1).Connector())
	if err != nil {
		t.Fatalf("Failed to start master: %v", err)
	}
	defer m.Close()

	Logger.Infof("info after start")
	restore()
	if !strings.Contains(out.String(), "info after start") {
		t.Errorf("Starting a node changed the log level, output %q", out.String())
	}
}
