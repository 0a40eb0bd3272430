package mux

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/lib/util"
	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/pipe"
	"github.com/ValentinKolb/dMux/mux/wire"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("mux")

// inboundQueueSize bounds the datagrams read from the socket but not yet dispatched
const inboundQueueSize = 1024

// --------------------------------------------------------------------------
// Role
// --------------------------------------------------------------------------

// role is the behaviour that differs between master and slave. Methods without a
// leading "handle" or "tick" run on application goroutines, the others only on the
// dispatch goroutine.
type role interface {
	waitForConnection() error
	openPipe() (uint32, error)
	closePipe(id uint32) error
	sendPacket(id uint32, pkt *pool.Packet) error
	receivePacket(id uint32) (*pool.Packet, error)
	collective(id uint32, kind wire.MessageType, value int64, op GatherOp) (int64, error)

	// handle processes a datagram. It returns true if it kept the packet.
	handle(h *wire.Header, pkt *pool.Packet, from net.Addr) bool
	// kick re-evaluates a pipe after an application goroutine changed it
	kick(k kick)
	// tick drives all timeouts
	tick(now time.Time)
}

// kick is handed from application goroutines to the dispatch goroutine
type kick struct {
	pipe  uint32
	token uint64 // set instead of pipe for pipes that are still staged
}

type inbound struct {
	pkt  *pool.Packet
	n    int
	from net.Addr
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

// node is the state shared by both roles
type node struct {
	config  common.MuxConfig
	index   int
	session uuid.UUID

	conn   net.PacketConn
	master net.Addr // nil on the master
	group  net.Addr // nil without multicast

	pool    *pool.Pool
	dir     *pipe.Directory
	peers   *xsync.MapOf[int, *peer]
	metrics *nodeMetrics

	outbound *util.MPSC[kick]
	inbound  chan inbound

	// writeMu serialises socket writes, scratch is the encode buffer of control messages
	writeMu sync.Mutex
	scratch [pool.DatagramSize]byte

	// mu guards the connection state, cond is broadcast when it changes
	mu              sync.Mutex
	cond            *sync.Cond
	connected       bool
	connectDeadline time.Time
	err             error

	callCounter atomic.Uint64
	lastHello   time.Time // dispatch goroutine only

	role      role
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newNode(config common.MuxConfig, conn net.PacketConn, master, group net.Addr) *node {
	n := &node{
		config:   config,
		index:    config.NodeIndex,
		session:  uuid.New(),
		conn:     conn,
		master:   master,
		group:    group,
		pool:     pool.NewPool(config.SendWindow * 2),
		peers:    xsync.NewMapOf[int, *peer](),
		metrics:  newNodeMetrics(config.NodeIndex),
		outbound: util.NewMPSC[kick](),
		inbound:  make(chan inbound, inboundQueueSize),
		stopCh:   make(chan struct{}),
	}
	n.dir = pipe.NewDirectory(n.pool, config.NumSlaves)
	n.cond = sync.NewCond(&n.mu)
	return n
}

// start launches the reader and dispatch goroutines
func (n *node) start() {
	n.wg.Add(2)
	go n.readLoop()
	go n.dispatch()
}

// --------------------------------------------------------------------------
// Reader and dispatch goroutines
// --------------------------------------------------------------------------

// readLoop only moves datagrams from the socket into pool packets
func (n *node) readLoop() {
	defer n.wg.Done()
	for {
		pkt := n.pool.Acquire()
		num, from, err := n.conn.ReadFrom(pkt.Buffer())
		if err != nil {
			n.pool.Release(pkt)
			select {
			case <-n.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Warningf("node %d: read error: %v", n.index, err)
			continue
		}
		select {
		case n.inbound <- inbound{pkt: pkt, n: num, from: from}:
		case <-n.stopCh:
			n.pool.Release(pkt)
			return
		}
	}
}

// dispatch owns every protocol state transition and every socket write
func (n *node) dispatch() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.TickInterval)
	defer ticker.Stop()

	kicks := n.outbound.Recv()
	for {
		select {
		case <-n.stopCh:
			return
		case in := <-n.inbound:
			n.receive(in)
		case k, ok := <-kicks:
			if !ok {
				kicks = nil
				continue
			}
			n.role.kick(k)
		case now := <-ticker.C:
			n.role.tick(now)
			n.tickLiveness(now)
		}
	}
}

// receive decodes a datagram and hands it to the liveness layer or the role
func (n *node) receive(in inbound) {
	h, err := wire.Decode(in.pkt, in.n)
	if err != nil {
		Logger.Debugf("node %d: dropping datagram from %s: %v", n.index, in.from, err)
		n.metrics.onDrop()
		n.pool.Release(in.pkt)
		return
	}
	n.metrics.onReceive(h.Type, in.n)

	sender := int(h.Node)
	if !n.validSender(sender) {
		Logger.Debugf("node %d: dropping %s from unexpected node %d", n.index, h, sender)
		n.metrics.onDrop()
		n.pool.Release(in.pkt)
		return
	}

	if n.handleLiveness(&h, in.pkt.Payload(), in.from, time.Now()) {
		n.pool.Release(in.pkt)
		return
	}
	if !n.role.handle(&h, in.pkt, in.from) {
		n.pool.Release(in.pkt)
	}
}

func (n *node) validSender(sender int) bool {
	if n.index == 0 {
		return sender >= 1 && sender <= n.config.NumSlaves
	}
	return sender == 0
}

// --------------------------------------------------------------------------
// Writing (dispatch goroutine only)
// --------------------------------------------------------------------------

// header returns a header of the given type sent by this node
func (n *node) header(t wire.MessageType, pipeID uint32, seq uint64) wire.Header {
	return wire.Header{Type: t, Node: uint16(n.index), Pipe: pipeID, Seq: seq}
}

// write sends an encoded datagram. Send errors are transient for a datagram socket.
func (n *node) write(t wire.MessageType, b []byte, addr net.Addr) {
	if addr == nil {
		return
	}
	n.writeMu.Lock()
	_, err := n.conn.WriteTo(b, addr)
	n.writeMu.Unlock()
	if err != nil {
		Logger.Debugf("node %d: failed to send %s to %s: %v", n.index, t, addr, err)
		return
	}
	n.metrics.onSend(t, len(b))
}

// encode writes h and payload into the scratch buffer
func (n *node) encode(h wire.Header, payload []byte) []byte {
	size := copy(n.scratch[wire.HeaderSize:], payload)
	h.Length = uint16(size)
	wire.EncodeBytes(&h, n.scratch[:])
	return n.scratch[:wire.HeaderSize+size]
}

// sendTo sends a control message to one address
func (n *node) sendTo(h wire.Header, payload []byte, addr net.Addr) {
	n.write(h.Type, n.encode(h, payload), addr)
}

// sendToMaster sends a control message to the master (slaves only)
func (n *node) sendToMaster(h wire.Header, payload []byte) {
	n.sendTo(h, payload, n.master)
}

// sendToNode sends a control message to the node with the given index
func (n *node) sendToNode(h wire.Header, payload []byte, index int) {
	if p, ok := n.peers.Load(index); ok {
		n.sendTo(h, payload, p.addr)
	}
}

// broadcast sends a control message to every slave (master only)
func (n *node) broadcast(h wire.Header, payload []byte) {
	n.fanOut(h.Type, n.encode(h, payload))
}

// fanOut sends an encoded datagram to all slaves, through the multicast group if there
// is one and with one unicast datagram per slave otherwise
func (n *node) fanOut(t wire.MessageType, b []byte) {
	if n.group != nil {
		n.write(t, b, n.group)
		return
	}
	for i := 1; i <= n.config.NumSlaves; i++ {
		if p, ok := n.peers.Load(i); ok {
			n.write(t, b, p.addr)
		}
	}
}

// --------------------------------------------------------------------------
// Application side helpers
// --------------------------------------------------------------------------

// notify hands a kick to the dispatch goroutine
func (n *node) notify(k kick) {
	n.outbound.Push(k)
}

// nextToken returns the correlation token of the next OpenPipe call
func (n *node) nextToken() uint64 {
	return n.callCounter.Add(1)
}

// usable returns the error that prevents protocol operations on the node
func (n *node) usable() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	if !n.connected {
		return common.ErrNotConnected
	}
	return nil
}

// failure returns the fatal error of the node, nil while it is healthy
func (n *node) failure() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// fail records a fatal error once and wakes every blocked caller.
// It must not be called while holding a pipe lock.
func (n *node) fail(err error) {
	n.mu.Lock()
	if n.err != nil {
		n.mu.Unlock()
		return
	}
	n.err = err
	n.cond.Broadcast()
	n.mu.Unlock()

	if !errors.Is(err, common.ErrClosed) {
		Logger.Errorf("node %d: fatal: %v", n.index, err)
		n.metrics.fatal.Inc()
	}
	n.dir.Fail(err)
}

// waitConnected blocks until the role reports the node connected or the node failed
func (n *node) waitConnected() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.connectDeadline.IsZero() && n.config.ConnectTimeout > 0 {
		n.connectDeadline = time.Now().Add(n.config.ConnectTimeout)
	}
	for !n.connected && n.err == nil {
		n.cond.Wait()
	}
	if n.connected {
		return nil
	}
	return n.err
}

// setConnected marks the node connected and wakes WaitForConnection
func (n *node) setConnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		n.connected = true
		n.cond.Broadcast()
		Logger.Infof("node %d: connected (%d slaves)", n.index, n.config.NumSlaves)
	}
}

func (n *node) isConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// close stops both goroutines and returns every packet still owned by the node
func (n *node) close() error {
	var err error
	n.closeOnce.Do(func() {
		n.fail(common.ErrClosed)
		close(n.stopCh)
		err = n.conn.Close()
		n.outbound.Close()
		n.wg.Wait()
		for range n.outbound.Recv() {
			// let the mover goroutine of the queue finish
		}

		released := n.dir.Drain()
		for {
			select {
			case in := <-n.inbound:
				n.pool.Release(in.pkt)
				released++
				continue
			default:
			}
			break
		}
		n.metrics.stop()
		Logger.Infof("node %d: closed (%d packets released)", n.index, released)
	})
	return err
}
