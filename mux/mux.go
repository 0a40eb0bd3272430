package mux

import (
	"fmt"
	"net"

	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/transport"
	"github.com/ValentinKolb/dMux/mux/transport/udp"
	"github.com/ValentinKolb/dMux/mux/wire"
)

// Multiplexer is one node of the cluster. Node 0 is the master, every other node is
// a slave. All methods are safe for concurrent use.
type Multiplexer struct {
	node *node
	role role
}

// --------------------------------------------------------------------------
// Constructors
// --------------------------------------------------------------------------

// NewMultiplexer opens the UDP socket described by config and starts the node.
// Call WaitForConnection before using pipes.
func NewMultiplexer(config common.MuxConfig) (*Multiplexer, error) {
	return NewMultiplexerWithConnector(config, udp.NewUDPConnector())
}

// NewMultiplexerWithConnector starts a node on the socket opened by connector
func NewMultiplexerWithConnector(config common.MuxConfig, connector transport.IPacketConnector) (*Multiplexer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	endpoints, err := connector.Open(config)
	if err != nil {
		return nil, err
	}
	m, err := NewMultiplexerWithConn(config, endpoints.Conn, endpoints.Master, endpoints.Group)
	if err != nil {
		_ = endpoints.Conn.Close()
		return nil, err
	}
	return m, nil
}

// NewMultiplexerWithConn starts a node on an existing datagram socket. master is the
// address of node 0 (ignored on the master), group the optional multicast group of
// the slaves. The multiplexer takes ownership of conn.
func NewMultiplexerWithConn(config common.MuxConfig, conn net.PacketConn, master net.Addr, group net.Addr) (*Multiplexer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if !config.IsMaster() && master == nil {
		return nil, fmt.Errorf("slave %d needs the address of the master", config.NodeIndex)
	}
	n := newNode(config, conn, master, group)
	if config.IsMaster() {
		n.role = newMasterRole(n)
	} else {
		n.role = newSlaveRole(n)
	}
	n.start()

	Logger.Infof("node %d: started on %s (session %s)", n.index, conn.LocalAddr(), n.session)
	return &Multiplexer{node: n, role: n.role}, nil
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// WaitForConnection blocks until every node of the cluster is connected. On the master
// this means every slave said hello, on a slave that the master welcomed it. It fails
// with ErrConnectTimeout after MuxConfig.ConnectTimeout.
func (m *Multiplexer) WaitForConnection() error {
	return m.role.waitForConnection()
}

// NodeIndex returns the index of this node (0 = master)
func (m *Multiplexer) NodeIndex() int {
	return m.node.index
}

// IsMaster reports whether this node is the master
func (m *Multiplexer) IsMaster() bool {
	return m.node.index == 0
}

// Close stops the node and releases its socket. Blocked calls return ErrClosed.
func (m *Multiplexer) Close() error {
	return m.node.close()
}

// --------------------------------------------------------------------------
// Pipes
// --------------------------------------------------------------------------

// OpenPipe opens a new pipe. It is a collective call: every node has to call it, the
// k-th call on each node returns the same pipe id.
func (m *Multiplexer) OpenPipe() (uint32, error) {
	return m.role.openPipe()
}

// ClosePipe closes a pipe on this node. It is a collective call. The master returns
// once all sent data was acknowledged and every slave closed the pipe.
func (m *Multiplexer) ClosePipe(id uint32) error {
	return m.role.closePipe(id)
}

// SendPacket sends the payload of pkt to every slave (master only). It blocks while
// MuxConfig.SendWindow packets of the pipe are unacknowledged. On success the
// multiplexer owns the packet, on error the caller keeps it.
func (m *Multiplexer) SendPacket(id uint32, pkt *pool.Packet) error {
	return m.role.sendPacket(id, pkt)
}

// ReceivePacket returns the next packet of the pipe in send order (slaves only). The
// caller owns the packet and should return it with ReleasePacket.
func (m *Multiplexer) ReceivePacket(id uint32) (*pool.Packet, error) {
	return m.role.receivePacket(id)
}

// Barrier blocks until every node called Barrier on the pipe
func (m *Multiplexer) Barrier(id uint32) error {
	_, err := m.role.collective(id, wire.MsgTBarrier, 0, 0)
	return err
}

// Gather combines one value per node with op and returns the result, which is the
// same on every node. The master's value is reduced first, then the slaves' in index
// order.
func (m *Multiplexer) Gather(id uint32, value int64, op GatherOp) (int64, error) {
	if !op.Valid() {
		return 0, fmt.Errorf("%w: %s", common.ErrUnsupportedOp, op)
	}
	return m.role.collective(id, wire.MsgTGather, value, op)
}

// --------------------------------------------------------------------------
// Packets
// --------------------------------------------------------------------------

// AcquirePacket returns an empty packet from the node's pool
func (m *Multiplexer) AcquirePacket() *pool.Packet {
	return m.node.pool.Acquire()
}

// ReleasePacket returns a packet to the node's pool
func (m *Multiplexer) ReleasePacket(pkt *pool.Packet) {
	m.node.pool.Release(pkt)
}

// NewPacket acquires a packet and copies payload into it
func (m *Multiplexer) NewPacket(payload []byte) (*pool.Packet, error) {
	pkt := m.node.pool.Acquire()
	if err := pkt.SetPayload(payload); err != nil {
		m.node.pool.Release(pkt)
		return nil, fmt.Errorf("%w: %v", common.ErrPayloadTooLarge, err)
	}
	return pkt, nil
}

// --------------------------------------------------------------------------
// Stats
// --------------------------------------------------------------------------

// Stats returns a snapshot of the node's counters
func (m *Multiplexer) Stats() Stats {
	n := m.node
	s := Stats{
		NodeIndex: n.index,
		Connected: n.isConnected(),
		OpenPipes: n.dir.Len(),
		Peers:     n.peers.Size(),
		Pool:      n.pool.Stats(),
	}
	n.metrics.fill(&s)
	return s
}
