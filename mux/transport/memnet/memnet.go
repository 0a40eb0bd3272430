package memnet

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/transport"
)

const (
	// DefaultQueueSize is the number of datagrams a Conn buffers before dropping
	DefaultQueueSize = 4096
	// MaxDatagramSize is the largest datagram the network accepts
	MaxDatagramSize = 65507
)

// ErrAddrInUse is returned when listening on an address that is already bound
var ErrAddrInUse = errors.New("memnet: address already in use")

// --------------------------------------------------------------------------
// Addresses
// --------------------------------------------------------------------------

// Addr is the address of a Conn on a Network
type Addr string

func (a Addr) Network() string { return "memnet" }
func (a Addr) String() string  { return string(a) }

// NodeAddr returns the address used by Connector for the node with the given index
func NodeAddr(nodeIndex int) Addr {
	return Addr(fmt.Sprintf("node-%d", nodeIndex))
}

// GroupAddr returns the group address of the slaves of config, "" without a group
func GroupAddr(config common.MuxConfig) Addr {
	return Addr(config.GroupAddress())
}

// --------------------------------------------------------------------------
// Network
// --------------------------------------------------------------------------

type link struct {
	a, b Addr
}

func newLink(a, b Addr) link {
	if a > b {
		a, b = b, a
	}
	return link{a, b}
}

// Stats are counters of a Network
type Stats struct {
	Delivered uint64
	Dropped   uint64
}

// Network is an in-memory datagram network
type Network struct {
	mu          sync.Mutex
	conns       map[Addr]*Conn
	rng         *rand.Rand
	dropRate    float64
	partitioned map[link]struct{}
	groups      map[Addr]map[Addr]struct{}
	queueSize   int

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewNetwork creates an empty network whose loss decisions derive from seed
func NewNetwork(seed uint64) *Network {
	return &Network{
		conns:       make(map[Addr]*Conn),
		rng:         rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		partitioned: make(map[link]struct{}),
		groups:      make(map[Addr]map[Addr]struct{}),
		queueSize:   DefaultQueueSize,
	}
}

// SetDropRate sets the probability (0..1) with which any datagram is lost
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = min(max(rate, 0), 1)
}

// SetQueueSize sets the receive queue size of Conns created afterwards
func (n *Network) SetQueueSize(size int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queueSize = max(size, 1)
}

// Partition drops all traffic between a and b until Heal is called
func (n *Network) Partition(a, b Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[newLink(a, b)] = struct{}{}
}

// Heal restores the link between a and b
func (n *Network) Heal(a, b Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, newLink(a, b))
}

// Join adds member to group. A datagram sent to group is delivered to every member
// except the sender, each copy is dropped independently.
func (n *Network) Join(group, member Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	members, ok := n.groups[group]
	if !ok {
		members = make(map[Addr]struct{})
		n.groups[group] = members
	}
	members[member] = struct{}{}
}

// Leave removes member from group
func (n *Network) Leave(group, member Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.groups[group], member)
}

// Stats returns the number of delivered and dropped datagrams
func (n *Network) Stats() Stats {
	return Stats{Delivered: n.delivered.Load(), Dropped: n.dropped.Load()}
}

// Listen binds a new Conn to addr
func (n *Network) Listen(addr Addr) (*Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.conns[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	c := &Conn{
		network: n,
		addr:    addr,
		inbox:   make(chan datagram, n.queueSize),
		closeCh: make(chan struct{}),
	}
	n.conns[addr] = c
	return c, nil
}

// deliver routes one datagram to a conn or to every member of a group. It never blocks.
func (n *Network) deliver(from, to Addr, payload []byte) {
	n.mu.Lock()
	members, isGroup := n.groups[to]
	targets := []Addr{to}
	if isGroup {
		targets = targets[:0]
		for member := range members {
			if member != from {
				targets = append(targets, member)
			}
		}
	}
	n.mu.Unlock()

	for _, target := range targets {
		n.deliverTo(from, target, payload)
	}
}

// deliverTo hands one copy of a datagram to the conn bound to addr
func (n *Network) deliverTo(from, to Addr, payload []byte) {
	n.mu.Lock()
	dst, ok := n.conns[to]
	_, cut := n.partitioned[newLink(from, to)]
	lost := n.dropRate > 0 && n.rng.Float64() < n.dropRate
	n.mu.Unlock()

	if !ok || cut || lost {
		n.dropped.Add(1)
		return
	}

	d := datagram{from: from, data: append([]byte(nil), payload...)}
	select {
	case dst.inbox <- d:
		n.delivered.Add(1)
	default:
		// receive queue overflow
		n.dropped.Add(1)
	}
}

func (n *Network) unbind(addr Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, addr)
	for _, members := range n.groups {
		delete(members, addr)
	}
}

// --------------------------------------------------------------------------
// Connector (implements transport.IPacketConnector)
// --------------------------------------------------------------------------

type connector struct {
	network *Network
}

// Connector returns a connector that binds node i of a cluster to NodeAddr(i). With a
// slave group address in the config the slaves join the group GroupAddr(config).
func (n *Network) Connector() transport.IPacketConnector {
	return &connector{network: n}
}

func (c *connector) GetName() string {
	return "memnet"
}

func (c *connector) Open(config common.MuxConfig) (*transport.Endpoints, error) {
	conn, err := c.network.Listen(NodeAddr(config.NodeIndex))
	if err != nil {
		return nil, err
	}
	endpoints := &transport.Endpoints{Conn: conn}
	if !config.IsMaster() {
		endpoints.Master = NodeAddr(0)
	}
	if group := GroupAddr(config); group != "" {
		if !config.IsMaster() {
			c.network.Join(group, conn.addr)
		}
		endpoints.Group = group
	}
	return endpoints, nil
}

// --------------------------------------------------------------------------
// Conn (implements net.PacketConn)
// --------------------------------------------------------------------------

type datagram struct {
	from Addr
	data []byte
}

// Conn is one endpoint of a Network
type Conn struct {
	network *Network
	addr    Addr
	inbox   chan datagram

	closeOnce sync.Once
	closeCh   chan struct{}

	deadlineMu    sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.PacketConn = (*Conn)(nil)

func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.deadlineMu.Lock()
	deadline := c.readDeadline
	c.deadlineMu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-c.inbox:
		return copy(p, d.data), d.from, nil
	case <-c.closeCh:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closeCh:
		return 0, net.ErrClosed
	default:
	}

	c.deadlineMu.Lock()
	deadline := c.writeDeadline
	c.deadlineMu.Unlock()
	if !deadline.IsZero() && time.Now().After(deadline) {
		return 0, os.ErrDeadlineExceeded
	}

	if len(p) > MaxDatagramSize {
		return 0, fmt.Errorf("memnet: datagram of %d bytes exceeds %d", len(p), MaxDatagramSize)
	}
	c.network.deliver(c.addr, Addr(addr.String()), p)
	return len(p), nil
}

func (c *Conn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.closeCh)
		c.network.unbind(c.addr)
		err = nil
	})
	return err
}

func (c *Conn) LocalAddr() net.Addr {
	return c.addr
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.writeDeadline = t
	return nil
}
