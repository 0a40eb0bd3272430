package transport

import (
	"net"

	"github.com/ValentinKolb/dMux/mux/common"
)

// --------------------------------------------------------------------------
// Packet Connector
// --------------------------------------------------------------------------

// Endpoints is the result of opening the datagram socket of one node
type Endpoints struct {
	// Conn is the single datagram socket of the node. All protocol traffic of the node
	// is read from and written to this socket.
	Conn net.PacketConn
	// Master is the address of the master node (nil on the master itself)
	Master net.Addr
	// Group is the multicast group the slaves joined, nil if the master has to
	// fan data out with one unicast datagram per slave
	Group net.Addr
}

// IPacketConnector opens the datagram socket of a node
// Implementations exist for UDP (production) and an in-memory lossy network (tests)
type IPacketConnector interface {
	// GetName returns the name of the connector (e.g. "udp")
	GetName() string
	// Open binds the socket for the node described by the config and resolves the
	// addresses of the master and the optional slave group
	Open(config common.MuxConfig) (*Endpoints, error)
}
