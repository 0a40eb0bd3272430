package udp

import (
	"fmt"
	"net"

	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport")

// connector implements the transport.IPacketConnector interface for UDP sockets
type connector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IPacketConnector)
// --------------------------------------------------------------------------

func (c *connector) GetName() string {
	return "udp"
}

func (c *connector) Open(config common.MuxConfig) (*transport.Endpoints, error) {
	masterAddr, err := net.ResolveUDPAddr("udp", config.MasterAddress())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve master address %s: %w", config.MasterAddress(), err)
	}

	var groupAddr *net.UDPAddr
	if group := config.GroupAddress(); group != "" {
		if groupAddr, err = net.ResolveUDPAddr("udp", group); err != nil {
			return nil, fmt.Errorf("failed to resolve slave group address %s: %w", group, err)
		}
		if !groupAddr.IP.IsMulticast() {
			return nil, fmt.Errorf("slave group address %s is not a multicast address", group)
		}
	}

	var conn *net.UDPConn
	switch {
	case config.IsMaster():
		conn, err = net.ListenUDP("udp", masterAddr)
	case groupAddr != nil:
		conn, err = net.ListenMulticastUDP("udp", nil, groupAddr)
	default:
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: config.SlavePort})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket for node %d: %w", config.NodeIndex, err)
	}

	if err := upgradeConnection(conn, config); err != nil {
		_ = conn.Close()
		return nil, err
	}

	Logger.Infof("node %d bound UDP socket on %s", config.NodeIndex, conn.LocalAddr())

	endpoints := &transport.Endpoints{Conn: conn}
	if !config.IsMaster() {
		endpoints.Master = masterAddr
	}
	if groupAddr != nil {
		endpoints.Group = groupAddr
	}
	return endpoints, nil
}

// upgradeConnection applies the socket options of the config to a UDP socket
func upgradeConnection(conn *net.UDPConn, config common.MuxConfig) error {
	// Set socket write buffer size if configured
	if config.Socket.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(config.Socket.WriteBufferSize); err != nil {
			return fmt.Errorf("failed to set write buffer: %w", err)
		}
	}

	// Set socket read buffer size if configured
	if config.Socket.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(config.Socket.ReadBufferSize); err != nil {
			return fmt.Errorf("failed to set read buffer: %w", err)
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Factory Method
// --------------------------------------------------------------------------

// NewUDPConnector creates a connector that opens real UDP sockets
func NewUDPConnector() transport.IPacketConnector {
	return &connector{}
}
