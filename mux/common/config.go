package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Multiplexer configuration struct
// --------------------------------------------------------------------------

// SocketConf holds socket level options of the datagram socket
type SocketConf struct {
	// ReadBufferSize is the kernel receive buffer size in bytes (0 = system default)
	ReadBufferSize int
	// WriteBufferSize is the kernel send buffer size in bytes (0 = system default)
	WriteBufferSize int
}

// MuxConfig holds all configuration parameters of one node of the cluster
type MuxConfig struct {
	// Cluster layout. Node 0 is the master, nodes 1..NumSlaves are slaves.
	NumSlaves  int
	NodeIndex  int
	MasterHost string
	MasterPort int
	// SlaveGroupAddress is an optional multicast group the slaves join. If empty the
	// master fans data out with one unicast datagram per slave.
	SlaveGroupAddress string
	// SlavePort is the port the slaves listen on (0 = ephemeral, unicast only)
	SlavePort int

	// Liveness
	ConnectTimeout     time.Duration // 0 = wait forever
	PingTimeout        time.Duration // silence after which a peer is pinged
	MaxPingRetries     int           // unanswered pings before a peer is declared dead
	ReceiveWaitTimeout time.Duration // waiting receiver re-requests data after this
	BarrierWaitTimeout time.Duration // waiting collective re-announces after this
	ResendTimeout      time.Duration // master resends unacknowledged data after this

	// Flow control
	SendWindow     int           // max unacknowledged packets per pipe
	MaxResendBurst int           // max packets resent per slave per dispatch tick
	AckEvery       int           // slaves acknowledge after this many accepted packets
	AckDelay       time.Duration // slaves acknowledge pending data after this delay
	TickInterval   time.Duration // resolution of the dispatch loop timers

	Socket SocketConf

	// Logging configuration
	LogLevel string
}

// DefaultMuxConfig returns a configuration with sensible defaults for a LAN cluster.
// Only the cluster layout has to be filled in.
func DefaultMuxConfig() MuxConfig {
	return MuxConfig{
		MasterHost:         "localhost",
		MasterPort:         4500,
		SlavePort:          0,
		ConnectTimeout:     30 * time.Second,
		PingTimeout:        time.Second,
		MaxPingRetries:     5,
		ReceiveWaitTimeout: 50 * time.Millisecond,
		BarrierWaitTimeout: 50 * time.Millisecond,
		ResendTimeout:      100 * time.Millisecond,
		SendWindow:         64,
		MaxResendBurst:     16,
		AckEvery:           8,
		AckDelay:           10 * time.Millisecond,
		TickInterval:       5 * time.Millisecond,
		Socket: SocketConf{
			ReadBufferSize:  4 << 20,
			WriteBufferSize: 4 << 20,
		},
		LogLevel: "info",
	}
}

// IsMaster reports whether this node is the master
func (c *MuxConfig) IsMaster() bool {
	return c.NodeIndex == 0
}

// NumNodes returns the number of nodes in the cluster including the master
func (c *MuxConfig) NumNodes() int {
	return c.NumSlaves + 1
}

// MasterAddress returns host:port of the master
func (c *MuxConfig) MasterAddress() string {
	return net.JoinHostPort(c.MasterHost, strconv.Itoa(c.MasterPort))
}

// GroupAddress returns group:port of the slave multicast group or "" if unset
func (c *MuxConfig) GroupAddress() string {
	if c.SlaveGroupAddress == "" {
		return ""
	}
	return net.JoinHostPort(c.SlaveGroupAddress, strconv.Itoa(c.SlavePort))
}

// Validate checks the configuration for inconsistent values
func (c *MuxConfig) Validate() error {
	if c.NumSlaves < 0 || c.NumSlaves > 0xFFFE {
		return fmt.Errorf("invalid number of slaves %d", c.NumSlaves)
	}
	if c.NodeIndex < 0 || c.NodeIndex > c.NumSlaves {
		return fmt.Errorf("node index %d out of range [0,%d]", c.NodeIndex, c.NumSlaves)
	}
	if c.SlaveGroupAddress != "" && c.SlavePort == 0 {
		return fmt.Errorf("a slave port is required when a slave group address is set")
	}
	if c.PingTimeout <= 0 || c.ReceiveWaitTimeout <= 0 || c.BarrierWaitTimeout <= 0 || c.ResendTimeout <= 0 {
		return fmt.Errorf("ping, receive-wait, barrier-wait and resend timeouts must be positive")
	}
	if c.TickInterval <= 0 || c.AckDelay < 0 {
		return fmt.Errorf("tick interval must be positive and ack delay must not be negative")
	}
	if c.MaxPingRetries < 1 {
		return fmt.Errorf("max ping retries must be at least 1, got %d", c.MaxPingRetries)
	}
	if c.SendWindow < 1 || c.MaxResendBurst < 1 || c.AckEvery < 1 {
		return fmt.Errorf("send window, resend burst and ack interval must be at least 1")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *MuxConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	role := "slave"
	if c.IsMaster() {
		role = "master"
	}

	addSection("Node Identity")
	addField("Node Index", strconv.Itoa(c.NodeIndex))
	addField("Role", role)
	addField("Cluster Size", fmt.Sprintf("1 master + %d slaves", c.NumSlaves))

	addSection("Network")
	addField("Master Address", c.MasterAddress())
	if group := c.GroupAddress(); group != "" {
		addField("Slave Group", group)
	} else {
		addField("Slave Group", "none (unicast fan-out)")
	}
	addField("Slave Port", strconv.Itoa(c.SlavePort))
	addField("Read Buffer", fmt.Sprintf("%d KB", c.Socket.ReadBufferSize/1024))
	addField("Write Buffer", fmt.Sprintf("%d KB", c.Socket.WriteBufferSize/1024))

	addSection("Liveness")
	addField("Connect Timeout", c.ConnectTimeout.String())
	addField("Ping Timeout", c.PingTimeout.String())
	addField("Max Ping Retries", strconv.Itoa(c.MaxPingRetries))
	addField("Receive Wait Timeout", c.ReceiveWaitTimeout.String())
	addField("Barrier Wait Timeout", c.BarrierWaitTimeout.String())
	addField("Resend Timeout", c.ResendTimeout.String())

	addSection("Flow Control")
	addField("Send Window", fmt.Sprintf("%d packets", c.SendWindow))
	addField("Max Resend Burst", fmt.Sprintf("%d packets", c.MaxResendBurst))
	addField("Ack Every", fmt.Sprintf("%d packets", c.AckEvery))
	addField("Ack Delay", c.AckDelay.String())
	addField("Tick Interval", c.TickInterval.String())

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
