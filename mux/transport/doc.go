// Package transport defines how a multiplexer node obtains its datagram socket.
//
// The multiplexer itself only needs a net.PacketConn plus the addresses of the master
// and of the optional slave multicast group. IPacketConnector hides how these are
// created so the same protocol code runs over real UDP sockets (package udp) and over
// a deterministic, lossy in-memory network used by tests and benchmarks (package
// memnet).
package transport
