// Package udp implements the transport.IPacketConnector for UDP sockets.
//
// The master binds MasterHost:MasterPort. Slaves either join the multicast group
// SlaveGroupAddress:SlavePort (the master then sends data once to the group) or bind
// SlavePort on all interfaces, in which case the master learns the slave addresses
// from their HELLO datagrams and fans data out with unicast.
//
// The kernel buffer sizes from MuxConfig.Socket are applied to every socket. Large
// receive buffers matter: the protocol recovers lost datagrams, but every loss costs
// at least one resend round trip.
package udp
