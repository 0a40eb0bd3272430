// Package memnet implements an in-memory datagram network.
//
// A Network connects any number of Conns (each a net.PacketConn) by address. Datagrams
// are copied on send and delivered into a bounded per-connection queue, so the usual
// datagram semantics hold: no delivery guarantee, no backpressure, overflowing
// receivers drop. On top of that the network can be made hostile in a reproducible way:
//
//   - SetDropRate drops every datagram with the given probability, driven by a seeded
//     random source so a failing test can be replayed.
//
//   - Partition and Heal cut and restore the link between two addresses in both
//     directions.
//
// Network.Connector returns a transport.IPacketConnector so a multiplexer node can be
// started on the in-memory network exactly like on UDP.
package memnet
