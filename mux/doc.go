// Package mux implements a cluster multiplexer: reliable, ordered, multi-pipe
// communication plus barrier and gather collectives between one master and N slaves,
// carried over a single unreliable datagram socket per node.
//
// Usage:
//
//	m, err := mux.NewMultiplexer(config)
//	if err != nil { ... }
//	defer m.Close()
//	if err := m.WaitForConnection(); err != nil { ... }
//	id, err := m.OpenPipe()
//
//	// master
//	pkt, _ := m.NewPacket([]byte("hello"))
//	err = m.SendPacket(id, pkt)
//
//	// slaves
//	pkt, err := m.ReceivePacket(id)
//	defer m.ReleasePacket(pkt)
//
//	// every node
//	sum, err := m.Gather(id, value, mux.OpSum)
//
// Architecture:
//
// Each node runs two goroutines. The reader only moves datagrams from the socket into
// pooled packets. The dispatch goroutine owns every protocol state transition and
// every socket write: it handles received datagrams, the kicks application goroutines
// post through a lock-free MPSC queue when they change a pipe, and a ticker that
// drives all timeouts (delayed acks, resend requests, re-announcements, pings).
// Application goroutines never touch the socket. They lock the pipe they use, change
// its state and wait on its condition variable.
//
// Reliability:
//
// The master numbers the payload bytes of every pipe. Slaves accept only the packet
// at the expected position, acknowledge every few packets (and piggyback their
// position on every other message), answer duplicates with an immediate ack and gaps
// with a RESEND request. The master keeps packets until every slave acknowledged them,
// resends in bounded bursts and, if a pipe makes no progress, resends everything
// unacknowledged on its own. At most MuxConfig.SendWindow packets per pipe are in
// flight, SendPacket blocks beyond that.
//
// Failure model:
//
// Lost datagrams are invisible to the application. Misuse (wrong role, unknown or
// closed pipe, empty packet, unsupported gather op) fails the call. A peer that does
// not answer MuxConfig.MaxPingRetries pings is declared dead: every blocked and every
// later call of the node returns ErrPeerUnreachable.
package mux
