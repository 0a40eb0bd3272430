// Package wire defines the datagram framing shared by every node of a cluster.
//
// Every datagram starts with a fixed 32 byte header (big endian) followed by an
// optional payload:
//
//	offset  size  field
//	0       1     message type
//	1       1     flags (HasAck, gather op code in the upper nibble)
//	2       2     node index of the sender
//	4       4     pipe id (0 for node level messages)
//	8       8     seq: stream position, barrier id, correlation token or ping nonce
//	16      8     aux: piggybacked stream position of a slave, gather value or result
//	24      2     payload length
//	26      2     magic "DM"
//	28      4     reserved, zero
//
// The header lives in the reserved HeaderRoom of a pool.Packet, so framing a
// payload that was written in place never copies it.
//
// Message types are grouped into node level messages (HELLO, WELCOME, PING, PONG),
// data path messages (DATA, ACK, RESEND), collective messages (BARRIER, RELEASE,
// GATHER, RESULT) and pipe lifecycle messages (OPEN, OPEN-REPLY, CLOSE, CLOSE-ACK).
package wire
