// Package pool provides the fixed-size datagram buffers used by the multiplexer
// together with a recycling pool and an intrusive FIFO queue.
//
// The package focuses on:
//   - Allocation-free hot paths: buffers are recycled instead of garbage collected
//   - Exclusive ownership: a packet is always in exactly one place (free stack,
//     a queue, or the hands of one goroutine) and misuse panics immediately
//   - O(1) acquire and release
//
// Key Components:
//
//   - Packet: a datagram buffer of DatagramSize bytes. The first HeaderRoom bytes are
//     reserved for the wire header, the rest is payload. Packets carry an intrusive
//     next slot so queues never allocate.
//
//   - Pool: a fixed-capacity arena of packets plus a stack of free arena indices.
//     The arena grows in chunks when the free stack is empty; it never shrinks.
//
//   - Queue: a FIFO of packets linked through their next slot.
//
// Thread Safety:
//
//	Pool is safe for concurrent use, its critical sections are a few instructions
//	long. Packets and Queues are not synchronised; the owner (a pipe, guarded by
//	its own lock, or a single goroutine) is responsible for that.
package pool
