package common

import "errors"

// Misuse errors, raised synchronously. They indicate a programming error.
var (
	ErrUnknownPipe        = errors.New("unknown pipe id")
	ErrPipeClosed         = errors.New("pipe is closed")
	ErrWrongRole          = errors.New("operation not supported by this node's role")
	ErrUnsupportedOp      = errors.New("unsupported gather operation")
	ErrEmptyPacket        = errors.New("packet has no payload")
	ErrPayloadTooLarge    = errors.New("payload exceeds packet capacity")
	ErrNotConnected       = errors.New("node is not connected, call WaitForConnection first")
	ErrCollectiveMismatch = errors.New("nodes disagree on barrier or gather at this point")
)

// Fatal errors. They end the cluster session and are returned by every later call.
var (
	ErrPeerUnreachable = errors.New("peer unreachable, ping retries exhausted")
	ErrConnectTimeout  = errors.New("timed out waiting for cluster connection")
	ErrClosed          = errors.New("multiplexer is closed")
)
