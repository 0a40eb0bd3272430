package mux

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/wire"
)

// GatherOp is the reduction a Gather applies to the values of all nodes
type GatherOp uint8

const (
	OpSum GatherOp = iota + 1
	OpMin
	OpMax
	OpAnd // bitwise and
	OpOr  // bitwise or
)

// String returns the name of the operation
func (op GatherOp) String() string {
	switch op {
	case OpSum:
		return "sum"
	case OpMin:
		return "min"
	case OpMax:
		return "max"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Valid reports whether op is a supported reduction
func (op GatherOp) Valid() bool {
	return op >= OpSum && op <= OpOr
}

// Reduce combines two values. Sums wrap on overflow.
func (op GatherOp) Reduce(a, b int64) int64 {
	switch op {
	case OpSum:
		return a + b
	case OpMin:
		return min(a, b)
	case OpMax:
		return max(a, b)
	case OpAnd:
		return a & b
	case OpOr:
		return a | b
	default:
		panic(fmt.Sprintf("mux: reduce with invalid gather op %d", op))
	}
}

// ParseGatherOp converts a name as returned by String into a GatherOp
func ParseGatherOp(name string) (GatherOp, error) {
	for op := OpSum; op <= OpOr; op++ {
		if op.String() == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", common.ErrUnsupportedOp, name)
}

// reduceAll folds values in node index order, starting with the master's own value
func reduceAll(op GatherOp, values []int64) int64 {
	result := values[0]
	for _, v := range values[1:] {
		result = op.Reduce(result, v)
	}
	return result
}

// replyKind maps an announcement type to the type the master completes it with
func replyKind(kind wire.MessageType) wire.MessageType {
	if kind == wire.MsgTGather {
		return wire.MsgTResult
	}
	return wire.MsgTRelease
}

// announcedKind maps a completion type back to the announcement type
func announcedKind(reply wire.MessageType) wire.MessageType {
	if reply == wire.MsgTResult {
		return wire.MsgTGather
	}
	return wire.MsgTBarrier
}

func encodeValue(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func decodeValue(payload []byte) (int64, bool) {
	if len(payload) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(payload)), true
}
