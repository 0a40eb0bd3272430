// Package pipe holds the per-pipe protocol state of a multiplexer node and the
// directory that maps pipe ids to it.
//
// A State is the complete bookkeeping of one logical pipe: the stream position, the
// ordered queue of in-flight (master) or delivered (slave) packets, the per-slave
// acknowledgment and barrier bookkeeping and the close handshake. Every State has its
// own mutex and condition variable. Application goroutines block on the condition of
// the pipe they use, the dispatch goroutine of the node broadcasts it whenever it
// changes the state.
//
// The Directory owns all States. A pipe is first staged under a correlation token
// while its id is negotiated with the master, then promoted to the id table. Access
// goes through Acquire, which returns a Guard holding the pipe lock:
//
//	g, err := dir.Acquire(id)
//	if err != nil {
//		return err
//	}
//	defer g.Release()
//	for !done(g.State()) {
//		g.Wait()
//	}
//
// The lock order is directory before pipe. Code that holds a Guard must never call
// into the directory except through Remove, which releases the pipe lock first.
package pipe
