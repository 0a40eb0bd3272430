package pipe

// Guard holds the lock of one pipe. It is returned by Directory.Acquire and
// State.Lock and must be released exactly once, Release is idempotent.
type Guard struct {
	s    *State
	held bool
}

// State returns the guarded pipe state
func (g *Guard) State() *State {
	return g.s
}

// Wait blocks on the pipe condition, the lock is released while waiting
func (g *Guard) Wait() {
	g.s.cond.Wait()
}

// Broadcast wakes every goroutine waiting on the pipe
func (g *Guard) Broadcast() {
	g.s.cond.Broadcast()
}

// Release unlocks the pipe
func (g *Guard) Release() {
	if g.held {
		g.held = false
		g.s.mu.Unlock()
	}
}
