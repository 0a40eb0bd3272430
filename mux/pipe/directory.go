package pipe

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("mux/pipe")

// Directory maps pipe ids to their state
type Directory struct {
	mu     sync.Mutex
	pipes  map[uint32]*State
	closed map[uint32]struct{}
	failed error // set by Fail, inherited by pipes staged afterwards

	// pipes waiting for their id, keyed by the correlation token of the OpenPipe call
	pending *xsync.MapOf[uint64, *State]

	pool      *pool.Pool
	numSlaves int
}

// NewDirectory creates an empty directory. Packets of removed pipes go back to p.
func NewDirectory(p *pool.Pool, numSlaves int) *Directory {
	return &Directory{
		pipes:     make(map[uint32]*State),
		closed:    make(map[uint32]struct{}),
		pending:   xsync.NewMapOf[uint64, *State](),
		pool:      p,
		numSlaves: numSlaves,
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Stage creates the state for a pipe that is being opened under token. After Fail the
// state carries the failure right away.
func (d *Directory) Stage(token uint64) *State {
	s, _ := d.pending.LoadOrCompute(token, func() *State {
		return NewState(token, d.numSlaves)
	})
	if err := d.failure(); err != nil {
		g := s.Lock()
		if s.Err == nil {
			s.Err = err
		}
		g.Broadcast()
		g.Release()
	}
	return s
}

func (d *Directory) failure() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

// Staged returns the staged state for token
func (d *Directory) Staged(token uint64) (*State, bool) {
	return d.pending.Load(token)
}

// Promote publishes the state staged under token with the assigned id
func (d *Directory) Promote(token uint64, id uint32) (*State, error) {
	s, ok := d.pending.LoadAndDelete(token)
	if !ok {
		return nil, fmt.Errorf("no pipe staged for token %d", token)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.pipes[id]; exists {
		return nil, fmt.Errorf("pipe id %d is already in use", id)
	}
	if _, closed := d.closed[id]; closed {
		return nil, fmt.Errorf("pipe id %d: %w", id, common.ErrPipeClosed)
	}

	s.mu.Lock()
	s.ID = id
	s.Phase = PhaseOpen
	if d.failed != nil && s.Err == nil {
		s.Err = d.failed
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	d.pipes[id] = s
	Logger.Debugf("pipe %d opened (token %d)", id, token)
	return s, nil
}

// Acquire locks the pipe with the given id.
// Lock order: directory, pipe, then the directory lock is dropped.
func (d *Directory) Acquire(id uint32) (*Guard, error) {
	d.mu.Lock()
	s, ok := d.pipes[id]
	if !ok {
		_, closed := d.closed[id]
		d.mu.Unlock()
		if closed {
			return nil, fmt.Errorf("pipe %d: %w", id, common.ErrPipeClosed)
		}
		return nil, fmt.Errorf("pipe %d: %w", id, common.ErrUnknownPipe)
	}
	g := s.Lock()
	d.mu.Unlock()

	if s.Phase == PhaseClosed {
		g.Release()
		return nil, fmt.Errorf("pipe %d: %w", id, common.ErrPipeClosed)
	}
	return g, nil
}

// Remove tears down the guarded pipe: queued packets go back to the pool, waiters
// wake with ErrPipeClosed and the id is remembered as closed. The guard is released.
// It returns the number of packets that were still queued.
func (d *Directory) Remove(g *Guard) int {
	s := g.State()
	id := s.ID
	s.Phase = PhaseClosed
	if s.Err == nil {
		s.Err = common.ErrPipeClosed
	}
	n := s.Queue.DrainTo(d.pool)
	g.Broadcast()
	g.Release()

	d.mu.Lock()
	delete(d.pipes, id)
	d.closed[id] = struct{}{}
	d.mu.Unlock()

	Logger.Debugf("pipe %d removed (%d packets released)", id, n)
	return n
}

// IsClosed reports whether id belonged to a pipe that was closed
func (d *Directory) IsClosed(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.closed[id]
	return ok
}

// Len returns the number of open pipes
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pipes)
}

// --------------------------------------------------------------------------
// Iteration
// --------------------------------------------------------------------------

// Each calls fn for every published pipe in id order while holding its lock.
// fn must not release the guard. Iteration stops when fn returns false.
func (d *Directory) Each(fn func(g *Guard) bool) {
	d.mu.Lock()
	ids := make([]uint32, 0, len(d.pipes))
	states := make(map[uint32]*State, len(d.pipes))
	for id, s := range d.pipes {
		ids = append(ids, id)
		states[id] = s
	}
	d.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		g := states[id].Lock()
		if g.State().Phase == PhaseClosed {
			g.Release()
			continue
		}
		cont := fn(g)
		g.Release()
		if !cont {
			return
		}
	}
}

// EachStaged calls fn for every pipe still waiting for its id while holding its lock
func (d *Directory) EachStaged(fn func(g *Guard) bool) {
	d.pending.Range(func(_ uint64, s *State) bool {
		g := s.Lock()
		defer g.Release()
		return fn(g)
	})
}

// Fail sets err on every pipe (staged or published) that has no error yet and
// wakes all waiters. Pipes staged later fail with the same error.
func (d *Directory) Fail(err error) {
	d.mu.Lock()
	if d.failed == nil {
		d.failed = err
	}
	d.mu.Unlock()

	fail := func(g *Guard) bool {
		if g.State().Err == nil {
			g.State().Err = err
		}
		g.Broadcast()
		return true
	}
	d.EachStaged(fail)
	d.Each(fail)
}

// Drain tears down every pipe and returns how many packets went back to the pool
func (d *Directory) Drain() int {
	n := 0
	d.Each(func(g *Guard) bool {
		n += g.State().Queue.DrainTo(d.pool)
		g.State().HeadPos = g.State().Position
		return true
	})
	return n
}
