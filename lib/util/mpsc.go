package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// mpscNode is a single element of the queue's linked list
type mpscNode[T any] struct {
	value T
	next  atomic.Pointer[mpscNode[T]]
}

// MPSC is an unbounded multi-producer single-consumer queue.
//
// Producers append with a CAS on the tail of a linked list, a background goroutine
// moves items to the channel returned by Recv so the consumer can select on it
// together with other events. With a single producer items arrive in push order;
// with concurrent producers the order is the order in which the CAS succeeded.
type MPSC[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	tail   atomic.Pointer[mpscNode[T]]
	out    chan T
	closed atomic.Bool
	done   sync.WaitGroup

	// mu/cond park the mover goroutine while the list is empty
	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSC creates a queue and starts its mover goroutine
func NewMPSC[T any]() *MPSC[T] {
	sentinel := &mpscNode[T]{}

	q := &MPSC[T]{
		out: make(chan T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	q.done.Add(1)
	go q.move()

	return q
}

// Push appends an item. It returns false if the queue is closed.
// Safe for concurrent use by any number of goroutines.
func (q *MPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	n := &mpscNode[T]{value: value}
	var backoff uint8

	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if next == nil {
			if tail.next.CompareAndSwap(nil, n) {
				// a failed CAS means another producer already advanced the tail
				q.tail.CompareAndSwap(tail, n)

				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// help a producer that linked its node but has not moved the tail yet
			q.tail.CompareAndSwap(tail, next)
		}

		// spin first, then yield with exponential backoff
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// move forwards items from the list to the out channel until the queue is closed and empty
func (q *MPSC[T]) move() {
	defer q.done.Done()
	defer close(q.out)

	var zero T
	for {
		moved := false
		for {
			head := q.head.Load()
			next := head.next.Load()
			if next == nil {
				break
			}
			moved = true

			value := next.value
			q.head.Store(next)
			q.out <- value
			next.value = zero
		}

		if !moved && q.closed.Load() {
			return
		}

		if !moved {
			q.mu.Lock()
			if q.head.Load().next.Load() == nil && !q.closed.Load() {
				q.cond.Wait()
			}
			q.mu.Unlock()
		}
	}
}

// Recv returns the channel the consumer reads from. It is closed after Close once
// every pushed item has been delivered.
func (q *MPSC[T]) Recv() <-chan T {
	return q.out
}

// Close rejects further pushes. Items already queued are still delivered.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// Len counts the queued items. O(n), meant for debugging and tests.
func (q *MPSC[T]) Len() int {
	count := 0
	for n := q.head.Load().next.Load(); n != nil; n = n.next.Load() {
		count++
	}
	return count
}
