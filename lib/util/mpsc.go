// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue
// used as the per-connection write buffer.
//
// Features and Guarantees:
//
//   - Lock-Free: Push uses atomic operations only, producers never block each other
//     for longer than a few CAS retries
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - FIFO per enqueue: items are popped in the order their Push completed
//   - Single Consumer: exactly one goroutine may call Pop
//   - Non-blocking consumer: Pop never waits, Notify() signals that items may be available
package util

import (
	"runtime"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue.
// Implementation uses a linked list of nodes with a sentinel head.
type LockFreeMPSC[T any] struct {
	head   atomic.Pointer[node[T]] // only touched by the consumer
	tail   atomic.Pointer[node[T]]
	size   atomic.Int64
	closed atomic.Bool
	notify chan struct{}
}

// NewLockFreeMPSC creates a new lock-free multi-producer single-consumer queue
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}

	q := &LockFreeMPSC[T]{
		notify: make(chan struct{}, 1),
	}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

// Push adds an item to the queue.
// Returns true if the item was added, or false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// a failed CAS means another producer already advanced the tail
				q.tail.CompareAndSwap(tailNode, newNode)
				q.size.Add(1)
				q.signal()
				return true
			}
		} else {
			// help a producer that appended but has not advanced the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// spin first, then yield, to reduce contention between producers
		if backoff < 10 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

func (q *LockFreeMPSC[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest item. It returns false if the queue is
// currently empty. Only the single consumer may call Pop.
func (q *LockFreeMPSC[T]) Pop() (*T, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return nil, false
	}
	value := next.value
	q.head.Store(next)
	// next is the new sentinel, release the value for the gc
	next.value = nil
	q.size.Add(-1)
	return value, true
}

// Notify returns a channel that receives a signal after items were pushed.
// The consumer waits on it when Pop reports an empty queue. Signals coalesce,
// so the consumer must drain the queue with Pop after every wake up.
func (q *LockFreeMPSC[T]) Notify() <-chan struct{} {
	return q.notify
}

// Close prevents further pushes. Items already in the queue can still be popped.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.signal()
}

// IsClosed returns true if the queue is closed.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of the number of items in the queue.
func (q *LockFreeMPSC[T]) Len() int {
	return int(q.size.Load())
}
