package mux

import (
	"context"
	"sync"

	"github.com/ValentinKolb/kvengine/rpc/common"
)

// PushQueue buffers push notifications until they are consumed.
// It is unbounded and safe for concurrent use.
type PushQueue struct {
	mu     sync.Mutex
	items  []common.Push
	notify chan struct{} // closed and replaced on every Put
	closed bool
}

// NewPushQueue creates an empty push queue
func NewPushQueue() *PushQueue {
	return &PushQueue{notify: make(chan struct{})}
}

// Put appends a push. Pushes put after Close are dropped.
func (q *PushQueue) Put(p common.Push) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.items = append(q.items, p)
	close(q.notify)
	q.notify = make(chan struct{})
}

// TryGet returns the oldest push without waiting
func (q *PushQueue) TryGet() (common.Push, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.popLocked()
}

// Get waits for the next push. It returns ErrClosed once the queue is closed
// and drained.
func (q *PushQueue) Get(ctx context.Context) (common.Push, error) {
	for {
		q.mu.Lock()
		if p, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return p, nil
		}
		if q.closed {
			q.mu.Unlock()
			return common.Push{}, common.ErrClosed
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return common.Push{}, ctx.Err()
		}
	}
}

// Len returns the number of buffered pushes
func (q *PushQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all waiters. Buffered pushes can still be consumed.
func (q *PushQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

func (q *PushQueue) popLocked() (common.Push, bool) {
	if len(q.items) == 0 {
		return common.Push{}, false
	}
	p := q.items[0]
	q.items[0] = common.Push{}
	q.items = q.items[1:]
	return p, true
}
