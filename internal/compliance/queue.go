package compliance

import (
	"sync"
	"time"
)

// Queue is a multi-producer/multi-consumer FIFO bounded only by memory,
// with a blocking fetch that times out. Both the execution queue and
// the response queue use it; the interface is kept narrow so a
// cross-process implementation can slot in later.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		signal: make(chan struct{}, 1),
	}
}

// Put appends an item. Put on a closed queue is a silent no-op so that
// racing producers during shutdown cannot fail.
func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Fetch removes and returns the oldest item, blocking up to timeout.
// The second return is false when no item arrived in time or the queue
// is closed and drained.
func (q *Queue[T]) Fetch(timeout time.Duration) (T, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if item, ok := q.tryFetch(); ok {
			return item, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			var zero T
			return zero, false
		}
		t := time.NewTimer(remaining)
		select {
		case <-q.signal:
			t.Stop()
		case <-t.C:
			var zero T
			return zero, false
		}
	}
}

func (q *Queue[T]) tryFetch() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// wake another waiter
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return item, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed. Pending items remain fetchable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
