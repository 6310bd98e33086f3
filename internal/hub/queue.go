package hub

import (
	"sync"
	"time"

	"intelligence-hub/pkg/types"
)

// itemQueue is an unbounded FIFO of schemaless items. Pops can wait with a
// deadline; every push wakes all current waiters so none of them sleeps
// past an arrival.
type itemQueue struct {
	mu    sync.Mutex
	items []types.Document
	ready chan struct{}
}

func newItemQueue() *itemQueue {
	return &itemQueue{ready: make(chan struct{})}
}

// Push appends the item and wakes the waiters.
func (q *itemQueue) Push(doc types.Document) {
	q.mu.Lock()
	q.items = append(q.items, doc)
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()
}

// Pop removes the oldest item, waiting up to timeout for one to arrive.
// A zero timeout makes the call non-blocking.
func (q *itemQueue) Pop(timeout time.Duration) (types.Document, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			doc := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return doc, true
		}
		ready := q.ready
		q.mu.Unlock()

		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, false
		}
		timer := time.NewTimer(remain)
		select {
		case <-ready:
			timer.Stop()
		case <-timer.C:
			return nil, false
		}
	}
}

// Len reports the number of queued items.
func (q *itemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Any reports whether some queued item satisfies match. The queue mutex is
// held for the whole scan, so a concurrent pop cannot hide an item
// mid-check.
func (q *itemQueue) Any(match func(types.Document) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, doc := range q.items {
		if match(doc) {
			return true
		}
	}
	return false
}

// Drain removes and returns everything currently queued.
func (q *itemQueue) Drain() []types.Document {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
