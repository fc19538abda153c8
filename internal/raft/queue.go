package raft

import (
	"sync"

	"quorumkv/internal/metrics"
)

// requestQueue is the only structure shared between host goroutines and the
// processing goroutine: an unbounded FIFO guarded by a mutex plus a wake
// signal. Push never blocks; the consumer drains whole batches.
type requestQueue struct {
	mu     sync.Mutex
	items  []Request
	signal chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		signal: make(chan struct{}, 1),
	}
}

func (q *requestQueue) Push(req Request) {
	q.mu.Lock()
	q.items = append(q.items, req)
	// The gauge must move with the slice under the same lock, or a slower
	// Push can overwrite a later depth with a stale one.
	metrics.RequestQueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Drain returns all currently pending requests in FIFO order, or nil.
func (q *requestQueue) Drain() []Request {
	q.mu.Lock()
	items := q.items
	q.items = nil
	metrics.RequestQueueDepth.Set(0)
	q.mu.Unlock()

	return items
}

func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
