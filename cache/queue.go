package cache

import (
	"context"
	"sync"
)

// job is one unit of work for the writer goroutine.
type job struct {
	op      string
	run     func(ctx context.Context) error
	retry   bool
	pending *Pending
}

// writeQueue is an unbounded FIFO. Producers never block on it.
type writeQueue struct {
	mu     sync.Mutex
	items  []*job
	closed bool
	signal chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{signal: make(chan struct{}, 1)}
}

// push appends j. Returns false once the queue is closed.
func (q *writeQueue) push(j *job) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, j)
	q.mu.Unlock()
	q.notify()
	return true
}

// next pops the oldest job. With an empty queue it returns nil and whether
// the queue has been closed.
func (q *writeQueue) next() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, q.closed
	}
	j := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return j, false
}

// close stops accepting jobs. Queued jobs stay.
func (q *writeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// drain removes and returns every queued job.
func (q *writeQueue) drain() []*job {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *writeQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *writeQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
