// Package queue provides the bounded in-memory admission queue feeding the
// worker pool.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/docrag/intake/internal/intake"
)

// ErrClosed is returned by Dequeue after Close drains the queue.
var ErrClosed = errors.New("queue closed")

// Queue is a fixed-capacity channel queue. TryEnqueue never blocks; a full
// queue is a backpressure signal the API turns into a 503.
type Queue struct {
	items chan intake.QueueItem

	mu     sync.Mutex
	closed bool
}

// New builds a Queue with the given capacity. Capacity is clamped to at
// least 1.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{items: make(chan intake.QueueItem, capacity)}
}

// TryEnqueue admits an item or fails fast with ErrQueueFull.
func (q *Queue) TryEnqueue(item intake.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.items <- item:
		return nil
	default:
		return intake.ErrQueueFull
	}
}

// Dequeue blocks until an item is available, the context ends, or the queue
// is closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (intake.QueueItem, error) {
	select {
	case item, ok := <-q.items:
		if !ok {
			return intake.QueueItem{}, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		return intake.QueueItem{}, ctx.Err()
	}
}

// Depth returns the number of queued items.
func (q *Queue) Depth() int {
	return len(q.items)
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int {
	return cap(q.items)
}

// Close stops admissions. Workers drain remaining items and then see
// ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}
