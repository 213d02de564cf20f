// Package memory provides the in-process ready queue of job IDs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Enqueue and Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of job IDs with context-aware operations and
// removal of queued entries.
type Queue struct {
	mu     sync.Mutex
	items  []string
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Enqueue appends id.
func (q *Queue) Enqueue(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, id)
	q.signalLocked()
	return nil
}

// Dequeue pops the oldest id, blocking until one is available or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			id := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			if len(q.items) > 0 {
				// wake the next waiter; notify holds at most one token
				q.signalLocked()
			}
			q.mu.Unlock()
			return id, nil
		}
		if q.closed {
			q.mu.Unlock()
			return "", ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Remove deletes a queued id and reports whether it was present.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports how many ids are waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all waiters. Items still queued are drained before Dequeue
// reports ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
