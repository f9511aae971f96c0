// Package memory provides the in-process crawl frontier.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrapewire/internal/crawler"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained, and
// by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of URLs. Enqueue never blocks, so the workers
// that drain it can also feed it without deadlocking.
type Queue struct {
	mu     sync.Mutex
	items  []crawler.URLInfo
	ready  chan struct{}
	closed bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Enqueue appends a URL to the frontier.
func (q *Queue) Enqueue(ctx context.Context, item crawler.URLInfo) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.signal()
	return nil
}

// Dequeue pops the oldest URL, blocking until one is available, the queue is
// closed, or ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (crawler.URLInfo, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = crawler.URLInfo{}
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return crawler.URLInfo{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return crawler.URLInfo{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.ready:
		}
	}
}

// Len returns the number of queued URLs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes blocked consumers. Items already queued can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}

// signal must be called with mu held.
func (q *Queue) signal() {
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
