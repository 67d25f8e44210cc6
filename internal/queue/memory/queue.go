// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/solvekit/captcha-relay/internal/captcha"
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan captcha.QueueItem
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan captcha.QueueItem, capacity),
	}
}

// Enqueue pushes a job into the queue. A full queue fails immediately with
// captcha.ErrQueueFull; submission must never block on backpressure.
func (q *Queue) Enqueue(ctx context.Context, item captcha.QueueItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	default:
		return fmt.Errorf("enqueue: %w", captcha.ErrQueueFull)
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (captcha.QueueItem, error) {
	select {
	case <-ctx.Done():
		return captcha.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return captcha.QueueItem{}, errors.New("queue closed")
		}
		return item, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
