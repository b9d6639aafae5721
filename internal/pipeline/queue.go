package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Queue carries requests from the single generator to competing workers.
// Each request is delivered to exactly one worker and never requeued.
type Queue struct {
	ch        chan TransferRequest
	clock     clock.Clock
	closeOnce sync.Once
	closed    chan struct{}
}

// NewQueue creates a queue buffering up to capacity requests.
func NewQueue(capacity int, clk clock.Clock) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{
		ch:     make(chan TransferRequest, capacity),
		clock:  clk,
		closed: make(chan struct{}),
	}
}

// Send publishes req, blocking while the buffer is full. Only the
// generator calls Send, and never after Close.
func (q *Queue) Send(ctx context.Context, req TransferRequest) error {
	select {
	case q.ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next request. It returns ErrQueueClosed when the queue
// is closed and drained, or when nothing arrives within timeout.
func (q *Queue) Receive(ctx context.Context, timeout time.Duration) (TransferRequest, error) {
	// Prefer buffered work over a timer allocation.
	select {
	case req, ok := <-q.ch:
		if !ok {
			return TransferRequest{}, ErrQueueClosed
		}
		return req, nil
	default:
	}

	timer := q.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case req, ok := <-q.ch:
		if !ok {
			return TransferRequest{}, ErrQueueClosed
		}
		return req, nil
	case <-timer.C:
		return TransferRequest{}, ErrQueueClosed
	case <-ctx.Done():
		return TransferRequest{}, ctx.Err()
	}
}

// Close releases the sending side. Idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		close(q.ch)
	})
}

// Closed is closed once Close has been called.
func (q *Queue) Closed() <-chan struct{} {
	return q.closed
}

// Len returns the number of buffered requests.
func (q *Queue) Len() int {
	return len(q.ch)
}
