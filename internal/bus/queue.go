package bus

import (
	"context"
	"errors"
	"sync"

	"main/internal/schema"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue is a bounded, non-blocking outbound event queue.
// The core publishes typed events; delivery is the consumer's concern.
// Send and close are serialized under one mutex, so a publisher racing
// shutdown gets ErrQueueClosed instead of a send on a closed channel.
type Queue struct {
	mu     sync.Mutex
	ch     chan schema.Event
	closed bool
	drops  uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan schema.Event, capacity)}
}

// TryPublish enqueues an event without blocking.
// A full queue drops the event rather than stalling a trading loop.
func (q *Queue) TryPublish(e schema.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		q.drops++
		return ErrQueueFull
	}
}

// Drops returns the number of events dropped on publish.
func (q *Queue) Drops() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}

// Close stops the queue from accepting new events. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

// Events exposes the receive side for external consumers.
func (q *Queue) Events() <-chan schema.Event {
	return q.ch
}

// Run consumes events until the context is done or the queue is closed.
func (q *Queue) Run(ctx context.Context, handler func(schema.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}
