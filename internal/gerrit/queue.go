package gerrit

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Get once the queue is closed and empty.
var ErrQueueClosed = errors.New("event queue closed")

// EventQueue is an unbounded FIFO shared by one producer and any number of
// consumers. All methods are safe for concurrent use.
type EventQueue struct {
	mu      sync.Mutex
	entries []Event
	closed  bool

	// ready holds a token while entries is non-empty or the queue is closed.
	ready chan struct{}
}

// NewEventQueue creates an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{
		entries: make([]Event, 0),
		ready:   make(chan struct{}, 1),
	}
}

// Add appends ev to the tail. It never blocks.
func (q *EventQueue) Add(ev Event) {
	q.mu.Lock()
	q.entries = append(q.entries, ev)
	q.mu.Unlock()
	q.signal()
}

// Get removes and returns the head, blocking while the queue is empty.
// It returns ctx.Err() on cancellation and ErrQueueClosed once the queue
// is closed and drained.
func (q *EventQueue) Get(ctx context.Context) (Event, error) {
	for {
		if ev, ok := q.TryGet(); ok {
			return ev, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			q.signal()
			return nil, ErrQueueClosed
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryGet removes and returns the head without blocking.
func (q *EventQueue) TryGet() (Event, bool) {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	ev := q.pop()
	more := len(q.entries) > 0
	q.mu.Unlock()

	// Pass the token on so another consumer picks up the rest.
	if more {
		q.signal()
	}
	return ev, true
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}

// Drain removes and returns all queued events in order.
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return []Event{}
	}
	result := q.entries
	q.entries = make([]Event, 0)
	return result
}

// Close wakes blocked consumers. Queued events remain retrievable and Add
// keeps working, but Get no longer blocks on an empty queue.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// pop must be called with mu held and entries non-empty.
func (q *EventQueue) pop() Event {
	ev := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	return ev
}

func (q *EventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
