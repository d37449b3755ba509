package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

type options struct {
	bufferSize int
	retainLast bool
	now        func() time.Time
}

// Option configures a Broker.
type Option func(*options)

// WithBuffer sets each subscriber's channel capacity. Sizes below 1 keep
// the default of 64.
func WithBuffer(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithRetainLast makes the broker remember the most recent event and hand
// it to every new subscriber first, so a late subscriber still learns the
// current state.
func WithRetainLast() Option {
	return func(o *options) { o.retainLast = true }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Broker fans events out to any number of subscribers. Publish never
// blocks: a subscriber that falls behind loses events, and the loss is
// counted in Dropped.
type Broker[T any] struct {
	opts options

	mu     sync.RWMutex
	subs   map[chan Event[T]]struct{}
	last   *Event[T]
	closed bool

	dropped atomic.Uint64
}

var _ Publisher[int] = (*Broker[int])(nil)

// NewBroker creates a broker.
func NewBroker[T any](opts ...Option) *Broker[T] {
	o := options{bufferSize: defaultBufferSize, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broker[T]{
		opts: o,
		subs: make(map[chan Event[T]]struct{}),
	}
}

// Subscribe returns a channel of events, closed when ctx is done or the
// broker is closed. With WithRetainLast, the latest event is already
// waiting on the channel.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	sub := make(chan Event[T], b.opts.bufferSize)
	if b.last != nil {
		sub <- *b.last
	}
	b.subs[sub] = struct{}{}

	context.AfterFunc(ctx, func() { b.unsubscribe(sub) })
	return sub
}

func (b *Broker[T]) unsubscribe(sub chan Event[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub)
}

// Publish sends an event to every subscriber. Publishing after Close is a
// no-op.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: b.opts.now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.opts.retainLast {
		b.last = &event
	}
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel. Safe to call more than once.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broker[T]) Dropped() uint64 {
	return b.dropped.Load()
}
