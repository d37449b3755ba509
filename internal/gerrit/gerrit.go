// Package gerrit watches a Gerrit server's event stream and runs one-shot
// review commands against it.
//
// A Gerrit coordinator owns an EventQueue and at most one StreamWatcher.
// The watcher runs on its own goroutine, reconnecting after a fixed delay
// whenever the stream fails; consumers call GetEvent to receive events in
// arrival order. Query and Review run synchronously over fresh sessions and
// never touch the queue.
package gerrit

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/gerritwatch/internal/log"
	"github.com/zjrosen/gerritwatch/internal/pubsub"
	"github.com/zjrosen/gerritwatch/internal/remote"
)

// Config wires a Gerrit coordinator.
type Config struct {
	// Transport runs one-shot commands.
	Transport remote.Transport

	// StreamTransport opens the event stream. Defaults to Transport.
	StreamTransport remote.Transport

	Watcher WatcherConfig
	Client  ClientConfig

	// Logger and Tracer fill in Watcher and Client when those leave them unset.
	Logger *log.Logger
	Tracer trace.Tracer
}

// Gerrit coordinates the stream watcher, event queue and command client.
type Gerrit struct {
	queue     *EventQueue
	client    *CommandClient
	broker    *pubsub.Broker[StateChange]
	transport remote.Transport
	watchCfg  WatcherConfig
	logger    *log.Logger

	mu      sync.Mutex
	watcher *StreamWatcher
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool

	// stopping is the done channel of a watcher Stop is still waiting on.
	stopping chan struct{}

	// last is the most recently started watcher, kept after Stop for Stats.
	last *StreamWatcher
}

// New creates a coordinator. Nothing connects until StartWatching.
func New(cfg Config) *Gerrit {
	if cfg.StreamTransport == nil {
		cfg.StreamTransport = cfg.Transport
	}
	if cfg.Watcher.Logger == nil {
		cfg.Watcher.Logger = cfg.Logger
	}
	if cfg.Watcher.Tracer == nil {
		cfg.Watcher.Tracer = cfg.Tracer
	}
	if cfg.Client.Logger == nil {
		cfg.Client.Logger = cfg.Logger
	}
	if cfg.Client.Tracer == nil {
		cfg.Client.Tracer = cfg.Tracer
	}

	broker := pubsub.NewBroker[StateChange](pubsub.WithRetainLast())
	cfg.Watcher.Broker = broker

	return &Gerrit{
		queue:     NewEventQueue(),
		client:    NewCommandClient(cfg.Transport, cfg.Client),
		broker:    broker,
		transport: cfg.StreamTransport,
		watchCfg:  cfg.Watcher,
		logger:    cfg.Logger,
	}
}

// StartWatching launches the stream watcher on its own goroutine. The
// watcher runs until Stop, Close, or cancellation of ctx.
func (g *Gerrit) StartWatching(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Never overlap a session that is still being released.
	for g.stopping != nil {
		stopping := g.stopping
		g.mu.Unlock()
		<-stopping
		g.mu.Lock()
		if g.stopping == stopping {
			g.stopping = nil
		}
	}

	if g.closed {
		return ErrStopped
	}
	if g.watcher != nil {
		return ErrAlreadyWatching
	}

	ctx, cancel := context.WithCancel(ctx)
	w := NewStreamWatcher(g.transport, g.queue, g.watchCfg)
	done := make(chan struct{})

	g.watcher = w
	g.last = w
	g.cancel = cancel
	g.done = done

	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return nil
}

// Stop cancels the watcher and waits for it to release its session. Queued
// events stay available and StartWatching may be called again.
func (g *Gerrit) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	if cancel == nil {
		stopping := g.stopping
		g.mu.Unlock()
		if stopping != nil {
			<-stopping
		}
		return
	}
	g.watcher, g.cancel, g.done = nil, nil, nil
	g.stopping = done
	g.mu.Unlock()

	cancel()
	<-done

	g.mu.Lock()
	if g.stopping == done {
		g.stopping = nil
	}
	g.mu.Unlock()
}

// Close stops the watcher and releases the coordinator. Consumers blocked in
// GetEvent return ErrStopped once the queue is empty.
func (g *Gerrit) Close() {
	g.Stop()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.queue.Close()
	g.broker.Close()
}

// GetEvent removes and returns the oldest event, blocking while none is
// queued.
func (g *Gerrit) GetEvent(ctx context.Context) (Event, error) {
	ev, err := g.queue.Get(ctx)
	if errors.Is(err, ErrQueueClosed) {
		return nil, ErrStopped
	}
	return ev, err
}

// AddEvent appends ev to the queue as if it had arrived on the stream.
func (g *Gerrit) AddEvent(ev Event) {
	g.queue.Add(ev)
}

// Pending returns the number of queued events.
func (g *Gerrit) Pending() int {
	return g.queue.Len()
}

// Drain removes and returns every queued event, oldest first.
func (g *Gerrit) Drain() []Event {
	return g.queue.Drain()
}

// Stats returns connect attempts and delivered events of the most recently
// started watcher, which may already be stopped. Both are zero before the
// first StartWatching.
func (g *Gerrit) Stats() (attempts int, events uint64) {
	g.mu.Lock()
	w := g.last
	g.mu.Unlock()

	if w == nil {
		return 0, 0
	}
	return w.Stats()
}

// Query runs a change query. See CommandClient.Query.
func (g *Gerrit) Query(ctx context.Context, change string) (QueryResult, bool, error) {
	return g.client.Query(ctx, change)
}

// Review posts a review. See CommandClient.Review.
func (g *Gerrit) Review(ctx context.Context, project, change, message string, flags map[string]any) (string, error) {
	return g.client.Review(ctx, project, change, message, flags)
}

// State returns the watcher's connection state, or StateDisconnected when
// not watching.
func (g *Gerrit) State() State {
	g.mu.Lock()
	w := g.watcher
	g.mu.Unlock()

	if w == nil {
		return StateDisconnected
	}
	return w.State()
}

// Recycle forces the running watcher to reconnect. No-op when not watching.
func (g *Gerrit) Recycle() {
	g.mu.Lock()
	w := g.watcher
	g.mu.Unlock()

	if w != nil {
		g.logger.Info(log.CatStream, "Recycling stream session")
		w.Recycle()
	}
}

// Subscribe returns a channel of watcher state transitions, closed when ctx
// ends or the coordinator is closed.
func (g *Gerrit) Subscribe(ctx context.Context) <-chan pubsub.Event[StateChange] {
	return g.broker.Subscribe(ctx)
}
