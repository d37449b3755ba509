package gerrit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/gerritwatch/internal/log"
	"github.com/zjrosen/gerritwatch/internal/pubsub"
	"github.com/zjrosen/gerritwatch/internal/remote"
	"github.com/zjrosen/gerritwatch/internal/tracing"
)

// Watcher defaults.
const (
	DefaultStreamCommand  = "gerrit stream-events"
	DefaultReconnectDelay = 5 * time.Second
)

// readChunk is the most one readiness wakeup reads from the stream.
const readChunk = 64 << 10

// State is the stream watcher's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// StateChange is published on every watcher state transition.
type StateChange struct {
	From      State
	To        State
	SessionID string
	Err       error // why the session ended; set on transitions to disconnected
}

// WatcherConfig configures a StreamWatcher. Zero values take the defaults.
type WatcherConfig struct {
	Command        string
	ReconnectDelay time.Duration

	// IdleTimeout abandons a session that completes no line for this long,
	// including one stalled partway through a line. Zero disables it.
	IdleTimeout time.Duration

	Logger *log.Logger
	Tracer trace.Tracer

	// Broker receives StateChange notifications. Optional.
	Broker pubsub.Publisher[StateChange]
}

func (c WatcherConfig) withDefaults() WatcherConfig {
	if c.Command == "" {
		c.Command = DefaultStreamCommand
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	return c
}

// StreamWatcher keeps one stream-events session open, decoding each line
// into the queue and reconnecting after a fixed delay whenever the session
// fails. Run owns the session exclusively.
type StreamWatcher struct {
	transport remote.Transport
	queue     *EventQueue
	cfg       WatcherConfig

	recycle chan struct{}

	mu        sync.Mutex
	state     State
	sessionID string
	attempts  int
	events    uint64
	waker     *waker // interrupts the current session's wait
}

// NewStreamWatcher creates a watcher that feeds queue from transport.
func NewStreamWatcher(transport remote.Transport, queue *EventQueue, cfg WatcherConfig) *StreamWatcher {
	return &StreamWatcher{
		transport: transport,
		queue:     queue,
		cfg:       cfg.withDefaults(),
		recycle:   make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (w *StreamWatcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns the number of connect attempts and delivered events.
func (w *StreamWatcher) Stats() (attempts int, events uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts, w.events
}

// Recycle abandons the current session and reconnects without waiting for
// the reconnect delay. Used when credentials change on disk.
func (w *StreamWatcher) Recycle() {
	select {
	case w.recycle <- struct{}{}:
	default:
	}

	w.mu.Lock()
	k := w.waker
	w.mu.Unlock()
	if k != nil {
		k.wake()
	}
}

var errRecycled = &StreamIOError{Reason: ReasonRecycled}

// Run connects and streams until ctx is canceled. Session failures are
// logged and retried forever; Run only returns once ctx is done.
func (w *StreamWatcher) Run(ctx context.Context) error {
	logger := w.cfg.Logger
	logger.Info(log.CatStream, "Stream watcher started", "command", w.cfg.Command)

	for {
		err := w.session(ctx)
		if ctx.Err() != nil {
			w.setState(StateDisconnected, nil)
			logger.Info(log.CatStream, "Stream watcher stopped")
			return nil
		}
		w.setState(StateDisconnected, err)

		if errors.Is(err, errRecycled) {
			logger.Info(log.CatStream, "Stream recycled, reconnecting")
			continue
		}
		logger.Warn(log.CatStream, "Stream session ended, reconnecting",
			"error", err, "delay", w.cfg.ReconnectDelay)

		if !w.backoff(ctx) {
			w.setState(StateDisconnected, nil)
			logger.Info(log.CatStream, "Stream watcher stopped")
			return nil
		}
	}
}

// backoff waits the fixed reconnect delay. Returns false if ctx ended first.
func (w *StreamWatcher) backoff(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// session runs one connect-and-listen cycle. The returned error says why
// the session ended.
func (w *StreamWatcher) session(ctx context.Context) (err error) {
	id := uuid.NewString()

	w.mu.Lock()
	w.attempts++
	attempt := w.attempts
	w.mu.Unlock()

	ctx, span := w.cfg.Tracer.Start(ctx, tracing.SpanStreamSession, trace.WithAttributes(
		attribute.String(tracing.AttrSessionID, id),
		attribute.Int(tracing.AttrAttempt, attempt),
	))
	defer func() {
		if ctx.Err() != nil {
			span.AddEvent(tracing.EventStreamStopped)
		} else {
			tracing.RecordError(span, err)
		}
		span.End()
	}()

	w.setSession(StateConnecting, id)

	k, err := newWaker()
	if err != nil {
		return &StreamIOError{Reason: ReasonPoll, Err: err}
	}
	defer k.close()

	stream, err := w.connect(ctx)
	if err != nil {
		return err
	}
	defer w.close(stream, id)

	w.mu.Lock()
	w.waker = k
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.waker = nil
		w.mu.Unlock()
	}()

	// Waking ends the wait; closing covers platforms that block in read.
	stop := context.AfterFunc(ctx, func() {
		k.wake()
		_ = stream.Close()
	})
	defer stop()

	// A recycle requested before this session began has been honored.
	select {
	case <-w.recycle:
	default:
	}

	w.setState(StateStreaming, nil)
	w.cfg.Logger.Info(log.CatStream, "Streaming events", "session", id, "attempt", attempt)

	n, err := w.listen(ctx, stream, k, span)
	span.SetAttributes(attribute.Int64(tracing.AttrEvents, int64(n))) //nolint:gosec // G115: event counts fit
	return err
}

func (w *StreamWatcher) connect(ctx context.Context) (remote.Stream, error) {
	ctx, span := w.cfg.Tracer.Start(ctx, tracing.SpanStreamConnect)
	defer span.End()

	stream, err := w.transport.OpenStream(ctx, w.cfg.Command)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	return stream, nil
}

func (w *StreamWatcher) close(stream remote.Stream, id string) {
	if err := stream.Close(); err != nil {
		w.cfg.Logger.Debug(log.CatStream, "Closing stream", "session", id, "error", err)
	}
}

// listen waits for readiness on the stream and on k, reads whatever is
// available, and delivers each complete line. A partial line is carried
// over to the next wakeup. It returns the number of events delivered.
func (w *StreamWatcher) listen(ctx context.Context, stream remote.Stream, k *waker, span trace.Span) (uint64, error) {
	f := stream.File()
	buf := make([]byte, readChunk)
	var (
		pending      []byte
		delivered    uint64
		lastActivity = time.Now()
	)

	// ended delivers an unterminated final line before reporting err.
	ended := func(err error) (uint64, error) {
		if len(bytes.TrimSpace(pending)) > 0 {
			if decodeErr := w.deliver(pending, span); decodeErr != nil {
				return delivered, decodeErr
			}
			delivered++
		}
		span.AddEvent(tracing.EventStreamHangup)
		return delivered, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		select {
		case <-w.recycle:
			span.AddEvent(tracing.EventRecycled)
			return delivered, errRecycled
		default:
		}

		timeout := time.Duration(-1)
		if w.cfg.IdleTimeout > 0 {
			timeout = w.cfg.IdleTimeout - time.Since(lastActivity)
			if timeout <= 0 {
				span.AddEvent(tracing.EventIdleTimeout)
				return delivered, &StreamIOError{Reason: ReasonIdle}
			}
		}

		ready, err := waitReadable(f, k, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, &StreamIOError{Reason: ReasonPoll, Err: err}
		}
		switch {
		case ready&woken != 0:
			k.drain()
			continue
		case ready == 0:
			continue
		case ready&readable == 0:
			return ended(&StreamIOError{Reason: ReasonHangup})
		}

		n, err := readSome(f, buf)
		switch {
		case errors.Is(err, errWouldBlock):
			continue
		case errors.Is(err, io.EOF):
			return ended(&StreamIOError{Reason: ReasonEOF})
		case err != nil:
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, &StreamIOError{Reason: ReasonRead, Err: err}
		}

		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			if err := w.deliver(pending[:i+1], span); err != nil {
				return delivered, err
			}
			delivered++
			lastActivity = time.Now()
			pending = pending[i+1:]
		}
		pending = append([]byte(nil), pending...)
	}
}

// deliver decodes one line onto the queue.
func (w *StreamWatcher) deliver(line []byte, span trace.Span) error {
	ev, err := DecodeEvent(line)
	if err != nil {
		span.AddEvent(tracing.EventDecodeFailed)
		return err
	}

	w.queue.Add(ev)

	w.mu.Lock()
	w.events++
	w.mu.Unlock()

	w.cfg.Logger.Debug(log.CatStream, "Received event", "type", ev.Type(), "line", string(bytes.TrimRight(line, "\r\n")))
	return nil
}

func (w *StreamWatcher) setSession(to State, id string) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.sessionID = id
	w.mu.Unlock()
	w.publish(StateChange{From: from, To: to, SessionID: id})
}

func (w *StreamWatcher) setState(to State, cause error) {
	w.mu.Lock()
	from := w.state
	if from == to && cause == nil {
		w.mu.Unlock()
		return
	}
	w.state = to
	id := w.sessionID
	w.mu.Unlock()
	w.publish(StateChange{From: from, To: to, SessionID: id, Err: cause})
}

func (w *StreamWatcher) publish(sc StateChange) {
	if w.cfg.Broker != nil {
		w.cfg.Broker.Publish(pubsub.StateChangedEvent, sc)
	}
}
