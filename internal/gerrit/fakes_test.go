package gerrit

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/gerritwatch/internal/remote"
)

// pipeStream is a simulated session: the watcher reads r, the test writes w.
type pipeStream struct {
	r      *os.File
	w      *os.File
	closed atomic.Bool
	once   sync.Once

	// closeDelay stalls Close after closing is signaled.
	closeDelay time.Duration
	closing    chan struct{}
}

func (s *pipeStream) File() *os.File { return s.r }

func (s *pipeStream) Close() error {
	s.once.Do(func() {
		close(s.closing)
		time.Sleep(s.closeDelay)
		s.closed.Store(true)
		_ = s.r.Close()
	})
	return nil
}

// write sends lines to the watcher, each terminated by a newline.
func (s *pipeStream) write(t *testing.T, lines ...string) {
	t.Helper()
	_, err := io.WriteString(s.w, strings.Join(lines, "\n")+"\n")
	require.NoError(t, err)
}

// hangup closes the write end, as a dying remote session would.
func (s *pipeStream) hangup() {
	_ = s.w.Close()
}

// fakeTransport hands out pipe streams and scripted command output.
type fakeTransport struct {
	mu       sync.Mutex
	opens    []time.Time
	commands []string

	// openErr, when set, decides whether attempt n (1-based) fails.
	openErr func(n int) error

	// closeDelay is applied to every stream opened afterwards.
	closeDelay time.Duration

	// run answers one-shot commands.
	run func(command string) (*remote.CommandOutput, error)

	streams chan *pipeStream
	opened  []*pipeStream
}

// newFakeTransport must be called before the watcher starts so its cleanup
// runs after the watcher has stopped.
func newFakeTransport(t *testing.T) *fakeTransport {
	f := &fakeTransport{streams: make(chan *pipeStream, 64)}
	t.Cleanup(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, s := range f.opened {
			_ = s.Close()
			_ = s.w.Close()
		}
	})
	return f
}

func (f *fakeTransport) OpenStream(ctx context.Context, command string) (remote.Stream, error) {
	f.mu.Lock()
	f.opens = append(f.opens, time.Now())
	n := len(f.opens)
	f.commands = append(f.commands, command)
	openErr := f.openErr
	closeDelay := f.closeDelay
	f.mu.Unlock()

	if openErr != nil {
		if err := openErr(n); err != nil {
			return nil, err
		}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	s := &pipeStream{r: r, w: w, closeDelay: closeDelay, closing: make(chan struct{})}
	f.mu.Lock()
	f.opened = append(f.opened, s)
	f.mu.Unlock()
	select {
	case f.streams <- s:
	default:
	}
	return s, nil
}

func (f *fakeTransport) Run(ctx context.Context, command string) (*remote.CommandOutput, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	run := f.run
	f.mu.Unlock()

	if run == nil {
		return &remote.CommandOutput{}, nil
	}
	return run(command)
}

func (f *fakeTransport) openTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.opens...)
}

func (f *fakeTransport) seenCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// nextStream waits for the watcher to open a session.
func (f *fakeTransport) nextStream(t *testing.T) *pipeStream {
	t.Helper()
	select {
	case s := <-f.streams:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the watcher to open a stream")
		return nil
	}
}

// expectNoStream asserts the watcher does not open another session within d.
func (f *fakeTransport) expectNoStream(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-f.streams:
		t.Fatal("watcher opened an unexpected stream")
	case <-time.After(d):
	}
}

var errConnRefused = &remote.ConnectionError{Addr: "review.example.org:29418", Op: "dial", Err: errors.New("connection refused")}

// getEvent reads one event with a timeout.
func getEvent(t *testing.T, q *EventQueue) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := q.Get(ctx)
	require.NoError(t, err)
	return ev
}
