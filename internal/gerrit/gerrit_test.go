//go:build unix

package gerrit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestGerrit(t *testing.T, tr *fakeTransport) *Gerrit {
	t.Helper()
	g := New(Config{
		Transport: tr,
		Watcher:   WatcherConfig{ReconnectDelay: 10 * time.Millisecond},
	})
	t.Cleanup(g.Close)
	return g
}

func TestGerrit_StreamToGetEvent(t *testing.T) {
	tr := newFakeTransport(t)
	g := newTestGerrit(t, tr)

	require.NoError(t, g.StartWatching(context.Background()))
	s := tr.nextStream(t)
	s.write(t, `{"type":"patchset-created","n":1}`, `{"type":"change-merged","n":2}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, err := g.GetEvent(ctx)
	require.NoError(t, err)
	second, err := g.GetEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, "patchset-created", first.Type())
	require.Equal(t, "change-merged", second.Type())
}

func TestGerrit_StartWatchingTwice(t *testing.T) {
	tr := newFakeTransport(t)
	g := newTestGerrit(t, tr)

	require.NoError(t, g.StartWatching(context.Background()))
	require.ErrorIs(t, g.StartWatching(context.Background()), ErrAlreadyWatching)
	tr.nextStream(t)
	tr.expectNoStream(t, 50*time.Millisecond)
}

func TestGerrit_StopAndRestart(t *testing.T) {
	tr := newFakeTransport(t)
	g := newTestGerrit(t, tr)

	require.NoError(t, g.StartWatching(context.Background()))
	first := tr.nextStream(t)
	first.write(t, `{"n":1}`)
	require.Eventually(t, func() bool { return g.Pending() == 1 }, 5*time.Second, 5*time.Millisecond)

	g.Stop()
	require.True(t, first.closed.Load(), "Stop waits for the session to be released")
	require.Equal(t, StateDisconnected, g.State())
	require.Equal(t, 1, g.Pending(), "queued events survive Stop")
	g.Stop()

	require.NoError(t, g.StartWatching(context.Background()))
	tr.nextStream(t)
	require.Eventually(t, func() bool { return g.State() == StateStreaming }, 5*time.Second, 5*time.Millisecond)
}

func TestGerrit_ParentContextStopsWatcher(t *testing.T) {
	tr := newFakeTransport(t)
	g := newTestGerrit(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, g.StartWatching(ctx))
	s := tr.nextStream(t)
	cancel()

	require.Eventually(t, s.closed.Load, 5*time.Second, 5*time.Millisecond)
}

func TestGerrit_GetEventBlocksUntilAddEvent(t *testing.T) {
	g := newTestGerrit(t, newFakeTransport(t))

	got := make(chan Event, 1)
	go func() {
		ev, err := g.GetEvent(context.Background())
		if err == nil {
			got <- ev
		}
	}()

	select {
	case <-got:
		t.Fatal("GetEvent returned from an empty queue")
	case <-time.After(50 * time.Millisecond):
	}

	want := Event{"type": "ref-updated", "refName": "refs/heads/main"}
	g.AddEvent(want)
	select {
	case ev := <-got:
		require.Equal(t, want, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("GetEvent did not wake")
	}
}

func TestGerrit_Close(t *testing.T) {
	tr := newFakeTransport(t)
	g := newTestGerrit(t, tr)

	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := g.Subscribe(subCtx)

	require.NoError(t, g.StartWatching(context.Background()))
	tr.nextStream(t)
	g.AddEvent(Event{"n": 1})

	blocked := make(chan error, 1)
	g.Close()
	go func() {
		_, _ = g.GetEvent(context.Background())
		_, err := g.GetEvent(context.Background())
		blocked <- err
	}()

	select {
	case err := <-blocked:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("GetEvent blocked after Close")
	}

	require.ErrorIs(t, g.StartWatching(context.Background()), ErrStopped)

	for range changes {
	}
	g.Close()
}

func TestGerrit_SubscribeSeesTransitions(t *testing.T) {
	tr := newFakeTransport(t)
	g := newTestGerrit(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := g.Subscribe(ctx)

	require.NoError(t, g.StartWatching(context.Background()))
	tr.nextStream(t)

	for {
		select {
		case ev := <-changes:
			if ev.Payload.To == StateStreaming {
				require.Equal(t, StateStreaming, g.State())
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("never saw streaming transition")
		}
	}
}

func TestGerrit_RecycleWhileStreaming(t *testing.T) {
	tr := newFakeTransport(t)
	g := New(Config{
		Transport: tr,
		Watcher:   WatcherConfig{ReconnectDelay: time.Hour},
	})
	t.Cleanup(g.Close)

	g.Recycle()

	require.NoError(t, g.StartWatching(context.Background()))
	first := tr.nextStream(t)
	require.Eventually(t, func() bool { return g.State() == StateStreaming }, 5*time.Second, 5*time.Millisecond)

	g.Recycle()
	tr.nextStream(t)
	require.True(t, first.closed.Load())
}

func TestGerrit_SeparateStreamTransport(t *testing.T) {
	commands := newFakeTransport(t)
	commands.run = scripted(`{"number":"12345","status":"NEW"}`+"\n", "", 0)
	stream := newFakeTransport(t)

	g := New(Config{Transport: commands, StreamTransport: stream})
	t.Cleanup(g.Close)

	require.NoError(t, g.StartWatching(context.Background()))
	stream.nextStream(t)

	result, found, err := g.Query(context.Background(), "12345")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, QueryResult{"number": "12345", "status": "NEW"}, result)

	_, err = g.Review(context.Background(), "myproject", "12345", "ok", map[string]any{"verified": 1})
	require.NoError(t, err)

	require.Equal(t, []string{
		"gerrit query --format json 12345",
		`gerrit review --project myproject --message "ok" --verified 1 12345`,
	}, commands.seenCommands())
	require.Equal(t, []string{DefaultStreamCommand}, stream.seenCommands())
}

func TestGerrit_LateSubscriberSeesCurrentState(t *testing.T) {
	tr := newFakeTransport(t)
	g := newTestGerrit(t, tr)

	require.NoError(t, g.StartWatching(context.Background()))
	tr.nextStream(t)
	require.Eventually(t, func() bool { return g.State() == StateStreaming }, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := g.Subscribe(ctx)
	for {
		select {
		case ev := <-changes:
			// The streaming transition may still be in flight when State flips.
			if ev.Payload.To == StateStreaming {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("late subscriber got no replay")
		}
	}
}

func TestGerrit_StartWaitsForSessionBeingStopped(t *testing.T) {
	tr := newFakeTransport(t)
	tr.closeDelay = 100 * time.Millisecond
	g := newTestGerrit(t, tr)

	require.NoError(t, g.StartWatching(context.Background()))
	first := tr.nextStream(t)
	require.Eventually(t, func() bool { return g.State() == StateStreaming }, 5*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		g.Stop()
	}()
	<-first.closing

	require.NoError(t, g.StartWatching(context.Background()))
	require.True(t, first.closed.Load(), "the old session is released before a new one opens")

	tr.nextStream(t)
	require.Len(t, tr.openTimes(), 2)
	<-stopped
}

func TestGerrit_StatsAndDrain(t *testing.T) {
	tr := newFakeTransport(t)
	g := newTestGerrit(t, tr)

	attempts, events := g.Stats()
	require.Zero(t, attempts)
	require.Zero(t, events)

	require.NoError(t, g.StartWatching(context.Background()))
	s := tr.nextStream(t)
	s.write(t, `{"type":"ref-updated","n":1}`, `{"type":"ref-updated","n":2}`)
	require.Eventually(t, func() bool { return g.Pending() == 2 }, 5*time.Second, 5*time.Millisecond)

	attempts, events = g.Stats()
	require.Equal(t, 1, attempts)
	require.EqualValues(t, 2, events)

	g.Stop()
	attempts, events = g.Stats()
	require.Equal(t, 1, attempts, "stats survive Stop")
	require.EqualValues(t, 2, events)

	drained := g.Drain()
	require.Len(t, drained, 2)
	require.EqualValues(t, 1, drained[0]["n"])
	require.EqualValues(t, 2, drained[1]["n"])
	require.Zero(t, g.Pending())
}
