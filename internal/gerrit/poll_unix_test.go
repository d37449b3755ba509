//go:build unix

package gerrit

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPollPipe(t *testing.T) (*os.File, *os.File, *waker) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	k, err := newWaker()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
		k.close()
	})
	return r, w, k
}

func TestWaitReadable_Timeout(t *testing.T) {
	r, _, k := newPollPipe(t)

	start := time.Now()
	ready, err := waitReadable(r, k, 30*time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, ready)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestWaitReadable_Readable(t *testing.T) {
	r, w, k := newPollPipe(t)
	_, err := w.WriteString("{}\n")
	require.NoError(t, err)

	ready, err := waitReadable(r, k, -1)
	require.NoError(t, err)
	require.NotZero(t, ready&readable)

	buf := make([]byte, 16)
	n, err := readSome(r, buf)
	require.NoError(t, err)
	require.Equal(t, "{}\n", string(buf[:n]))

	_, err = readSome(r, buf)
	require.ErrorIs(t, err, errWouldBlock)
}

func TestWaitReadable_WakeInterruptsIndefiniteWait(t *testing.T) {
	r, _, k := newPollPipe(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		k.wake()
	}()

	done := make(chan readiness, 1)
	go func() {
		ready, err := waitReadable(r, k, -1)
		if err == nil {
			done <- ready
		}
	}()

	select {
	case ready := <-done:
		require.NotZero(t, ready&woken)
		require.Zero(t, ready&readable)
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not interrupt the wait")
	}

	k.drain()
	ready, err := waitReadable(r, k, 10*time.Millisecond)
	require.NoError(t, err)
	require.Zero(t, ready, "drained wakeups do not fire again")
}

func TestWaitReadable_WakeBeforeWait(t *testing.T) {
	r, _, k := newPollPipe(t)
	k.wake()
	k.wake()

	ready, err := waitReadable(r, k, -1)
	require.NoError(t, err)
	require.NotZero(t, ready&woken)
}

func TestWaitReadable_Hangup(t *testing.T) {
	r, w, k := newPollPipe(t)
	require.NoError(t, w.Close())

	ready, err := waitReadable(r, k, -1)
	require.NoError(t, err)
	require.NotZero(t, ready&hangup)

	_, err = readSome(r, make([]byte, 8))
	require.ErrorIs(t, err, io.EOF)
}

func TestWaker_WakeAfterCloseIsHarmless(t *testing.T) {
	k, err := newWaker()
	require.NoError(t, err)
	k.close()
	k.close()
	require.NotPanics(t, k.wake)
}
