//go:build unix

package gerrit

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// waitReadable blocks until f is readable or reports hangup, k is woken,
// or timeout elapses. A negative timeout waits forever. A zero result with
// a nil error means the timeout expired.
func waitReadable(f *os.File, k *waker, timeout time.Duration) (readiness, error) {
	stream, err := f.SyscallConn()
	if err != nil {
		return 0, err
	}
	wake, err := k.r.SyscallConn()
	if err != nil {
		return 0, err
	}

	ms := -1
	if timeout >= 0 {
		// Round up so a sub-millisecond remainder does not spin.
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	var (
		fds     []unix.PollFd
		pollErr error
	)
	ctrlErr := stream.Control(func(sfd uintptr) {
		wakeErr := wake.Control(func(wfd uintptr) {
			fds = []unix.PollFd{
				{Fd: int32(sfd), Events: unix.POLLIN}, //nolint:gosec // G115: fds fit in int32
				{Fd: int32(wfd), Events: unix.POLLIN}, //nolint:gosec // G115: fds fit in int32
			}
			for {
				_, err := unix.Poll(fds, ms)
				if errors.Is(err, unix.EINTR) {
					continue
				}
				pollErr = err
				return
			}
		})
		if wakeErr != nil {
			pollErr = wakeErr
		}
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	if pollErr != nil {
		return 0, fmt.Errorf("poll: %w", pollErr)
	}

	var r readiness
	if fds[0].Revents&unix.POLLIN != 0 {
		r |= readable
	}
	if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		r |= hangup
	}
	if fds[1].Revents != 0 {
		r |= woken
	}
	return r, nil
}

// readSome performs one non-blocking read. It returns errWouldBlock when
// no data is waiting and io.EOF once the writer is gone.
func readSome(f *os.File, buf []byte) (int, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		n       int
		readErr error
	)
	if err := rc.Read(func(fd uintptr) bool {
		n, readErr = unix.Read(int(fd), buf)
		return true
	}); err != nil {
		return 0, err
	}
	switch {
	case errors.Is(readErr, unix.EAGAIN), errors.Is(readErr, unix.EINTR):
		return 0, errWouldBlock
	case readErr != nil:
		return 0, readErr
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// wake makes the current or next waitReadable return. It never blocks.
func (k *waker) wake() {
	rc, err := k.w.SyscallConn()
	if err != nil {
		return
	}
	_ = rc.Write(func(fd uintptr) bool {
		_, _ = unix.Write(int(fd), []byte{1})
		return true
	})
}

// drain consumes pending wakeups.
func (k *waker) drain() {
	rc, err := k.r.SyscallConn()
	if err != nil {
		return
	}
	var buf [64]byte
	_ = rc.Read(func(fd uintptr) bool {
		for {
			n, err := unix.Read(int(fd), buf[:])
			if err != nil || n < len(buf) {
				return true
			}
		}
	})
}
