package gerrit

import (
	"errors"
	"os"
	"sync"
)

// readiness is the result of waiting on the stream descriptor.
type readiness uint8

const (
	readable readiness = 1 << iota
	hangup
	woken
)

// errWouldBlock means a readiness wakeup turned out to have no data.
var errWouldBlock = errors.New("no data available")

// waker interrupts a waitReadable in progress from another goroutine.
// Wakeups are level-triggered: a wake before the wait starts still ends it.
type waker struct {
	r, w *os.File
	once sync.Once
}

func newWaker() (*waker, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &waker{r: r, w: w}, nil
}

func (k *waker) close() {
	k.once.Do(func() {
		_ = k.r.Close()
		_ = k.w.Close()
	})
}
