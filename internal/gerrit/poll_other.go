//go:build !unix

package gerrit

import (
	"os"
	"time"
)

// waitReadable has no readiness primitive here. It reports the stream as
// readable and leaves the caller to block in readSome, which is interrupted
// by closing the stream.
func waitReadable(*os.File, *waker, time.Duration) (readiness, error) {
	return readable, nil
}

func readSome(f *os.File, buf []byte) (int, error) {
	return f.Read(buf)
}

func (k *waker) wake()  {}
func (k *waker) drain() {}
