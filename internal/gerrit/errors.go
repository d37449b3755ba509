package gerrit

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyWatching is returned by StartWatching while a watcher runs.
	ErrAlreadyWatching = errors.New("gerrit: already watching")

	// ErrStopped is returned once the coordinator is closed.
	ErrStopped = errors.New("gerrit: stopped")
)

// Reasons carried by StreamIOError.
const (
	ReasonHangup   = "hangup"
	ReasonEOF      = "eof"
	ReasonPoll     = "poll"
	ReasonRead     = "read"
	ReasonIdle     = "idle timeout"
	ReasonRecycled = "recycled"
)

// StreamDecodeError reports a stream line that is not a JSON object.
type StreamDecodeError struct {
	Line []byte
	Err  error
}

func (e *StreamDecodeError) Error() string {
	line := string(e.Line)
	if len(line) > 80 {
		line = line[:80] + "..."
	}
	return fmt.Sprintf("decoding stream line %q: %v", line, e.Err)
}

func (e *StreamDecodeError) Unwrap() error {
	return e.Err
}

// StreamIOError reports that the stream signalled an error or hangup, or
// otherwise stopped being usable.
type StreamIOError struct {
	Reason string
	Err    error
}

func (e *StreamIOError) Error() string {
	if e.Err == nil {
		return "stream " + e.Reason
	}
	return fmt.Sprintf("stream %s: %v", e.Reason, e.Err)
}

func (e *StreamIOError) Unwrap() error {
	return e.Err
}

// RemoteCommandError reports a one-shot command that exited non-zero.
type RemoteCommandError struct {
	Command    string
	ExitStatus int
	Stderr     string
}

func (e *RemoteCommandError) Error() string {
	msg := fmt.Sprintf("remote command %q exited with status %d", e.Command, e.ExitStatus)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}
