package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"github.com/zjrosen/gerritwatch/internal/log"
)

// sshConnectFailure is the exit status OpenSSH uses for its own errors,
// as opposed to the remote command's status.
const sshConnectFailure = 255

// ExecTransport runs commands through the system ssh binary.
type ExecTransport struct {
	cfg Config

	// Binary is the ssh executable. Defaults to "ssh" on PATH.
	Binary string
}

// NewExecTransport creates a transport that shells out to ssh.
func NewExecTransport(cfg Config) *ExecTransport {
	return &ExecTransport{cfg: cfg, Binary: "ssh"}
}

// Addr returns the host:port this transport connects to.
func (t *ExecTransport) Addr() string {
	return t.cfg.Addr()
}

// Args returns the ssh argument list for command.
func (t *ExecTransport) Args(command string) []string {
	port := t.cfg.Port
	if port <= 0 {
		port = DefaultPort
	}

	args := []string{"-p", strconv.Itoa(port)}
	if t.cfg.KeyFile != "" {
		args = append(args, "-i", t.cfg.KeyFile)
	}
	if t.cfg.KnownHostsFile != "" {
		args = append(args, "-o", "UserKnownHostsFile="+t.cfg.KnownHostsFile)
	}
	if t.cfg.StrictHostKey {
		args = append(args, "-o", "StrictHostKeyChecking=yes")
	} else {
		args = append(args, "-o", "StrictHostKeyChecking=accept-new")
	}
	args = append(args, "-o", "BatchMode=yes")
	if secs := int(t.cfg.DialTimeout.Seconds()); secs > 0 {
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(secs))
	}
	return append(args, "-l", t.cfg.Username, t.cfg.Host, command)
}

// Run executes command and captures its output.
func (t *ExecTransport) Run(ctx context.Context, command string) (*CommandOutput, error) {
	cmd := exec.CommandContext(ctx, t.Binary, t.Args(command)...) //nolint:gosec // G204: binary and args come from config
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := &CommandOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return out, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, &ConnectionError{Addr: t.cfg.Addr(), Op: "start", Err: err}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if exitErr.ExitCode() == sshConnectFailure {
		return nil, &ConnectionError{
			Addr: t.cfg.Addr(),
			Op:   "exec",
			Err:  fmt.Errorf("ssh exited %d: %s", sshConnectFailure, strings.TrimSpace(stderr.String())),
		}
	}
	out.ExitStatus = exitErr.ExitCode()
	return out, nil
}

// OpenStream starts ssh with its stdout on a pipe the caller can poll.
// The stream lives until Close, independent of ctx.
func (t *ExecTransport) OpenStream(ctx context.Context, command string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stream pipe: %w", err)
	}

	cmd := exec.Command(t.Binary, t.Args(command)...) //nolint:gosec // G204: binary and args come from config
	cmd.Stdout = pw
	cmd.Stderr = &stderrLogger{logger: t.cfg.Logger, addr: t.cfg.Addr()}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, &ConnectionError{Addr: t.cfg.Addr(), Op: "start", Err: err}
	}
	// The child owns the write end now; keeping ours open would mask hangup.
	_ = pw.Close()

	s := &execStream{cmd: cmd, r: pr, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		err := cmd.Wait()
		t.cfg.Logger.Debug(log.CatStream, "ssh process exited", "addr", t.cfg.Addr(), "error", err)
	}()
	return s, nil
}

type execStream struct {
	cmd  *exec.Cmd
	r    *os.File
	done chan struct{}
	once sync.Once
	err  error
}

func (s *execStream) File() *os.File {
	return s.r
}

func (s *execStream) Close() error {
	s.once.Do(func() {
		_ = s.cmd.Process.Kill()
		<-s.done
		s.err = s.r.Close()
	})
	return s.err
}

// stderrLogger forwards ssh diagnostics to the debug log line by line,
// stripped of terminal escape sequences.
type stderrLogger struct {
	logger *log.Logger
	addr   string
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logger.Debug(log.CatStream, "STDERR", "addr", w.addr, "line", ansi.Strip(strings.TrimRight(string(w.buf[:i]), "\r")))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
