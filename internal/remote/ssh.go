package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/zjrosen/gerritwatch/internal/log"
)

// SSHTransport runs commands through golang.org/x/crypto/ssh.
type SSHTransport struct {
	cfg Config
}

// NewSSHTransport creates a transport for the given endpoint.
func NewSSHTransport(cfg Config) *SSHTransport {
	return &SSHTransport{cfg: cfg}
}

// Addr returns the host:port this transport dials.
func (t *SSHTransport) Addr() string {
	return t.cfg.Addr()
}

// connect dials and authenticates a new client. Credentials and known_hosts
// are re-read on every call so rotated keys take effect on reconnect.
func (t *SSHTransport) connect(ctx context.Context) (*ssh.Client, error) {
	addr := t.cfg.Addr()

	auth, cleanup, err := authMethods(t.cfg)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Op: "handshake", Err: err}
	}
	defer cleanup()

	hostKey, err := hostKeyCallback(t.cfg)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Op: "handshake", Err: err}
	}

	clientConfig := &ssh.ClientConfig{
		User:            t.cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         t.cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Op: "dial", Err: err}
	}

	// Bound the handshake by ctx as well as the dial timeout.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{Addr: addr, Op: "handshake", Err: err}
	}

	t.cfg.Logger.Debug(log.CatStream, "SSH connection established",
		"addr", addr, "user", t.cfg.Username, "server", string(c.ServerVersion()))
	return ssh.NewClient(c, chans, reqs), nil
}

// Run executes command on a fresh connection and captures its output.
func (t *SSHTransport) Run(ctx context.Context, command string) (*CommandOutput, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return nil, &ConnectionError{Addr: t.cfg.Addr(), Op: "session", Err: err}
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	out := &CommandOutput{}
	if err := session.Run(command); err != nil {
		var exitErr *ssh.ExitError
		switch {
		case errors.As(err, &exitErr):
			out.ExitStatus = exitErr.ExitStatus()
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, &ConnectionError{Addr: t.cfg.Addr(), Op: "exec", Err: err}
		}
	}
	out.Stdout = stdout.Bytes()
	out.Stderr = stderr.Bytes()
	return out, nil
}

// OpenStream starts command and bridges its stdout into an os.Pipe, so the
// reader gets a real descriptor to poll. The pipe's write end is closed when
// the remote output ends, which surfaces as a hangup on the read end.
func (t *SSHTransport) OpenStream(ctx context.Context, command string) (Stream, error) {
	client, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, &ConnectionError{Addr: t.cfg.Addr(), Op: "session", Err: err}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, &ConnectionError{Addr: t.cfg.Addr(), Op: "session", Err: err}
	}

	if err := session.Start(command); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, &ConnectionError{Addr: t.cfg.Addr(), Op: "start", Err: err}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, fmt.Errorf("creating stream pipe: %w", err)
	}

	s := &sshStream{
		client:  client,
		session: session,
		r:       pr,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		_, copyErr := io.Copy(pw, stdout)
		_ = pw.Close()
		waitErr := session.Wait()
		t.cfg.Logger.Debug(log.CatStream, "Remote stream ended",
			"addr", t.cfg.Addr(), "copyError", copyErr, "waitError", waitErr)
	}()
	return s, nil
}

type sshStream struct {
	client  *ssh.Client
	session *ssh.Session
	r       *os.File
	done    chan struct{}
	once    sync.Once
	err     error
}

func (s *sshStream) File() *os.File {
	return s.r
}

func (s *sshStream) Close() error {
	s.once.Do(func() {
		s.err = s.r.Close()
		_ = s.session.Close()
		_ = s.client.Close()
		<-s.done
	})
	return s.err
}
