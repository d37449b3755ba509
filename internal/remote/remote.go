// Package remote runs commands on a Gerrit server over SSH.
//
// Two transports implement the same contract: SSHTransport speaks SSH
// natively through golang.org/x/crypto/ssh, ExecTransport shells out to the
// system ssh binary. Both open a fresh connection for every call.
package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zjrosen/gerritwatch/internal/log"
)

// DefaultPort is the Gerrit SSH daemon port.
const DefaultPort = 29418

// Stream is a long-lived remote command whose stdout can be multiplexed.
type Stream interface {
	// File is the readable end of the command's stdout. It reports hangup
	// once the remote side is gone, so it can be registered with poll(2).
	File() *os.File

	// Close terminates the remote command and releases the connection.
	Close() error
}

// CommandOutput is the captured result of a one-shot command.
type CommandOutput struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
}

// Transport opens remote sessions.
type Transport interface {
	// OpenStream starts command and returns its output stream.
	// Fails with *ConnectionError if the session or command cannot start.
	OpenStream(ctx context.Context, command string) (Stream, error)

	// Run executes command to completion on a fresh session.
	// A non-zero exit status is reported in CommandOutput, not as an error.
	Run(ctx context.Context, command string) (*CommandOutput, error)
}

// Config describes the remote endpoint and identity.
type Config struct {
	Host     string
	Port     int
	Username string

	// KeyFile is an explicit identity. When empty, ssh-agent and the
	// default ~/.ssh identities are tried.
	KeyFile string

	// KnownHostsFile defaults to ~/.ssh/known_hosts.
	KnownHostsFile string

	// StrictHostKey rejects unknown hosts instead of accepting them with a warning.
	StrictHostKey bool

	DialTimeout time.Duration
	Logger      *log.Logger
}

// Addr returns host:port, defaulting the port to 29418.
func (c Config) Addr() string {
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Config) knownHostsPath() string {
	if c.KnownHostsFile != "" {
		return c.KnownHostsFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// ConnectionError reports that a session could not be established:
// network, authentication, host key or remote command start failures.
type ConnectionError struct {
	Addr string
	Op   string // "dial", "handshake", "session", "start", "exec"
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
