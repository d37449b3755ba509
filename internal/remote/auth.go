package remote

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/zjrosen/gerritwatch/internal/log"
)

// defaultIdentities are tried, in order, when no key file is configured.
var defaultIdentities = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// authMethods builds the client auth chain. The returned cleanup closes the
// agent connection and must be called once the handshake is done.
func authMethods(cfg Config) ([]ssh.AuthMethod, func(), error) {
	cleanup := func() {}

	if cfg.KeyFile != "" {
		signer, err := loadSigner(cfg.KeyFile)
		if err != nil {
			return nil, cleanup, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, cleanup, nil
	}

	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			cfg.Logger.Debug(log.CatStream, "ssh-agent unavailable", "socket", sock, "error", err)
		} else {
			cleanup = func() { _ = conn.Close() }
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		var signers []ssh.Signer
		for _, name := range defaultIdentities {
			path := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			signer, err := loadSigner(path)
			if err != nil {
				cfg.Logger.Debug(log.CatStream, "skipping identity", "path", path, "error", err)
				continue
			}
			signers = append(signers, signer)
		}
		if len(signers) > 0 {
			methods = append(methods, ssh.PublicKeys(signers...))
		}
	}

	if len(methods) == 0 {
		cleanup()
		return nil, func() {}, errors.New("no ssh identities available: set gerrit.key_file or start ssh-agent")
	}
	return methods, cleanup, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: identity path comes from config
	if err != nil {
		return nil, fmt.Errorf("reading identity %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("identity %s is passphrase protected; add it to ssh-agent instead", path)
		}
		return nil, fmt.Errorf("parsing identity %s: %w", path, err)
	}
	return signer, nil
}

// hostKeyCallback verifies server keys against known_hosts. Unknown hosts are
// accepted with a warning unless StrictHostKey is set; a changed key is
// always rejected.
func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	path := cfg.knownHostsPath()

	var known ssh.HostKeyCallback
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			cb, err := knownhosts.New(path)
			if err != nil {
				return nil, fmt.Errorf("loading known_hosts %s: %w", path, err)
			}
			known = cb
		}
	}

	if known == nil {
		if cfg.StrictHostKey {
			return nil, fmt.Errorf("strict host key checking needs a known_hosts file (looked for %q)", path)
		}
		known = func(string, net.Addr, ssh.PublicKey) error {
			return &knownhosts.KeyError{}
		}
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 && !cfg.StrictHostKey {
			cfg.Logger.Warn(log.CatStream, "Accepting unknown host key",
				"host", hostname, "type", key.Type(), "fingerprint", ssh.FingerprintSHA256(key))
			return nil
		}
		return err
	}, nil
}
