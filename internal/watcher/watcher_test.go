package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/gerritwatch/internal/watcher"
)

func startWatcher(t *testing.T, paths ...string) <-chan struct{} {
	t.Helper()
	w, err := watcher.New(watcher.Config{Paths: paths, DebounceDur: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	onChange, err := w.Start()
	require.NoError(t, err)
	return onChange
}

func expectSignal(t *testing.T, onChange <-chan struct{}) {
	t.Helper()
	select {
	case <-onChange:
	case <-time.After(2 * time.Second):
		t.Fatal("expected notification but got timeout")
	}
}

func expectQuiet(t *testing.T, onChange <-chan struct{}, d time.Duration) {
	t.Helper()
	select {
	case <-onChange:
		t.Fatal("unexpected notification")
	case <-time.After(d):
	}
}

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))
	onChange := startWatcher(t, keyPath)

	for i := range 10 {
		require.NoError(t, os.WriteFile(keyPath, []byte(fmt.Sprintf("key%d", i)), 0o600))
		time.Sleep(10 * time.Millisecond)
	}

	expectSignal(t, onChange)
	expectQuiet(t, onChange, 150*time.Millisecond)
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	otherPath := filepath.Join(dir, "id_ed25519.pub")
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))
	require.NoError(t, os.WriteFile(otherPath, []byte("pub"), 0o600))
	onChange := startWatcher(t, keyPath)

	require.NoError(t, os.WriteFile(otherPath, []byte("new pub"), 0o600))
	expectQuiet(t, onChange, 150*time.Millisecond)
}

func TestWatcher_AtomicReplace(t *testing.T) {
	dir := t.TempDir()
	knownHosts := filepath.Join(dir, "known_hosts")
	require.NoError(t, os.WriteFile(knownHosts, []byte("old"), 0o600))
	onChange := startWatcher(t, knownHosts)

	tmp := filepath.Join(dir, "known_hosts.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("new"), 0o600))
	require.NoError(t, os.Rename(tmp, knownHosts))

	expectSignal(t, onChange)
}

func TestWatcher_FileCreatedLater(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_rsa")
	onChange := startWatcher(t, keyPath)

	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))
	expectSignal(t, onChange)
}

func TestWatcher_MultipleDirectories(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))
	require.NoError(t, os.WriteFile(knownHosts, []byte("hosts"), 0o600))
	onChange := startWatcher(t, keyPath, "", knownHosts)

	require.NoError(t, os.WriteFile(knownHosts, []byte("hosts2"), 0o600))
	expectSignal(t, onChange)

	require.NoError(t, os.Remove(keyPath))
	expectSignal(t, onChange)
}

func TestWatcher_Stop(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	w, err := watcher.New(watcher.Config{Paths: []string{keyPath}})
	require.NoError(t, err)
	_, err = w.Start()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		assert.NoError(t, w.Stop())
		assert.NoError(t, w.Stop(), "second Stop is a no-op")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}

func TestNew_NoPaths(t *testing.T) {
	_, err := watcher.New(watcher.Config{Paths: []string{"", ""}})
	require.ErrorContains(t, err, "no files to watch")
}

func TestStart_MissingDirectory(t *testing.T) {
	w, err := watcher.New(watcher.Config{Paths: []string{filepath.Join(t.TempDir(), "missing", "key")}})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	_, err = w.Start()
	require.ErrorContains(t, err, "watching directory")
}
