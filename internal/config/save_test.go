package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func readConfig(t *testing.T, path string) Config {
	t.Helper()
	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return cfg
}

func TestSaveConnection_PreservesTemplateComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(path, nil))

	err := SaveConnection(path, GerritConfig{
		Host:       "review.example.org",
		Username:   "zuul",
		Port:       29418,
		StreamPort: 2222,
		KeyFile:    "~/.ssh/zuul",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	require.Contains(t, content, "# gerritwatch configuration")
	require.Contains(t, content, "reconnect_delay: 5s")

	cfg := readConfig(t, path)
	require.Equal(t, "review.example.org", cfg.Gerrit.Host)
	require.Equal(t, "zuul", cfg.Gerrit.Username)
	require.Equal(t, 2222, cfg.Gerrit.StreamPort)
	require.Equal(t, "~/.ssh/zuul", cfg.Gerrit.KeyFile)
	require.Equal(t, "native", cfg.Gerrit.Transport, "untouched keys keep their value")
}

func TestSaveConnection_CreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	err := SaveConnection(path, GerritConfig{Host: "gerrit.local", Username: "bot", Transport: TransportOpenSSH})
	require.NoError(t, err)

	cfg := readConfig(t, path)
	require.Equal(t, "gerrit.local", cfg.Gerrit.Host)
	require.Equal(t, "bot", cfg.Gerrit.Username)
	require.Equal(t, TransportOpenSSH, cfg.Gerrit.Transport)
	require.Zero(t, cfg.Gerrit.Port, "zero port is not written")
}

func TestSaveConnection_ReplacesNonMappingSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gerrit: nope\nlog:\n  level: debug\n"), 0o600))

	require.NoError(t, SaveConnection(path, GerritConfig{Host: "h", Username: "u"}))

	cfg := readConfig(t, path)
	require.Equal(t, "h", cfg.Gerrit.Host)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestSaveConnection_RejectsNonMappingDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- a\n- b\n"), 0o600))

	err := SaveConnection(path, GerritConfig{Host: "h", Username: "u"})
	require.ErrorContains(t, err, "not a mapping")
}
