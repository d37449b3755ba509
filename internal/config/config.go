// Package config provides configuration types and defaults for gerritwatch.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zjrosen/gerritwatch/internal/log"
)

// DefaultPort is the Gerrit SSH daemon port.
const DefaultPort = 29418

// Transport names accepted by gerrit.transport.
const (
	TransportNative  = "native"  // golang.org/x/crypto/ssh
	TransportOpenSSH = "openssh" // system ssh binary
)

// Config holds all configuration options for gerritwatch.
type Config struct {
	Gerrit  GerritConfig  `mapstructure:"gerrit"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Query   QueryConfig   `mapstructure:"query"`
	Journal JournalConfig `mapstructure:"journal"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Log     LogConfig     `mapstructure:"log"`
}

// GerritConfig describes how to reach the Gerrit SSH daemon.
type GerritConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"` // one-shot command sessions
	Username string `mapstructure:"username"`
	KeyFile  string `mapstructure:"key_file"` // empty = agent + default identities

	// StreamPort overrides Port for the stream-events session. 0 = Port.
	StreamPort int `mapstructure:"stream_port"`

	// KnownHostsFile defaults to ~/.ssh/known_hosts.
	KnownHostsFile string `mapstructure:"known_hosts_file"`

	// StrictHostKey rejects hosts missing from known_hosts.
	// When false, unknown hosts are accepted with a warning.
	StrictHostKey bool `mapstructure:"strict_host_key"`

	// Transport selects "native" (default) or "openssh".
	Transport string `mapstructure:"transport"`

	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// EffectiveStreamPort returns the port used for the event stream.
func (g GerritConfig) EffectiveStreamPort() int {
	if g.StreamPort > 0 {
		return g.StreamPort
	}
	return g.Port
}

// StreamConfig tunes the stream-events watcher.
type StreamConfig struct {
	Command          string        `mapstructure:"command"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"` // 0 disables
	WatchCredentials bool          `mapstructure:"watch_credentials"`
}

// QueryConfig tunes the query command.
type QueryConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"` // 0 disables the cache
}

// JournalConfig controls the SQLite event archive.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.config/gerritwatch/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// LogConfig controls the debug log.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"` // empty = stderr
}

// DefaultTracesFilePath returns ~/.config/gerritwatch/traces/traces.jsonl,
// or an empty string if the home directory is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gerritwatch", "traces", "traces.jsonl")
}

// DefaultJournalPath returns ~/.gerritwatch/events.db,
// or an empty string if the home directory is unavailable.
func DefaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gerritwatch", "events.db")
}

// DefaultKnownHostsFile returns ~/.ssh/known_hosts,
// or an empty string if the home directory is unavailable.
func DefaultKnownHostsFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Gerrit: GerritConfig{
			Port:        DefaultPort,
			Transport:   TransportNative,
			DialTimeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			Command:          "gerrit stream-events",
			ReconnectDelay:   5 * time.Second,
			WatchCredentials: true,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    DefaultJournalPath(),
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the whole configuration.
func Validate(cfg Config) error {
	if err := ValidateGerrit(cfg.Gerrit); err != nil {
		return err
	}
	if err := ValidateStream(cfg.Stream); err != nil {
		return err
	}
	if cfg.Query.CacheTTL < 0 {
		return fmt.Errorf("query.cache_ttl must not be negative, got %v", cfg.Query.CacheTTL)
	}
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateGerrit checks the connection settings.
func ValidateGerrit(g GerritConfig) error {
	if g.Host == "" {
		return fmt.Errorf("gerrit.host is required")
	}
	if g.Username == "" {
		return fmt.Errorf("gerrit.username is required")
	}
	if g.Port <= 0 || g.Port > 65535 {
		return fmt.Errorf("gerrit.port must be between 1 and 65535, got %d", g.Port)
	}
	if g.StreamPort < 0 || g.StreamPort > 65535 {
		return fmt.Errorf("gerrit.stream_port must be between 0 and 65535, got %d", g.StreamPort)
	}
	switch g.Transport {
	case "", TransportNative, TransportOpenSSH:
	default:
		return fmt.Errorf("gerrit.transport must be %q or %q, got %q", TransportNative, TransportOpenSSH, g.Transport)
	}
	if g.DialTimeout < 0 {
		return fmt.Errorf("gerrit.dial_timeout must not be negative, got %v", g.DialTimeout)
	}
	return nil
}

// ValidateStream checks the watcher tuning values.
func ValidateStream(s StreamConfig) error {
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("stream.command is required")
	}
	if s.ReconnectDelay < 0 {
		return fmt.Errorf("stream.reconnect_delay must not be negative, got %v", s.ReconnectDelay)
	}
	if s.IdleTimeout < 0 {
		return fmt.Errorf("stream.idle_timeout must not be negative, got %v", s.IdleTimeout)
	}
	return nil
}

// ValidateTracing validates tracing configuration.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the commented YAML written on first run.
func DefaultConfigTemplate() string {
	return `# gerritwatch configuration

# Gerrit SSH daemon
gerrit:
  host: ""                # e.g. review.example.org
  port: 29418             # port for query/review sessions
  # stream_port: 29418    # override port for the stream-events session
  username: ""
  # key_file: ~/.ssh/id_ed25519   # default: ssh-agent plus ~/.ssh/id_* keys
  # known_hosts_file: ~/.ssh/known_hosts
  strict_host_key: false  # false = accept unknown hosts with a warning
  transport: native       # "native" (built-in ssh) or "openssh" (system ssh binary)
  dial_timeout: 30s

# Event stream watcher
stream:
  command: gerrit stream-events
  reconnect_delay: 5s     # fixed delay before every reconnect
  idle_timeout: 0s        # drop the session after this long without data (0 = never)
  watch_credentials: true # reconnect when key_file or known_hosts changes

# Query command
query:
  cache_ttl: 0s           # cache query results (0 = disabled)

# SQLite archive of received events (used by 'gerritwatch watch --journal')
journal:
  enabled: false
  # path: ~/.gerritwatch/events.db

# Distributed tracing
tracing:
  enabled: false
  exporter: file          # "none", "file", "stdout", or "otlp"
  # file_path: ~/.config/gerritwatch/traces/traces.jsonl
  otlp_endpoint: localhost:4317
  sample_rate: 1.0

log:
  level: info             # debug, info, warn, error
  # file: gerritwatch.log # default: stderr
`
}

// WriteDefaultConfig creates a config file with default settings.
func WriteDefaultConfig(configPath string, logger *log.Logger) error {
	logger.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		logger.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		logger.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	logger.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
