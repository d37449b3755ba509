package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/gerritwatch/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	noColor   bool
	cfg       config.Config
	cfgErr    error
)

var rootCmd = &cobra.Command{
	Use:   "gerritwatch",
	Short: "Watch a Gerrit server's event stream over SSH",
	Long: `gerritwatch keeps a "gerrit stream-events" session open over SSH, printing
every event as it arrives and reconnecting whenever the connection drops.
It can also query changes and post reviews.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .gerritwatch/config.yaml, then ~/.config/gerritwatch/config.yaml)")
	flags.BoolVarP(&debugFlag, "debug", "d", false, "enable debug logging")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	flags.String("host", "", "Gerrit SSH host")
	flags.Int("port", 0, "Gerrit SSH port")
	flags.StringP("user", "u", "", "Gerrit username")
	flags.StringP("key-file", "i", "", "SSH identity file")
	flags.String("transport", "", `SSH transport: "native" or "openssh"`)

	_ = viper.BindPFlag("gerrit.host", flags.Lookup("host"))
	_ = viper.BindPFlag("gerrit.port", flags.Lookup("port"))
	_ = viper.BindPFlag("gerrit.username", flags.Lookup("user"))
	_ = viper.BindPFlag("gerrit.key_file", flags.Lookup("key-file"))
	_ = viper.BindPFlag("gerrit.transport", flags.Lookup("transport"))
}

func initConfig() {
	if noColor || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	cfg, cfgErr = loadConfig(viper.GetViper(), cfgFile)
}

// userConfigPath is ~/.config/gerritwatch/config.yaml.
func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".gerritwatch", "config.yaml")
	}
	return filepath.Join(home, ".config", "gerritwatch", "config.yaml")
}

// setDefaults registers every config key so env overrides and Unmarshal see them.
func setDefaults(v *viper.Viper) {
	d := config.Defaults()
	v.SetDefault("gerrit.host", d.Gerrit.Host)
	v.SetDefault("gerrit.port", d.Gerrit.Port)
	v.SetDefault("gerrit.username", d.Gerrit.Username)
	v.SetDefault("gerrit.key_file", d.Gerrit.KeyFile)
	v.SetDefault("gerrit.stream_port", d.Gerrit.StreamPort)
	v.SetDefault("gerrit.known_hosts_file", d.Gerrit.KnownHostsFile)
	v.SetDefault("gerrit.strict_host_key", d.Gerrit.StrictHostKey)
	v.SetDefault("gerrit.transport", d.Gerrit.Transport)
	v.SetDefault("gerrit.dial_timeout", d.Gerrit.DialTimeout)
	v.SetDefault("stream.command", d.Stream.Command)
	v.SetDefault("stream.reconnect_delay", d.Stream.ReconnectDelay)
	v.SetDefault("stream.idle_timeout", d.Stream.IdleTimeout)
	v.SetDefault("stream.watch_credentials", d.Stream.WatchCredentials)
	v.SetDefault("query.cache_ttl", d.Query.CacheTTL)
	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
}

// loadConfig reads configuration into a Config. Lookup order when path is
// empty: .gerritwatch/config.yaml, then ~/.config/gerritwatch/config.yaml,
// which is created with defaults if missing. GERRITWATCH_* environment
// variables override file values.
func loadConfig(v *viper.Viper, path string) (config.Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("GERRITWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else if _, err := os.Stat(filepath.Join(".gerritwatch", "config.yaml")); err == nil {
		v.SetConfigFile(filepath.Join(".gerritwatch", "config.yaml"))
	} else {
		v.SetConfigFile(userConfigPath())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
			if path == "" {
				// First run: leave a commented template behind, keep defaults.
				_ = config.WriteDefaultConfig(userConfigPath(), nil)
			}
		default:
			return config.Config{}, fmt.Errorf("reading config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var c config.Config
	if err := v.Unmarshal(&c); err != nil {
		return config.Config{}, fmt.Errorf("decoding config: %w", err)
	}

	c.Gerrit.KeyFile = config.ExpandHome(c.Gerrit.KeyFile)
	c.Gerrit.KnownHostsFile = config.ExpandHome(c.Gerrit.KnownHostsFile)
	c.Journal.Path = config.ExpandHome(c.Journal.Path)
	c.Tracing.FilePath = config.ExpandHome(c.Tracing.FilePath)
	c.Log.File = config.ExpandHome(c.Log.File)
	if c.Tracing.FilePath == "" {
		c.Tracing.FilePath = config.DefaultTracesFilePath()
	}
	return c, nil
}

// configPath returns the file settings are saved to.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return userConfigPath()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
