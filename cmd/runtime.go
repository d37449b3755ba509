package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/zjrosen/gerritwatch/internal/config"
	"github.com/zjrosen/gerritwatch/internal/gerrit"
	"github.com/zjrosen/gerritwatch/internal/log"
	"github.com/zjrosen/gerritwatch/internal/remote"
	"github.com/zjrosen/gerritwatch/internal/tracing"
)

// runtime holds everything a command needs to talk to Gerrit.
type runtime struct {
	cfg     config.Config
	logger  *log.Logger
	tracing *tracing.Provider
	gerrit  *gerrit.Gerrit
	cleanup []func()
}

// newRuntime validates c and builds the logger, tracer, transports and
// coordinator. Close releases them in reverse order.
func newRuntime(c config.Config, stderr io.Writer, debug bool) (*runtime, error) {
	if err := config.Validate(c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	rt := &runtime{cfg: c}

	level, _ := log.ParseLevel(c.Log.Level)
	if debug {
		level = log.LevelDebug
	}
	if c.Log.File != "" {
		logger, closeLog, err := log.Open(c.Log.File, level)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		rt.logger = logger
		rt.cleanup = append(rt.cleanup, closeLog)
	} else {
		rt.logger = log.New(stderr, level)
	}

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      c.Tracing.Enabled,
		Exporter:     c.Tracing.Exporter,
		FilePath:     c.Tracing.FilePath,
		OTLPEndpoint: c.Tracing.OTLPEndpoint,
		SampleRate:   c.Tracing.SampleRate,
		ServiceName:  tracing.DefaultServiceName,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	rt.tracing = provider
	rt.cleanup = append(rt.cleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			rt.logger.ErrorErr(log.CatTrace, "Flushing traces", err)
		}
	})
	if provider.Enabled() {
		rt.logger.Info(log.CatTrace, "Tracing enabled", "exporter", c.Tracing.Exporter)
	}

	tracer := provider.Tracer()
	rt.gerrit = gerrit.New(gerrit.Config{
		Transport:       newTransport(c.Gerrit, c.Gerrit.Port, rt.logger),
		StreamTransport: newTransport(c.Gerrit, c.Gerrit.EffectiveStreamPort(), rt.logger),
		Watcher: gerrit.WatcherConfig{
			Command:        c.Stream.Command,
			ReconnectDelay: c.Stream.ReconnectDelay,
			IdleTimeout:    c.Stream.IdleTimeout,
		},
		Client: gerrit.ClientConfig{CacheTTL: c.Query.CacheTTL},
		Logger: rt.logger,
		Tracer: tracer,
	})
	rt.cleanup = append(rt.cleanup, rt.gerrit.Close)

	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.cleanup) - 1; i >= 0; i-- {
		rt.cleanup[i]()
	}
	rt.cleanup = nil
}

// newTransport builds the configured transport for one port.
func newTransport(g config.GerritConfig, port int, logger *log.Logger) remote.Transport {
	rc := remote.Config{
		Host:           g.Host,
		Port:           port,
		Username:       g.Username,
		KeyFile:        g.KeyFile,
		KnownHostsFile: g.KnownHostsFile,
		StrictHostKey:  g.StrictHostKey,
		DialTimeout:    g.DialTimeout,
		Logger:         logger,
	}
	if g.Transport == config.TransportOpenSSH {
		return remote.NewExecTransport(rc)
	}
	return remote.NewSSHTransport(rc)
}
