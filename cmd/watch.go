package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/gerritwatch/internal/config"
	"github.com/zjrosen/gerritwatch/internal/gerrit"
	"github.com/zjrosen/gerritwatch/internal/journal"
	"github.com/zjrosen/gerritwatch/internal/log"
	"github.com/zjrosen/gerritwatch/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream Gerrit events until interrupted",
	Long: `Open a "gerrit stream-events" session and print each event as it arrives.
The session is re-established after a fixed delay whenever it fails.

Examples:
  gerritwatch watch                          # one JSON object per line
  gerritwatch watch --format pretty          # human readable summary
  gerritwatch watch --type comment-added     # only comment events
  gerritwatch watch --journal --count 100    # archive 100 events then exit`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

type watchOptions struct {
	format  string
	types   []string
	count   int
	journal bool
	states  bool
}

var watchOpts watchOptions

func init() {
	rootCmd.AddCommand(watchCmd)

	f := watchCmd.Flags()
	f.StringVarP(&watchOpts.format, "format", "f", formatJSON, `output format: "json" or "pretty"`)
	f.StringSliceVarP(&watchOpts.types, "type", "t", nil, "only print events of these types (repeatable)")
	f.IntVarP(&watchOpts.count, "count", "n", 0, "exit after printing this many events (0 = run forever)")
	f.BoolVar(&watchOpts.journal, "journal", false, "archive events to the journal database")
	f.BoolVar(&watchOpts.states, "states", false, "print connection state changes (pretty format only)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	if cfgErr != nil {
		return cfgErr
	}
	if watchOpts.journal {
		cfg.Journal.Enabled = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg, cmd.ErrOrStderr(), debugFlag)
	if err != nil {
		return err
	}
	defer rt.Close()

	return watch(ctx, rt, cmd.OutOrStdout(), watchOpts)
}

// watch streams events from rt to out until ctx ends or opts.count events
// have been printed.
func watch(ctx context.Context, rt *runtime, out io.Writer, opts watchOptions) error {
	if _, err := formatEvent(gerrit.Event{}, opts.format, time.Time{}); err != nil {
		return err
	}

	var db *journal.DB
	if rt.cfg.Journal.Enabled {
		var err error
		db, err = journal.NewDB(rt.cfg.Journal.Path, rt.logger)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer func() { _ = db.Close() }()
		version, err := db.SchemaVersion(ctx)
		if err != nil {
			return fmt.Errorf("reading journal schema: %w", err)
		}
		rt.logger.Info(log.CatJournal, "Journaling events", "path", db.Path(), "schema", version)
	}

	ctx, cancel := context.WithCancel(ctx)
	var reporting sync.WaitGroup
	defer func() {
		cancel()
		reporting.Wait()
	}()

	out = &lockedWriter{w: out}
	g := rt.gerrit
	reporting.Add(1)
	go func() {
		defer reporting.Done()
		reportStates(ctx, g, rt.logger, out, opts)
	}()

	if rt.cfg.Stream.WatchCredentials {
		stopWatch, err := watchCredentials(ctx, rt.cfg.Gerrit, g, rt.logger)
		if err != nil {
			rt.logger.Warn(log.CatWatcher, "Credential watching disabled", "error", err)
		} else {
			defer stopWatch()
		}
	}

	if err := g.StartWatching(ctx); err != nil {
		return err
	}

	printed := 0
	defer func() {
		g.Stop()
		attempts, events := g.Stats()
		if db != nil {
			archiveRemaining(db, g, rt.logger)
		}
		rt.logger.Info(log.CatStream, "Watch finished",
			"attempts", attempts, "events", events, "printed", printed)
	}()

	for {
		ev, err := g.GetEvent(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, gerrit.ErrStopped) {
				return nil
			}
			return err
		}

		if db != nil {
			if _, err := db.Append(ctx, ev); err != nil {
				rt.logger.ErrorErr(log.CatJournal, "Archiving event", err, "type", ev.Type())
			}
		}

		if len(opts.types) > 0 && !slices.Contains(opts.types, ev.Type()) {
			continue
		}

		line, err := formatEvent(ev, opts.format, time.Now())
		if err != nil {
			rt.logger.ErrorErr(log.CatCLI, "Formatting event", err)
			continue
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return fmt.Errorf("writing event: %w", err)
		}

		printed++
		if opts.count > 0 && printed >= opts.count {
			return nil
		}
	}
}

// archiveRemaining journals events that arrived but were never consumed.
// The watch context is usually done by now, so it writes without one.
func archiveRemaining(db *journal.DB, g *gerrit.Gerrit, logger *log.Logger) {
	rest := g.Drain()
	for _, ev := range rest {
		if _, err := db.Append(context.Background(), ev); err != nil {
			logger.ErrorErr(log.CatJournal, "Archiving event", err, "type", ev.Type())
		}
	}
	if len(rest) > 0 {
		logger.Debug(log.CatJournal, "Archived unread events", "count", len(rest))
	}
}

// reportStates logs watcher transitions, and prints them in pretty mode
// when asked.
func reportStates(ctx context.Context, g *gerrit.Gerrit, logger *log.Logger, out io.Writer, opts watchOptions) {
	for ev := range g.Subscribe(ctx) {
		sc := ev.Payload
		if sc.Err != nil {
			logger.Warn(log.CatStream, "Stream state changed",
				"from", sc.From.String(), "to", sc.To.String(), "session", sc.SessionID, "error", sc.Err)
		} else {
			logger.Info(log.CatStream, "Stream state changed",
				"from", sc.From.String(), "to", sc.To.String(), "session", sc.SessionID)
		}
		if opts.states && opts.format == formatPretty {
			_, _ = fmt.Fprintln(out, formatState(sc, ev.Timestamp))
		}
	}
}

// watchCredentials recycles the stream whenever the identity file or
// known_hosts changes.
func watchCredentials(ctx context.Context, gc config.GerritConfig, g *gerrit.Gerrit, logger *log.Logger) (func(), error) {
	knownHosts := gc.KnownHostsFile
	if knownHosts == "" {
		knownHosts = config.DefaultKnownHostsFile()
	}

	w, err := watcher.New(watcher.Config{
		Paths:  []string{gc.KeyFile, knownHosts},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	onChange, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-onChange:
				logger.Info(log.CatWatcher, "Credentials changed, reconnecting stream")
				g.Recycle()
			}
		}
	}()

	return func() { _ = w.Stop() }, nil
}

// lockedWriter serializes event and state lines written from two goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
