package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zjrosen/gerritwatch/internal/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recently archived events",
	Args:  cobra.NoArgs,
	RunE:  runJournal,
}

var (
	journalLimit   int
	journalProject string
	journalFormat  string
)

func init() {
	rootCmd.AddCommand(journalCmd)

	f := journalCmd.Flags()
	f.IntVarP(&journalLimit, "limit", "n", 20, "number of events to show")
	f.StringVarP(&journalProject, "project", "p", "", "only show events for this project")
	f.StringVarP(&journalFormat, "format", "f", formatPretty, `output format: "json" or "pretty"`)
}

func runJournal(cmd *cobra.Command, _ []string) error {
	if cfgErr != nil {
		return cfgErr
	}
	db, err := journal.NewDB(cfg.Journal.Path, nil)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer func() { _ = db.Close() }()

	return printJournal(cmd.Context(), db, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func printJournal(ctx context.Context, db *journal.DB, out, errOut io.Writer) error {
	var (
		entries []journal.Entry
		err     error
	)
	if journalProject != "" {
		entries, err = db.RecentForProject(ctx, journalProject, journalLimit)
	} else {
		entries, err = db.Recent(ctx, journalLimit)
	}
	if err != nil {
		return err
	}

	// Oldest first, like the live stream.
	for i := len(entries) - 1; i >= 0; i-- {
		line, err := formatEvent(entries[i].Event, journalFormat, entries[i].ReceivedAt)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}

	total, err := db.Count(ctx)
	if err != nil {
		return err
	}
	if journalFormat == formatPretty {
		_, _ = fmt.Fprintf(errOut, "%d of %d archived events\n", len(entries), total)
	}
	return nil
}
