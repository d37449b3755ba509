package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query CHANGE",
	Short: "Print the current state of a change as JSON",
	Long: `Run "gerrit query --format json CHANGE" and print the first result.
CHANGE is anything Gerrit's query syntax accepts for a single change, such
as a change number or Change-Id.`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	if cfgErr != nil {
		return cfgErr
	}
	rt, err := newRuntime(cfg, cmd.ErrOrStderr(), debugFlag)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, found, err := rt.gerrit.Query(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printQueryResult(cmd.OutOrStdout(), args[0], result, found)
}

func printQueryResult(out io.Writer, change string, result map[string]any, found bool) error {
	if !found {
		return fmt.Errorf("change %s not found", change)
	}
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(b))
	return err
}
