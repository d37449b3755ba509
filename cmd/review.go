package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var reviewCmd = &cobra.Command{
	Use:   "review PROJECT CHANGE",
	Short: "Post a review on a change",
	Long: `Run "gerrit review" against CHANGE (e.g. 12345,2) in PROJECT.

Examples:
  gerritwatch review myproject 12345,2 -m "looks good" --code-review 2 --submit
  gerritwatch review myproject 12345,2 -m "build failed" --verified -1
  gerritwatch review myproject 12345,2 -m "ready" --label Workflow=1`,
	Args: cobra.ExactArgs(2),
	RunE: runReview,
}

func init() {
	rootCmd.AddCommand(reviewCmd)
	addReviewFlags(reviewCmd.Flags())
	_ = reviewCmd.MarkFlagRequired("message")
}

func addReviewFlags(f *pflag.FlagSet) {
	f.StringP("message", "m", "", "review message")
	f.Int("code-review", 0, "Code-Review vote")
	f.Int("verified", 0, "Verified vote")
	f.String("label", "", "arbitrary label vote as NAME=VALUE")
	f.Bool("submit", false, "submit the change")
	f.Bool("abandon", false, "abandon the change")
	f.Bool("restore", false, "restore the change")
	f.String("notify", "", "who to notify: NONE, OWNER, OWNER_REVIEWERS, ALL")
}

// reviewFlagNames are passed through to gerrit review when set.
var reviewFlagNames = []string{"code-review", "verified", "label", "submit", "abandon", "restore", "notify"}

// reviewFlags collects the flags the user set into gerrit review actions.
func reviewFlags(fs *pflag.FlagSet) (map[string]any, error) {
	flags := make(map[string]any)
	for _, name := range reviewFlagNames {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "bool":
			v, _ := fs.GetBool(name)
			if v {
				flags[name] = true
			}
		case "int":
			v, _ := fs.GetInt(name)
			flags[name] = v
		default:
			v := f.Value.String()
			if name == "label" && !strings.Contains(v, "=") {
				return nil, fmt.Errorf("--label must be NAME=VALUE, got %q", v)
			}
			flags[name] = v
		}
	}
	return flags, nil
}

func runReview(cmd *cobra.Command, args []string) error {
	if cfgErr != nil {
		return cfgErr
	}
	flags, err := reviewFlags(cmd.Flags())
	if err != nil {
		return err
	}
	message, _ := cmd.Flags().GetString("message")

	rt, err := newRuntime(cfg, cmd.ErrOrStderr(), debugFlag)
	if err != nil {
		return err
	}
	defer rt.Close()

	stderr, err := rt.gerrit.Review(cmd.Context(), args[0], args[1], message, flags)
	if err != nil {
		return err
	}
	if stderr != "" {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), stderr)
	}
	return nil
}
