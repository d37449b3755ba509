package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/gerritwatch/internal/config"
	"github.com/zjrosen/gerritwatch/internal/log"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the given connection settings",
	Long: `Create the config file if it does not exist, then store the connection
flags (--host, --port, --user, --key-file, --transport) in it. Existing
comments and unrelated settings are preserved.

Example:
  gerritwatch init --host review.example.org --user zuul -i ~/.ssh/zuul_ed25519`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	if cfgErr != nil {
		return cfgErr
	}
	logger := log.New(cmd.ErrOrStderr(), log.LevelInfo)
	if debugFlag {
		logger.SetMinLevel(log.LevelDebug)
	}
	return initConfigFile(configPath(), cfg.Gerrit, logger)
}

// initConfigFile writes the default template to path if it is missing and
// saves the connection settings into it.
func initConfigFile(path string, g config.GerritConfig, logger *log.Logger) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.WriteDefaultConfig(path, logger); err != nil {
			return err
		}
	}
	if err := config.ValidateGerrit(g); err != nil {
		return fmt.Errorf("not saving connection: %w", err)
	}
	if err := config.SaveConnection(path, g); err != nil {
		return fmt.Errorf("saving connection: %w", err)
	}
	logger.Info(log.CatConfig, "Saved connection settings", "path", path, "host", g.Host, "user", g.Username)
	return nil
}
