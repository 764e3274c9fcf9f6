package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/histoflow/internal/config"
)

var (
	setLimitsWorkers     int
	setLimitsActiveUsers int
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and update the config file",
}

var configSetLimitsCmd = &cobra.Command{
	Use:   "set-limits",
	Short: "Persist scheduler limits to the config file",
	Long: `Update max_workers and max_active_users in the config file.

Only the limit keys are rewritten; comments and other settings in the file
are preserved. Omitted flags keep their currently configured value. The
running daemon is not reconfigured; restart it to pick up the new limits.

Examples:
  # Allow four concurrent jobs, keep the user limit as-is
  histoflow config set-limits --max-workers 4

  # Tighten both bounds
  histoflow config set-limits --max-workers 2 --max-active-users 1`,
	RunE: runConfigSetLimits,
}

func init() {
	configSetLimitsCmd.Flags().IntVar(&setLimitsWorkers, "max-workers", -1,
		"maximum concurrently running jobs (0 pauses dispatch)")
	configSetLimitsCmd.Flags().IntVar(&setLimitsActiveUsers, "max-active-users", -1,
		"maximum users admitted to the scheduler at once")

	configCmd.AddCommand(configSetLimitsCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigSetLimits(cmd *cobra.Command, args []string) error {
	workers := setLimitsWorkers
	if !cmd.Flags().Changed("max-workers") {
		workers = cfg.MaxWorkers
	}
	activeUsers := setLimitsActiveUsers
	if !cmd.Flags().Changed("max-active-users") {
		activeUsers = cfg.MaxActiveUsers
	}
	if workers < 0 {
		return fmt.Errorf("max-workers must be >= 0, got %d", workers)
	}
	if activeUsers < 0 {
		return fmt.Errorf("max-active-users must be >= 0, got %d", activeUsers)
	}

	path := configFilePath()
	if err := config.SaveLimits(path, workers, activeUsers); err != nil {
		return fmt.Errorf("failed to save limits: %w", err)
	}

	cmd.Printf("Saved max_workers=%d max_active_users=%d to %s\n", workers, activeUsers, path)
	return nil
}

// configFilePath resolves the file updates are written to: the file viper
// loaded, or the user config location when none was found.
func configFilePath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	if cfgFile != "" {
		return cfgFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".histoflow/config.yaml"
	}
	return filepath.Join(home, ".config", "histoflow", "config.yaml")
}
