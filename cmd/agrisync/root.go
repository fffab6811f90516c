package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "agrisync",
	Short: "Background weather acquisition, crop reminders and notifications",
	Long: `agrisync periodically fetches the agromet weather bulletin, caches it,
derives crop reminders and delivers alerts through Telegram or an
in-process fallback inbox.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to .env file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite DB path (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(runTaskCmd)
}
