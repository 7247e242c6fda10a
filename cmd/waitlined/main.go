package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/cmd/waitlined/commands"
	"github.com/waitline/waitline/logger"
)

var rootCmd = &cobra.Command{
	Use:   "waitlined",
	Short: "waitline - real-time hybrid queue and wait-time prediction core",
	Long: `waitline runs the queue core for a booking platform: per-shop queue
engines, the hybrid appointment/walk-in scheduler, adaptive wait-time
prediction, and the WebSocket gateway that streams every state change to
subscribed clients.

Available commands:
  serve    - Start the gateway and queue engines
  migrate  - Apply pending database migrations
  version  - Print build information

Examples:
  waitlined serve                      # Start with ~/.waitline/config.toml
  waitlined serve --config ./dev.toml  # Start with an explicit config file
  waitlined migrate --db ./waitline.db # Migrate a database in place`,
}

func init() {
	if err := logger.Initialize(false); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize logger: %v\n", err)
	}

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
