package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/waitline/waitline/internal/version"
)

func listenAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

// printStartupBanner prints the operator-facing startup summary.
func printStartupBanner(dbPath, addr string) {
	info := version.Get()

	pterm.DefaultBox.
		WithTitle("waitline " + info.Short()).
		WithTitleTopCenter().
		Println("Real-time queue core\nWebSocket gateway with live wait predictions")

	pterm.Info.Printf("Database:  %s\n", dbPath)
	pterm.Info.Printf("Listening: ws://localhost%s/ws\n", addr)
	pterm.Info.Printf("Health:    http://localhost%s/health\n", addr)
	pterm.Println()
	pterm.Success.Println("Ready, press Ctrl+C to stop")
}
