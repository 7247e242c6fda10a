package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/version"
)

// VersionCmd prints build information.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Printf("waitline %s\n", info.Short())
		fmt.Printf("  commit:     %s\n", info.Commit)
		fmt.Printf("  build time: %s\n", info.BuildTime)
	},
}
