package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/waitline/waitline/config"
	"github.com/waitline/waitline/db"
	"github.com/waitline/waitline/errors"
	"github.com/waitline/waitline/logger"
)

// MigrateCmd applies pending schema migrations and exits.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE:  runMigrate,
}

var migrateDBPath string

func init() {
	MigrateCmd.Flags().StringVar(&migrateDBPath, "db", "", "Database path (overrides config)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	log := logger.Named("migrate")

	dbPath := migrateDBPath
	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dbPath = cfg.Database.Path
	}

	conn, err := db.Open(dbPath, log)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer conn.Close()

	if err := db.Migrate(conn, log); err != nil {
		return errors.Wrap(err, "migration failed")
	}

	pterm.Success.Printf("Database %s is up to date\n", dbPath)
	return nil
}
