package cmd

import (
	"fmt"
	"log/slog"

	"github.com/parlorhq/parlor/db"
	"github.com/parlorhq/parlor/internal/config"
)

// runMigrate applies pending migrations and exits. serve runs migrations on
// startup too; this command exists for deploy pipelines that migrate before
// rolling instances.
func runMigrate(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("migrations applied", "database", cfg.PostgresDBName)
	return nil
}
