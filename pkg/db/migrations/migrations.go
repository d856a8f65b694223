// Package migrations registers the schema migrations for the ledger database.
// Migration names are derived from the file names.
package migrations

import (
	"context"
	"fmt"

	"github.com/common-fate/clio"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

var Migrations = migrate.NewMigrations()

// Apply initialises the migration tables and runs every pending migration
// while holding the migration lock.
func Apply(ctx context.Context, db *bun.DB) error {
	migrator := migrate.NewMigrator(db, Migrations)

	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		if err := migrator.Unlock(ctx); err != nil {
			clio.Warnf("failed to release migration lock: %s", err)
		}
	}()

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if group.ID == 0 {
		clio.Debug("no new migrations to apply")
	} else {
		clio.Debugf("applied migration group %d", group.ID)
	}
	return nil
}
