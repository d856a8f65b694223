package migrations

import (
	"context"
	"fmt"

	"github.com/common-fate/jit/pkg/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20261001000002, down_20261001000002)
}

// up_20261001000002 creates the revocation_arms table
func up_20261001000002(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().
		Model((*models.RevocationArm)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create revocation_arms table: %w", err)
	}

	// pending arms are scanned by the retry loop
	if IsPostgreSQL(db) {
		_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_revocation_arms_pending ON revocation_arms(created_at) WHERE delivered_at IS NULL`)
	} else {
		_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_revocation_arms_pending ON revocation_arms(delivered_at, created_at)`)
	}
	if err != nil {
		return fmt.Errorf("failed to create revocation_arms index: %w", err)
	}

	_, err = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_revocation_arms_grant ON revocation_arms(grant_name)`)
	if err != nil {
		return fmt.Errorf("failed to create revocation_arms grant index: %w", err)
	}
	return nil
}

// down_20261001000002 drops the revocation_arms table
func down_20261001000002(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().
		Model((*models.RevocationArm)(nil)).
		IfExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop revocation_arms table: %w", err)
	}
	return nil
}
