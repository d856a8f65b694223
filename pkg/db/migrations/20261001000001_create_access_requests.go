package migrations

import (
	"context"
	"fmt"

	"github.com/common-fate/jit/pkg/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(up_20261001000001, down_20261001000001)
}

// up_20261001000001 creates the access_requests table
func up_20261001000001(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().
		Model((*models.AccessRequest)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create access_requests table: %w", err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_access_requests_email ON access_requests(lower(requester_email))`,
		`CREATE INDEX IF NOT EXISTS idx_access_requests_status ON access_requests(status)`,
		`CREATE INDEX IF NOT EXISTS idx_access_requests_created_at ON access_requests(created_at)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create access_requests index: %w", err)
		}
	}
	return nil
}

// down_20261001000001 drops the access_requests table
func down_20261001000001(ctx context.Context, db *bun.DB) error {
	_, err := db.NewDropTable().
		Model((*models.AccessRequest)(nil)).
		IfExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop access_requests table: %w", err)
	}
	return nil
}
