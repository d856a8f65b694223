package migrations

import (
	"context"
	"testing"

	"github.com/common-fate/jit/pkg/db/bunx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	ctx := context.Background()
	db, err := bunx.NewDB(ctx, ":memory:")
	require.NoError(t, err)
	defer bunx.Close(db)

	require.NoError(t, Apply(ctx, db))
	assert.True(t, IsSQLite(db))

	for _, table := range []string{"access_requests", "revocation_arms"} {
		var n int
		err := db.NewSelect().TableExpr(table).ColumnExpr("count(*)").Scan(ctx, &n)
		require.NoError(t, err, table)
		assert.Equal(t, 0, n)
	}

	// a second run has nothing to apply
	require.NoError(t, Apply(ctx, db))
}
