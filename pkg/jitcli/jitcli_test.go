package jitcli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/common-fate/jit/pkg/db/bunx"
	"github.com/common-fate/jit/pkg/db/models"
	"github.com/common-fate/jit/pkg/grantstore"
	"github.com/common-fate/jit/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func setHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	return home
}

// runTarget parses args with the submit flags and returns the target.
func runTarget(t *testing.T, args ...string) (ledger.Target, error) {
	t.Helper()
	var got ledger.Target
	var gotErr error
	app := &cli.App{
		Name:  "test",
		Flags: submitCommand.Flags,
		Action: func(c *cli.Context) error {
			got, gotErr = targetFromFlags(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"test", "--email", "a@x.com", "--account", "123456789012"}, args...)))
	return got, gotErr
}

func TestTargetFromFlags(t *testing.T) {
	got, err := runTarget(t, "--template", "read-only", "--bucket", "logs", "--bucket", "metrics")
	require.NoError(t, err)
	assert.Equal(t, ledger.Target{
		Kind:           grantstore.KindDirectAttachment,
		AccountID:      "123456789012",
		Purpose:        "s3",
		PolicyTemplate: "read-only",
		Buckets:        []string{"logs", "metrics"},
	}, got)

	got, err = runTarget(t, "--template", "read-only", "--bucket", "logs", "--role", "DataEngineer")
	require.NoError(t, err)
	assert.Equal(t, &grantstore.Principal{Kind: grantstore.PrincipalRole, Name: "DataEngineer"}, got.Principal)

	got, err = runTarget(t, "--permission-set", "ReadOnly")
	require.NoError(t, err)
	assert.Equal(t, grantstore.KindSSOAssignment, got.Kind)
	assert.Equal(t, "ReadOnly", got.PermissionSetName)

	_, err = runTarget(t, "--permission-set", "ReadOnly", "--bucket", "logs")
	assert.Error(t, err)

	_, err = runTarget(t)
	assert.Error(t, err)
}

func TestHumanTTL(t *testing.T) {
	assert.Equal(t, "1 hour 30 minutes", humanTTL("90m"))
	assert.Equal(t, "soon", humanTTL("soon"))
}

func TestArmState(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "pending", armState(models.RevocationArm{}))
	assert.Equal(t, "failing", armState(models.RevocationArm{LastError: "502"}))
	assert.Equal(t, "delivered", armState(models.RevocationArm{DeliveredAt: now}))
	assert.Equal(t, "revoked", armState(models.RevocationArm{DeliveredAt: now, DisarmedAt: now}))
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jit.env")
	require.NoError(t, os.WriteFile(path, []byte("JIT_TEST_LEDGER_URL=http://ledger.internal\n"), 0600))
	t.Setenv("JIT_ENV_FILE", path)
	t.Setenv("JIT_TEST_LEDGER_URL", "")
	os.Unsetenv("JIT_TEST_LEDGER_URL")

	require.NoError(t, LoadEnvFile())
	assert.Equal(t, "http://ledger.internal", os.Getenv("JIT_TEST_LEDGER_URL"))

	t.Setenv("JIT_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, LoadEnvFile())
}

func TestDBMigrateAndSearch(t *testing.T) {
	home := setHome(t)
	dsn := filepath.Join(home, "jit.db")

	app := GetCliApp()
	require.NoError(t, app.RunContext(context.Background(), []string{"jit", "--database-url", dsn, "db", "migrate"}))

	db, err := bunx.NewDB(context.Background(), dsn)
	require.NoError(t, err)
	defer bunx.Close(db)
	var count int
	require.NoError(t, db.NewRaw("SELECT COUNT(*) FROM access_requests").Scan(context.Background(), &count))
	assert.Equal(t, 0, count)

	err = GetCliApp().RunContext(context.Background(), []string{"jit", "--database-url", dsn, "requests", "search", "--status", "unknown"})
	assert.Error(t, err)

	err = GetCliApp().RunContext(context.Background(), []string{"jit", "--database-url", dsn, "requests", "search", "--status", "pending", "--json"})
	assert.NoError(t, err)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	setHome(t)

	var got string
	app := GetCliApp()
	app.Commands = []*cli.Command{{
		Name: "probe",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			got = cfg.LedgerURL
			assert.Contains(t, cfg.DatabaseURL, "jit.db")
			return nil
		},
	}}
	require.NoError(t, app.Run([]string{"jit", "--ledger-url", "http://ledger.internal", "probe"}))
	assert.Equal(t, "http://ledger.internal", got)
}
