package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	return home
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	setHome(t)
	require.NoError(t, SetupConfigFolder())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, NewDefaultConfig(), *cfg)

	d, err := cfg.SettleDelay()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
}

func TestSaveAndLoad(t *testing.T) {
	home := setHome(t)
	require.NoError(t, SetupConfigFolder())

	cfg := NewDefaultConfig()
	cfg.DatabaseURL = "postgres://jit@localhost/jit"
	cfg.RevocationWebhookURL = "https://scheduler.example.com/events"
	cfg.ChatHandles = map[string]string{"a@x.com": "alice"}
	cfg.AWS.SSOInstanceARN = "arn:aws:sso:::instance/ssoins-1"
	require.NoError(t, cfg.Save())

	_, err := os.Stat(filepath.Join(home, ".jit", "config"))
	require.NoError(t, err)

	got, err := Load()
	require.NoError(t, err)
	assert.Equal(t, cfg, *got)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	home := setHome(t)
	require.NoError(t, SetupConfigFolder())
	err := os.WriteFile(filepath.Join(home, ".jit", "config"), []byte("ListenAddr = \"0.0.0.0:9000\"\n[AWS]\nRegion = \"ap-southeast-2\"\n"), USER_READ_WRITE_PERM)
	require.NoError(t, err)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "ap-southeast-2", cfg.AWS.Region)
	assert.Equal(t, 10, cfg.AWS.RequestsPerSecond)
	assert.Equal(t, "1m", cfg.RevocationRetryInterval)
}

func TestLoadInvalidFile(t *testing.T) {
	home := setHome(t)
	require.NoError(t, SetupConfigFolder())
	require.NoError(t, os.WriteFile(filepath.Join(home, ".jit", "config"), []byte("ListenAddr = "), USER_READ_WRITE_PERM))

	_, err := Load()
	assert.Error(t, err)
}

func TestInvalidDuration(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.RevocationRetryInterval = "soon"
	_, err := cfg.RetryInterval()
	assert.ErrorContains(t, err, "RevocationRetryInterval")
}

func TestXDGFallback(t *testing.T) {
	setHome(t)
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	folder, err := JitConfigFolder()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(xdg, "jit"), folder)
}
