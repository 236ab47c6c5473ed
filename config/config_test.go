package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	require.Equal(t, DefaultKSize, cfg.KSize)
	require.Equal(t, DefaultAlpha, cfg.Alpha)
	require.True(t, cfg.WelcomeEnabled)
	require.Equal(t, DefaultRPCTimeout, cfg.RPCTimeout)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kadnode.yaml")
	contents := `
ksize: 30
alpha: 5
rpc_timeout: 2s
refresh_interval: 10m
listen_addr: "127.0.0.1:9000"
log_level: debug
welcome_enabled: false
seeds:
  - ip: 10.0.0.1
    port: 8468
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30, cfg.KSize)
	require.Equal(t, 5, cfg.Alpha)
	require.Equal(t, 2*time.Second, cfg.RPCTimeout)
	require.Equal(t, 10*time.Minute, cfg.RefreshInterval)
	require.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	require.Equal(t, "debug", cfg.LogLevel)
	require.False(t, cfg.WelcomeEnabled)
	require.Len(t, cfg.Seeds, 1)
	require.Equal(t, "10.0.0.1", cfg.Seeds[0].IP)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/kadnode.yaml")
	require.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rpc_timeout: not-a-duration\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
