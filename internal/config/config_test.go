package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutConfigFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.InEpsilon(t, 0.20, cfg.Trading.MarginRate, 1e-9)
	assert.InEpsilon(t, 0.50, cfg.Trading.WarningThreshold, 1e-9)
	assert.NotEmpty(t, cfg.Instruments)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "synthex.yaml")
	payload := []byte(`
store:
  driver: sqlite
  dsn: trading.db
trading:
  margin_rate: 0.10
instruments:
  - symbol: SOL-PERP
    display_name: Solana Perpetual
`)
	require.NoError(t, os.WriteFile(path, payload, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "trading.db", cfg.Store.DSN)
	assert.InEpsilon(t, 0.10, cfg.Trading.MarginRate, 1e-9)
	require.Len(t, cfg.Instruments, 1)
	assert.Equal(t, "SOL-PERP", cfg.Instruments[0].Symbol)
}

func TestValidationRejectsBadValues(t *testing.T) {
	write := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "synthex.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	_, err := Load(write(t, "store:\n  driver: cassandra\n"))
	assert.Error(t, err)

	_, err = Load(write(t, "store:\n  driver: postgres\n"))
	assert.Error(t, err, "postgres requires a dsn")

	_, err = Load(write(t, "trading:\n  margin_rate: 1.5\n"))
	assert.Error(t, err)

	_, err = Load(write(t, "trading:\n  warning_threshold: 0.2\n  danger_threshold: 0.4\n"))
	assert.Error(t, err)
}

func TestMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
