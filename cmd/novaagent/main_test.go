package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FlagOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "novaagent.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  path: ${QUEUE_DB}\ngateway:\n  poll_interval: 2s\n"), 0o600))
	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("QUEUE_DB_FROM_ENV_FILE=1\n"), 0o600))
	t.Setenv("QUEUE_DB", filepath.Join(dir, "from-env.db"))

	o, err := parseFlags([]string{"--config", cfgPath, "--env-file", envPath, "--api-addr", "127.0.0.1:0", "--log-level", "debug"})
	require.NoError(t, err)

	cfg, err := loadConfig(o)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "from-env.db"), cfg.Store.Path)
	assert.Equal(t, 2*time.Second, cfg.Gateway.PollInterval)
	assert.Equal(t, "127.0.0.1:0", cfg.Gateway.APIAddr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "1", os.Getenv("QUEUE_DB_FROM_ENV_FILE"))
	os.Unsetenv("QUEUE_DB_FROM_ENV_FILE")

	o, err = parseFlags([]string{"--config", cfgPath, "--env-file", filepath.Join(dir, "missing.env"), "--db", "x.db", "--poll", "250ms"})
	require.NoError(t, err)
	cfg, err = loadConfig(o)
	require.NoError(t, err, "a missing env file is not an error")
	assert.Equal(t, "x.db", cfg.Store.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Gateway.PollInterval)
}

func TestLoadConfig_Invalid(t *testing.T) {
	o, err := parseFlags([]string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "--api-addr", "no-port"})
	require.NoError(t, err)
	_, err = loadConfig(o)
	assert.ErrorContains(t, err, "invalid config")

	_, err = parseFlags([]string{"--bogus"})
	assert.Error(t, err)
}
