package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"novaagent/internal/directshell"
	"novaagent/internal/execproto"
	"novaagent/internal/store"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	t.Setenv("NOVAEXEC_TOKEN", "from-env")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, "json", cfg.Logging.Format)
			assert.Equal(t, 2*time.Second, cfg.Store.BusyTimeout)
			assert.Equal(t, uint64(3), cfg.Store.MaxRetries, "unset keys keep their defaults")
			assert.Equal(t, 4, cfg.Worker.MaxAttempts)
			assert.Equal(t, 500*time.Millisecond, cfg.Gateway.PollInterval)
			assert.Equal(t, 10*time.Minute, cfg.Gateway.StaleAfter)
			assert.Equal(t, "team", cfg.Router.ChannelWorkspace["slack"])
			require.Len(t, cfg.Connectors.Schedule, 1)
			assert.Equal(t, "0 9 * * 1-5", cfg.Connectors.Schedule[0].Cron)
			assert.Equal(t, "ops", cfg.Connectors.Schedule[0].Metadata["workspace_id"])
			assert.Equal(t, directshell.TransportDaemon, cfg.DirectShell.Transport)
			assert.Equal(t, "from-env", cfg.DirectShell.Token)
			assert.Equal(t, 45*time.Second, cfg.DirectShell.Timeout)
			assert.Equal(t, "from-env", cfg.Exec.Token)
			assert.Empty(t, cfg.Exec.TCPAddr)

			require.NoError(t, cfg.Validate())
			require.NoError(t, cfg.ValidateExec())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errString string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:      "unknown driver",
			mutate:    func(c *Config) { c.Store.Driver = "mysql" },
			errString: "unsupported store driver",
		},
		{
			name:      "sqlite without path",
			mutate:    func(c *Config) { c.Store.Path = "" },
			errString: "store path is required",
		},
		{
			name:      "postgres without dsn",
			mutate:    func(c *Config) { c.Store.Driver = string(store.DriverPostgres) },
			errString: "store dsn is required",
		},
		{
			name:      "zero attempts",
			mutate:    func(c *Config) { c.Worker.MaxAttempts = 0 },
			errString: "max_attempts",
		},
		{
			name:      "zero poll interval",
			mutate:    func(c *Config) { c.Gateway.PollInterval = 0 },
			errString: "poll_interval",
		},
		{
			name:      "bad api addr",
			mutate:    func(c *Config) { c.Gateway.APIAddr = "localhost" },
			errString: "api_addr",
		},
		{
			name:      "unknown directshell transport",
			mutate:    func(c *Config) { c.DirectShell.Transport = "carrier-pigeon" },
			errString: "unknown transport",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errString == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errString)
		})
	}
}

func TestConfig_ValidateExec(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ValidateExec())

	cfg.Exec = ExecConfig{}
	assert.ErrorContains(t, cfg.ValidateExec(), "at least one")

	cfg.Exec = ExecConfig{HTTPAddr: "nope"}
	assert.ErrorContains(t, cfg.ValidateExec(), "http_addr")
}

func TestExecConfig_ListenerToken(t *testing.T) {
	c := ExecConfig{HTTPToken: "web"}
	assert.Equal(t, "web", c.ListenerToken(execproto.TransportHTTP))
	assert.Empty(t, c.ListenerToken(execproto.TransportTCP), "no shared token leaves the listener open")

	c.Token = "shared"
	c.UnixToken = "local"
	assert.Equal(t, "local", c.ListenerToken(execproto.TransportUnix))
	assert.Equal(t, "shared", c.ListenerToken(execproto.TransportTCP))
	assert.Equal(t, "web", c.ListenerToken(execproto.TransportHTTP))
}

func TestConversions(t *testing.T) {
	cfg := Default()
	sc := cfg.Store.Store()
	assert.Equal(t, store.DriverSQLite, sc.Driver)
	assert.Equal(t, "novaagent.db", sc.Path)

	wc := cfg.Worker.Worker()
	assert.Equal(t, 3, wc.MaxAttempts)
	assert.Equal(t, 10*time.Second, wc.RetryDelay)

	assert.Equal(t, 8, cfg.Delivery.Options().Concurrency)
}
