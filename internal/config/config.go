// Package config loads the YAML configuration shared by novaagent and
// novaexec. ${VAR} references are expanded from the environment before
// parsing, so secrets can live in a .env file.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"novaagent/internal/connectors/schedule"
	"novaagent/internal/delivery"
	"novaagent/internal/directshell"
	"novaagent/internal/execproto"
	"novaagent/internal/logging"
	"novaagent/internal/router"
	"novaagent/internal/store"
	"novaagent/internal/worker"
)

// Config represents the complete application configuration
type Config struct {
	Logging     logging.Config     `yaml:"logging"`
	Store       StoreConfig        `yaml:"store"`
	Worker      WorkerConfig       `yaml:"worker"`
	Delivery    DeliveryConfig     `yaml:"delivery"`
	Router      router.Config      `yaml:"router"`
	Gateway     GatewayConfig      `yaml:"gateway"`
	Connectors  ConnectorsConfig   `yaml:"connectors"`
	DirectShell directshell.Config `yaml:"directshell"`
	Exec        ExecConfig         `yaml:"exec"`
}

type StoreConfig struct {
	Driver       string        `yaml:"driver"`
	Path         string        `yaml:"path"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	MaxRetries   uint64        `yaml:"max_retries"`
}

type WorkerConfig struct {
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RunTimeout    time.Duration `yaml:"run_timeout"`
}

type DeliveryConfig struct {
	SendTimeout time.Duration `yaml:"send_timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// GatewayConfig holds the daemon loop and admin API settings.
type GatewayConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	APIAddr      string        `yaml:"api_addr"`
	Debug        bool          `yaml:"debug"`
}

type ConnectorsConfig struct {
	CLI      CLIConfig        `yaml:"cli"`
	Schedule []schedule.Entry `yaml:"schedule"`
}

type CLIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Sender  string `yaml:"sender"`
}

// ExecConfig configures the execution server. An empty address disables
// that transport. Each listener uses its own token when set and Token
// otherwise; an empty result leaves that listener open.
type ExecConfig struct {
	Platform       string        `yaml:"platform"`
	Token          string        `yaml:"token"`
	UnixSocket     string        `yaml:"unix_socket"`
	UnixToken      string        `yaml:"unix_token"`
	TCPAddr        string        `yaml:"tcp_addr"`
	TCPToken       string        `yaml:"tcp_token"`
	HTTPAddr       string        `yaml:"http_addr"`
	HTTPToken      string        `yaml:"http_token"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// ListenerToken returns the token guarding transport.
func (c ExecConfig) ListenerToken(transport string) string {
	var token string
	switch transport {
	case execproto.TransportUnix:
		token = c.UnixToken
	case execproto.TransportTCP:
		token = c.TCPToken
	case execproto.TransportHTTP:
		token = c.HTTPToken
	}
	if token == "" {
		token = c.Token
	}
	return token
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: logging.Config{Level: "info", Format: "console"},
		Store: StoreConfig{
			Driver:      string(store.DriverSQLite),
			Path:        "novaagent.db",
			BusyTimeout: 5 * time.Second,
			MaxRetries:  3,
		},
		Worker: WorkerConfig{
			RetryDelay:    10 * time.Second,
			MaxRetryDelay: 5 * time.Minute,
			MaxAttempts:   3,
		},
		Delivery: DeliveryConfig{SendTimeout: 15 * time.Second, Concurrency: 8},
		Gateway: GatewayConfig{
			PollInterval: time.Second,
			StaleAfter:   10 * time.Minute,
			APIAddr:      "127.0.0.1:8787",
		},
		Connectors:  ConnectorsConfig{CLI: CLIConfig{Enabled: true, Sender: "local"}},
		DirectShell: directshell.Config{Transport: directshell.TransportHTTP, BaseURL: "http://127.0.0.1:8765"},
		Exec: ExecConfig{
			TCPAddr:        "127.0.0.1:8766",
			HTTPAddr:       "127.0.0.1:8765",
			CommandTimeout: 30 * time.Second,
		},
	}
}

// Load reads configPath over the defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// Validate checks the settings novaagent depends on.
func (c *Config) Validate() error {
	switch store.Driver(c.Store.Driver) {
	case store.DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for sqlite")
		}
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker max_attempts must be greater than 0")
	}
	if c.Worker.RetryDelay < 0 || c.Worker.MaxRetryDelay < 0 {
		return fmt.Errorf("worker retry delays must not be negative")
	}
	if c.Gateway.PollInterval <= 0 {
		return fmt.Errorf("gateway poll_interval must be greater than 0")
	}
	if c.Gateway.APIAddr != "" {
		if err := validateAddr(c.Gateway.APIAddr); err != nil {
			return fmt.Errorf("gateway api_addr: %w", err)
		}
	}
	if _, err := directshell.New(c.DirectShell); err != nil {
		return err
	}
	return nil
}

// ValidateExec checks the settings novaexec depends on.
func (c *Config) ValidateExec() error {
	if c.Exec.UnixSocket == "" && c.Exec.TCPAddr == "" && c.Exec.HTTPAddr == "" {
		return fmt.Errorf("exec: at least one of unix_socket, tcp_addr or http_addr is required")
	}
	for name, addr := range map[string]string{"tcp_addr": c.Exec.TCPAddr, "http_addr": c.Exec.HTTPAddr} {
		if addr == "" {
			continue
		}
		if err := validateAddr(addr); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
	}
	if c.Exec.CommandTimeout < 0 {
		return fmt.Errorf("exec command_timeout must not be negative")
	}
	return nil
}

func validateAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return fmt.Errorf("port is required in %q", addr)
	}
	return nil
}

func (c StoreConfig) Store() store.Config {
	return store.Config{
		Driver:       store.Driver(c.Driver),
		Path:         c.Path,
		DSN:          c.DSN,
		MaxOpenConns: c.MaxOpenConns,
		BusyTimeout:  c.BusyTimeout,
		MaxRetries:   c.MaxRetries,
	}
}

func (c WorkerConfig) Worker() worker.Config {
	return worker.Config{
		RetryDelay:    c.RetryDelay,
		MaxRetryDelay: c.MaxRetryDelay,
		MaxAttempts:   c.MaxAttempts,
		RunTimeout:    c.RunTimeout,
	}
}

func (c DeliveryConfig) Options() delivery.Options {
	return delivery.Options{SendTimeout: c.SendTimeout, Concurrency: c.Concurrency}
}
