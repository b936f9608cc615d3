// Package directshell is the caller side of the execution transports. A
// Client reaches an execution server over HTTP or over its socket daemon
// and always hands back an executor.Result, whatever went wrong on the way.
package directshell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"novaagent/internal/codec"
	"novaagent/internal/execproto"
	"novaagent/internal/executor"
)

const (
	TransportHTTP   = "http"
	TransportDaemon = "daemon"
)

var ErrUnknownTransport = errors.New("directshell: unknown transport")

// defaultTimeout covers the executor's longest wait.
const defaultTimeout = 330 * time.Second

type Config struct {
	Transport string `yaml:"transport"`
	// BaseURL is the HTTP server root; a trailing /execute is accepted.
	BaseURL string `yaml:"base_url"`
	// SocketPath selects a unix socket for the daemon transport. When empty
	// the daemon is dialled at Host:Port over TCP.
	SocketPath string        `yaml:"socket_path"`
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Probe is the normalized health of the configured transport. StatusCode is
// only set for HTTP.
type Probe struct {
	OK           bool     `json:"ok"`
	StatusCode   int      `json:"status_code,omitempty"`
	Transport    string   `json:"transport"`
	Capabilities []string `json:"capabilities,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Client, error) {
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.Transport == "" {
		cfg.Transport = TransportHTTP
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch cfg.Transport {
	case TransportHTTP:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://127.0.0.1:8765"
		}
		cfg.BaseURL = strings.TrimSuffix(strings.TrimRight(cfg.BaseURL, "/"), "/execute")
	case TransportDaemon:
		if cfg.SocketPath == "" && cfg.Host == "" {
			cfg.Host = "127.0.0.1"
		}
		if cfg.SocketPath == "" && cfg.Port == 0 {
			cfg.Port = 8766
		}
	default:
		return nil, fmt.Errorf("%w: %q (use %q or %q)", ErrUnknownTransport, cfg.Transport, TransportHTTP, TransportDaemon)
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (c *Client) Transport() string { return c.cfg.Transport }

// ExecuteAction runs action on the remote executor.
func (c *Client) ExecuteAction(ctx context.Context, action executor.Action, dryRun bool) executor.Result {
	req := execproto.Request{Op: execproto.OpExecute, Action: &action, DryRun: dryRun}
	switch c.cfg.Transport {
	case TransportDaemon:
		resp, err := c.call(ctx, req)
		if err != nil {
			return failedResult(action, "daemon transport error: "+err.Error())
		}
		return resp.Result(action)
	default:
		code, body, err := c.do(ctx, http.MethodPost, "/execute", req)
		if err != nil {
			return failedResult(action, "http transport error: "+err.Error())
		}
		if code < 200 || code > 299 {
			return failedResult(action, fmt.Sprintf("HTTP %d: %s", code, strings.TrimSpace(string(body))))
		}
		var resp execproto.Response
		if err := json.Unmarshal(body, &resp); err != nil {
			return failedResult(action, "invalid response: "+err.Error())
		}
		return resp.Result(action)
	}
}

// RunPlan executes actions in order and stops at the first failure. The
// returned slice holds every result produced, including the failed one.
func (c *Client) RunPlan(ctx context.Context, actions []executor.Action, dryRun bool) []executor.Result {
	results := make([]executor.Result, 0, len(actions))
	for _, a := range actions {
		res := c.ExecuteAction(ctx, a, dryRun)
		results = append(results, res)
		if res.Status == executor.StatusFailed {
			break
		}
	}
	return results
}

// Probe asks the server for a deep health check.
func (c *Client) Probe(ctx context.Context) Probe {
	p := Probe{Transport: c.cfg.Transport}
	req := execproto.Request{Op: execproto.OpHealth, Deep: true}

	var resp execproto.Response
	switch c.cfg.Transport {
	case TransportDaemon:
		r, err := c.call(ctx, req)
		if err != nil {
			p.Error = err.Error()
			return p
		}
		resp = r
	default:
		code, body, err := c.do(ctx, http.MethodGet, "/health?deep=1", nil)
		p.StatusCode = code
		if err != nil {
			p.Error = err.Error()
			return p
		}
		if code < 200 || code > 299 {
			p.Error = fmt.Sprintf("HTTP %d: %s", code, strings.TrimSpace(string(body)))
			return p
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			p.Error = "invalid response: " + err.Error()
			return p
		}
	}
	p.OK = resp.OK
	p.Capabilities = resp.Capabilities
	if !resp.OK {
		p.Error = resp.Error
		if p.Error == "" {
			p.Error = resp.Output
		}
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("content-type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, execproto.MaxRequestSize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, out, nil
}

// call sends one request over a fresh socket connection.
func (c *Client) call(ctx context.Context, req execproto.Request) (execproto.Response, error) {
	network, address := "tcp", net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	if c.cfg.SocketPath != "" {
		network, address = "unix", c.cfg.SocketPath
	}
	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return execproto.Response{}, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	req.Token = c.cfg.Token
	if err := codec.NewEncoder(conn).Encode(req); err != nil {
		return execproto.Response{}, fmt.Errorf("writing request: %w", err)
	}
	var resp execproto.Response
	if err := codec.NewDecoder(io.LimitReader(conn, execproto.MaxRequestSize)).Decode(&resp); err != nil {
		return execproto.Response{}, fmt.Errorf("reading response: %w", err)
	}
	return resp, nil
}

func failedResult(action executor.Action, output string) executor.Result {
	return executor.Result{Action: action, Status: executor.StatusFailed, Output: output}
}
