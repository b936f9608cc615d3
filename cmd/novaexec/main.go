package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"novaagent/internal/config"
	"novaagent/internal/execproto"
	"novaagent/internal/execserver"
	"novaagent/internal/executor"
	"novaagent/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "novaexec:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		envFile    string
		unixSocket string
		tcpAddr    string
		httpAddr   string
		platform   string
		unixToken  string
		tcpToken   string
		httpToken  string
	)
	fs := pflag.NewFlagSet("novaexec", pflag.ContinueOnError)
	fs.StringVarP(&configPath, "config", "c", os.Getenv("NOVAAGENT_CONFIG"), "path to YAML configuration")
	fs.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the configuration")
	fs.StringVar(&unixSocket, "unix-socket", "", "unix socket path (overrides exec.unix_socket)")
	fs.StringVar(&tcpAddr, "tcp-addr", "", "TCP socket address (overrides exec.tcp_addr)")
	fs.StringVar(&httpAddr, "http-addr", "", "HTTP address (overrides exec.http_addr)")
	fs.StringVar(&platform, "platform", "", "executor platform (defaults to the host OS)")
	fs.StringVar(&unixToken, "unix-token", "", "token for the unix socket (overrides exec.unix_token)")
	fs.StringVar(&tcpToken, "tcp-token", "", "token for the TCP socket (overrides exec.tcp_token)")
	fs.StringVar(&httpToken, "http-token", "", "token for HTTP (overrides exec.http_token)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	if unixSocket != "" {
		cfg.Exec.UnixSocket = unixSocket
	}
	if tcpAddr != "" {
		cfg.Exec.TCPAddr = tcpAddr
	}
	if httpAddr != "" {
		cfg.Exec.HTTPAddr = httpAddr
	}
	if platform != "" {
		cfg.Exec.Platform = platform
	}
	if unixToken != "" {
		cfg.Exec.UnixToken = unixToken
	}
	if tcpToken != "" {
		cfg.Exec.TCPToken = tcpToken
	}
	if httpToken != "" {
		cfg.Exec.HTTPToken = httpToken
	}
	if cfg.Exec.Platform == "" {
		cfg.Exec.Platform = runtime.GOOS
	}
	if err := cfg.ValidateExec(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	log.Logger = logger

	var execOpts []executor.Option
	if cfg.Exec.CommandTimeout > 0 {
		execOpts = append(execOpts, executor.WithCommandTimeout(cfg.Exec.CommandTimeout))
	}
	exec := executor.New(cfg.Exec.Platform, execOpts...)
	if probe := exec.Probe(context.Background()); !probe.OK {
		logger.Warn().Str("platform", probe.Platform).Str("error", probe.Error).Msg("native execution unavailable; only note and wait will succeed")
	}
	protos := protocols(cfg.Exec, exec)
	for transport := range protos {
		if cfg.Exec.ListenerToken(transport) == "" {
			logger.Warn().Str("transport", transport).Msg("no exec token configured; listener is open")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if proto, ok := protos[execproto.TransportUnix]; ok {
		d := execserver.NewSocketDaemon(execproto.TransportUnix, cfg.Exec.UnixSocket, proto, logger)
		g.Go(func() error { return d.ListenAndServe(gctx) })
	}
	if proto, ok := protos[execproto.TransportTCP]; ok {
		d := execserver.NewSocketDaemon(execproto.TransportTCP, cfg.Exec.TCPAddr, proto, logger)
		g.Go(func() error { return d.ListenAndServe(gctx) })
	}
	if proto, ok := protos[execproto.TransportHTTP]; ok {
		s := execserver.NewHTTPServer(proto, logger)
		addr := cfg.Exec.HTTPAddr
		g.Go(func() error { return s.ListenAndServe(gctx, addr) })
	}

	logger.Info().Str("platform", exec.Platform()).Msg("novaexec started")
	err = g.Wait()
	logger.Info().Msg("novaexec stopped")
	return err
}

// protocols builds one Protocol per enabled listener, each guarded by that
// listener's token.
func protocols(cfg config.ExecConfig, exec execserver.Executor) map[string]*execserver.Protocol {
	addrs := map[string]string{
		execproto.TransportUnix: cfg.UnixSocket,
		execproto.TransportTCP:  cfg.TCPAddr,
		execproto.TransportHTTP: cfg.HTTPAddr,
	}
	out := make(map[string]*execserver.Protocol)
	for transport, addr := range addrs {
		if addr == "" {
			continue
		}
		out[transport] = execserver.NewProtocol(exec, cfg.ListenerToken(transport))
	}
	return out
}
