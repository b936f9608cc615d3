package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"novaagent/internal/api"
	"novaagent/internal/config"
	"novaagent/internal/connectors/cli"
	"novaagent/internal/connectors/schedule"
	"novaagent/internal/delivery"
	"novaagent/internal/directshell"
	"novaagent/internal/gateway"
	"novaagent/internal/idempotency"
	"novaagent/internal/logging"
	"novaagent/internal/queue"
	"novaagent/internal/router"
	"novaagent/internal/runner"
	"novaagent/internal/store"
	"novaagent/internal/worker"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "novaagent:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	dbPath     string
	apiAddr    string
	logLevel   string
	poll       time.Duration
	once       bool
	stdin      bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("novaagent", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", os.Getenv("NOVAAGENT_CONFIG"), "path to YAML configuration")
	fs.StringVar(&o.envFile, "env-file", ".env", "optional dotenv file loaded before the configuration")
	fs.StringVar(&o.dbPath, "db", "", "SQLite DB path (overrides store.path)")
	fs.StringVar(&o.apiAddr, "api-addr", "", "admin API bind address (overrides gateway.api_addr)")
	fs.StringVar(&o.logLevel, "log-level", "", "log level (overrides logging.level)")
	fs.DurationVar(&o.poll, "poll", 0, "poll interval when idle (overrides gateway.poll_interval)")
	fs.BoolVar(&o.once, "once", false, "run a single daemon pass and exit")
	fs.BoolVar(&o.stdin, "stdin", false, "feed lines from stdin into the cli connector")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	return o, nil
}

func loadConfig(o options) (*config.Config, error) {
	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", o.envFile, err)
	}
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if o.dbPath != "" {
		cfg.Store.Path = o.dbPath
	}
	if o.apiAddr != "" {
		cfg.Gateway.APIAddr = o.apiAddr
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.poll > 0 {
		cfg.Gateway.PollInterval = o.poll
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Store.Store(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	q := queue.New(db, queue.WithLogger(logger))
	if n, err := q.RecoverStale(ctx, cfg.Gateway.StaleAfter); err != nil {
		logger.Warn().Err(err).Msg("recover stale jobs")
	} else if n > 0 {
		logger.Info().Int("recovered", n).Msg("recovered stale running jobs")
	}

	var connectors []gateway.Connector
	var cliConn *cli.Connector
	if cfg.Connectors.CLI.Enabled {
		cliConn = cli.New(os.Stdout)
		connectors = append(connectors, cliConn)
	}
	if len(cfg.Connectors.Schedule) > 0 {
		sc, err := schedule.New(cfg.Connectors.Schedule, logger)
		if err != nil {
			return err
		}
		connectors = append(connectors, sc)
	}
	registry := gateway.NewRegistry(connectors...)

	client, err := directshell.New(cfg.DirectShell)
	if err != nil {
		return err
	}
	w := worker.New(q, runner.NewDirectShell(client, logger), cfg.Worker.Worker(), logger)
	dm := delivery.NewManager(q, registry.Resolve, cfg.Delivery.Options(), logger)
	daemon := gateway.NewDaemon(q, w, dm, router.New(cfg.Router), registry, gateway.WithLogger(logger))

	if opts.once {
		if opts.stdin && cliConn != nil {
			if err := cliConn.ReadLines(ctx, os.Stdin, cfg.Connectors.CLI.Sender); err != nil {
				return err
			}
		}
		pass, err := daemon.RunOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info().Int("ingested", pass.Ingested).Int("jobs", len(pass.Jobs)).Msg("pass complete")
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return daemon.RunForever(gctx, cfg.Gateway.PollInterval)
	})
	if cfg.Gateway.APIAddr != "" {
		srv := &http.Server{
			Addr: cfg.Gateway.APIAddr,
			Handler: api.NewServer(api.Options{
				Jobs:        q,
				Idempotency: idempotency.New(db),
				Health:      daemon.Health,
				Logger:      logger,
				Debug:       cfg.Gateway.Debug,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("admin API starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if opts.stdin && cliConn != nil {
		sender := cfg.Connectors.CLI.Sender
		// Not part of the group: a blocked stdin read must not hold up shutdown.
		go func() {
			if err := cliConn.ReadLines(gctx, os.Stdin, sender); err != nil && gctx.Err() == nil {
				logger.Warn().Err(err).Msg("stdin reader stopped")
			}
		}()
	}

	logger.Info().
		Strs("connectors", registry.Names()).
		Str("exec_transport", client.Transport()).
		Dur("poll", cfg.Gateway.PollInterval).
		Msg("novaagent started")
	err = g.Wait()
	logger.Info().Msg("shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
