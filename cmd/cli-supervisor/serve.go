package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/config"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/maintenance"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/observer"
	"github.com/hochfrequenz/claude-cli-supervisor/web/api"
)

// ErrAlreadyRunning is returned when another supervisor holds the database lock
var ErrAlreadyRunning = errors.New("another supervisor is already running on this database")

var (
	servePort          int
	serveHost          string
	serveMaxConcurrent int
	serveMaxCLICalls   int
	serveNoWatch       bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor with its HTTP API",
		Long: `Run the supervisor in the foreground. Jobs are submitted over the HTTP API
(or with "cli-supervisor submit"). On start, tasks left running by a previous
supervisor are recovered; on SIGINT or SIGTERM all supervised processes are
terminated and recorded as failed.`,
		RunE: runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from web.port)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "address to bind (default from web.host)")
	serveCmd.Flags().IntVar(&serveMaxConcurrent, "max-concurrent", 0, "override supervisor.max_concurrent")
	serveCmd.Flags().IntVar(&serveMaxCLICalls, "max-cli-calls", 0, "override supervisor.max_cli_calls")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload limits when the config file changes")
	rootCmd.AddCommand(serveCmd)
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("port") {
		cfg.Web.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		cfg.Web.Host = serveHost
	}
	if cmd.Flags().Changed("max-concurrent") {
		cfg.Supervisor.MaxConcurrent = serveMaxConcurrent
	}
	if cmd.Flags().Changed("max-cli-calls") {
		cfg.Supervisor.MaxCLICalls = serveMaxCLICalls
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LockPath()), 0o755); err != nil {
		return err
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring %s: %w", cfg.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, cfg.LockPath())
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	a, err := newApp(gctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	// Sessions only end once gctx is done, so cancel before Close waits
	defer stop()

	sched, err := maintenance.NewScheduler(maintenance.Config{
		Cron:   cfg.Maintenance.PruneCron,
		Retain: cfg.Maintenance.Retain.Std(),
	}, a.store, a.pool, a.logger)
	if err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	server := api.NewServer(a.store, a.sup, a.observer, api.Options{
		Addr:              net.JoinHostPort(cfg.Web.Host, strconv.Itoa(cfg.Web.Port)),
		RequestsPerMinute: cfg.Web.RequestsPerMinute,
		Burst:             cfg.Web.Burst,
		JobDefaults:       a.jobDefaults(),
		Prompts:           a.prompts,
		Logger:            a.logger,
	})
	a.addListener(server.HandleEvent)

	report, err := a.sup.Recover(gctx)
	if err != nil {
		a.logger.Warn("recovery failed", "err", err)
	} else if len(report.Completed)+len(report.Adopted) > 0 {
		a.logger.Info("recovered tasks", "completed", len(report.Completed), "adopted", len(report.Adopted))
	}

	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })

	if !serveNoWatch {
		path := resolvedConfigPath()
		watcher, err := observer.NewConfigWatcher(path, a.reload, a.logger)
		if err != nil {
			a.logger.Info("config hot reload disabled", "path", path, "err", err)
		} else {
			g.Go(func() error { return watcher.Run(gctx) })
		}
	}

	a.logger.Info("supervisor started",
		"max_concurrent", cfg.Supervisor.MaxConcurrent,
		"max_cli_calls", cfg.Supervisor.MaxCLICalls,
		"db", cfg.General.DatabasePath)

	err = g.Wait()
	a.logger.Info("shutting down, waiting for sessions to finish")
	return err
}
