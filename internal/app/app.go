// Package app wires the database, locker, notifier and engine from config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"afternote/internal/config"
	"afternote/internal/db"
	"afternote/internal/engine"
	"afternote/internal/lock"
	"afternote/internal/metrics"
	"afternote/internal/migrate"
	"afternote/internal/notify"
	"afternote/internal/scheduler"
	"afternote/internal/server"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	// Registry receives the collectors; a fresh one is created when nil.
	Registry *prometheus.Registry
}

// App is a fully wired engine and its resources.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Dispatcher *notify.Dispatcher
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry
	Logger     *slog.Logger

	closers []func(context.Context) error
}

// Open opens and migrates the workspace database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	a := &App{Config: cfg, Logger: logger, Registry: reg, Metrics: metrics.New(reg)}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	applied, err := migrate.Apply(ctx, conn)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.Info("applied migrations", slog.Int("count", applied))
	}

	locker, err := NewLocker(ctx, cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	if c, ok := locker.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}

	sender, err := NewSender(cfg, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Dispatcher = notify.NewDispatcher(sender, notify.DispatcherOptions{
		Workers:   cfg.Notify.Workers,
		QueueSize: cfg.Notify.QueueSize,
		Timeout:   cfg.Notify.Timeout,
		Logger:    logger,
		Metrics:   a.Metrics,
	})
	// drain before the database closes
	a.closers = append(a.closers, a.Dispatcher.Close)

	e := engine.New(conn, cfg)
	e.Locker = locker
	e.Metrics = a.Metrics
	e.Logger = logger
	e.Releaser.Dispatcher = a.Dispatcher
	e.Releaser.Metrics = a.Metrics
	e.Releaser.Logger = logger
	a.Engine = e
	return a, nil
}

// NewLocker returns the per-subject locker selected by lock.backend.
func NewLocker(ctx context.Context, cfg *config.Config) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case "", "memory":
		l := lock.NewSharded()
		l.Wait = cfg.Lock.Wait
		return l, nil
	case "redis":
		l, err := lock.NewRedisFromURL(ctx, cfg.Lock.RedisURL, cfg.Lock.TTL)
		if err != nil {
			return nil, err
		}
		l.Wait = cfg.Lock.Wait
		return l, nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}

// NewSender returns the notification sender selected by notify.backend.
func NewSender(cfg *config.Config, logger *slog.Logger) (notify.Sender, error) {
	switch cfg.Notify.Backend {
	case "", "log":
		return notify.LogSender{Logger: logger}, nil
	case "smtp":
		s := cfg.Notify.SMTP
		return notify.NewSMTPSender(notify.SMTPConfig{
			Host:     s.Host,
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
			From:     s.From,
		})
	case "webhook":
		w := cfg.Notify.Webhook
		return notify.WebhookSender{URL: w.URL, Secret: w.Secret, Timeout: w.Timeout}, nil
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
	}
}

// ServerConfig describes the HTTP API over the app's engine.
func (a *App) ServerConfig() server.Config {
	return server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret: a.Config.Auth.JWTSecret,
			AdminRole: a.Config.Auth.AdminRole,
			Logger:    a.Logger,
		},
		Logger:   a.Logger,
		Metrics:  a.Metrics,
		Gatherer: a.Registry,
	}
}

// Sweeper returns the cron-driven sweep over the app's engine.
func (a *App) Sweeper() (*scheduler.Sweeper, error) {
	return scheduler.New(a.Engine, a.Config.Sweep.Schedule, scheduler.Options{Logger: a.Logger})
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
