// Package app wires the engine, live channel, relay and background loops
// into one runnable process.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"buscart/internal/config"
	"buscart/internal/db"
	"buscart/internal/engine"
	"buscart/internal/events"
	"buscart/internal/live"
	"buscart/internal/log"
	"buscart/internal/migrate"
	"buscart/internal/notify"
	"buscart/internal/server"
	"buscart/internal/supervisor"
	"buscart/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Options are the process-level settings not carried by buscart.yml.
type Options struct {
	Workspace string
	Version   string
	JWTSecret string
}

// Container holds the wired dependency graph.
type Container struct {
	Config     *config.Config
	DB         *sql.DB
	Dialect    db.Dialect
	Engine     engine.Engine
	Hub        *live.Hub
	Relay      *events.Relay
	Notifier   *notify.Dispatcher
	Supervisor *supervisor.Supervisor

	opts    Options
	tracing *telemetry.Provider
}

// OpenStore opens the configured database and applies pending migrations.
func OpenStore(cfg *config.Config, workspace string) (*sql.DB, db.Dialect, error) {
	dbCfg := db.Config{Driver: cfg.Storage.Driver, Workspace: workspace, DSN: cfg.Storage.DSN}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, "", err
	}
	if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("migrate: %w", err)
	}
	return conn, dbCfg.Dialect(), nil
}

// Wire builds the container. Callers must Close it.
func Wire(ctx context.Context, cfg *config.Config, opts Options) (*Container, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log.Configure(log.Config{Level: cfg.Log.Level})
	l := log.WithComponent("bootstrap")

	tracing, err := telemetry.NewProvider(ctx, cfg.Telemetry, opts.Version)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	conn, dialect, err := OpenStore(cfg, opts.Workspace)
	if err != nil {
		_ = tracing.Shutdown(ctx)
		return nil, err
	}

	var (
		broker live.Broker
		leader events.Leader
	)
	switch cfg.Live.Broker {
	case "redis":
		rb, err := live.NewRedisBroker(ctx, cfg.Live.Redis)
		if err != nil {
			conn.Close()
			_ = tracing.Shutdown(ctx)
			return nil, fmt.Errorf("connect redis broker: %w", err)
		}
		broker = rb
		leader = rb.Leader(cfg.Live.LeaderTTL)
	default:
		broker = live.NewMemoryBroker()
	}
	// Every process sharing a PostgreSQL database sees the same outbox.
	if dialect == db.Postgres {
		leader = &events.AdvisoryLeader{DB: conn}
	}
	hub := live.NewHub(broker, cfg.Live.PublishTimeout)

	e := engine.New(conn, dialect, cfg)
	c := &Container{
		Config:     cfg,
		DB:         conn,
		Dialect:    dialect,
		Engine:     e,
		Hub:        hub,
		Supervisor: &supervisor.Supervisor{Engine: e, Interval: cfg.Supervisor.Interval},
		opts:       opts,
		tracing:    tracing,
	}
	sinks := []events.Sink{hub}
	if d := notify.NewDispatcher(cfg.Webhooks); d != nil {
		c.Notifier = d
		sinks = append(sinks, d)
	}
	c.Relay = &events.Relay{Repo: e.Repo, Interval: cfg.Live.RelayInterval, Sinks: sinks, Leader: leader}

	l.Info().
		Str("event", "startup").
		Str("version", opts.Version).
		Str("storage", string(dialect)).
		Str("broker", cfg.Live.Broker).
		Bool("relay_elected", leader != nil).
		Int("webhooks", len(cfg.Webhooks)).
		Msg("services wired")
	return c, nil
}

// Handler returns the HTTP API for the container.
func (c *Container) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   c.Engine,
		Hub:      c.Hub,
		BasePath: c.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:              c.opts.JWTSecret,
			AllowLegacyActorHeader: c.Config.Server.AllowLegacyActorHeader,
			DevLogin:               c.Config.Server.DevLogin,
		},
		RateLimit: server.RateLimitConfig{
			Requests: c.Config.Server.RateLimit.Requests,
			Window:   c.Config.Server.RateLimit.Window,
		},
		Version: c.opts.Version,
	})
}

// Run serves the API on addr and runs the relay, supervisor and notifier
// until ctx is done or one of them fails.
func (c *Container) Run(ctx context.Context, addr string) error {
	handler, err := c.Handler()
	if err != nil {
		return err
	}
	if err := c.Relay.Start(ctx); err != nil {
		return err
	}
	l := log.WithComponent("bootstrap")
	// Request contexts end when shutdown starts so open event streams let go.
	baseCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelRequests)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Relay.Run(gctx) })
	g.Go(func() error { return c.Supervisor.Run(gctx) })
	if c.Notifier != nil {
		g.Go(func() error { return c.Notifier.Run(gctx) })
	}
	g.Go(func() error {
		l.Info().Str("addr", addr).Str("base_path", c.Config.Server.BasePath).Msg("serving BuscArt API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	l.Info().Msg("shutdown complete")
	return err
}

// Close releases the broker, database and tracer.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if c.Hub != nil {
		errs = append(errs, c.Hub.Close())
	}
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	errs = append(errs, c.tracing.Shutdown(ctx))
	return errors.Join(errs...)
}
