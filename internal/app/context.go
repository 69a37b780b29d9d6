package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"sustainplate/internal/cache"
	"sustainplate/internal/config"
	"sustainplate/internal/db"
	"sustainplate/internal/engine"
	"sustainplate/internal/engine/auth"
	"sustainplate/internal/feed"
	"sustainplate/internal/metrics"
	"sustainplate/internal/migrate"
	"sustainplate/internal/repo"
)

// Runtime is a fully wired workspace: registry, lifecycle engine, change feed
// and read-side cache.
type Runtime struct {
	Config  *config.Config
	DB      *sql.DB
	Repo    repo.Repo
	Auth    auth.Service
	Engine  engine.Engine
	Hub     *feed.Hub
	Cache   cache.Cache
	Metrics *metrics.Lifecycle
	Log     zerolog.Logger

	stopInvalidator func()
}

// Open opens the registry for workspace, applies migrations and wires the
// components together. A nil cfg loads sustainplate.yml from the workspace.
func Open(ctx context.Context, workspace string, cfg *config.Config, log zerolog.Logger) (*Runtime, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.Load(workspace); err != nil {
			return nil, err
		}
	}
	dbCfg := db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping registry: %w", err)
	}
	if err := migrate.MigrateDialect(conn, dbCfg.Dialect()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	c, err := cache.New(cache.Options{
		Driver:        cfg.Cache.Driver,
		RedisAddr:     cfg.Cache.Redis.Addr,
		RedisPassword: cfg.Cache.Redis.Password,
		RedisDB:       cfg.Cache.Redis.DB,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	r := repo.Repo{DB: conn, Dialect: dbCfg.Dialect()}
	m := metrics.New()
	hub := feed.NewHub(r, feed.Options{
		Interval:   cfg.Feed.PollInterval,
		Batch:      cfg.Feed.Batch,
		Lookback:   cfg.Feed.Lookback,
		GapTimeout: cfg.Feed.GapTimeout,
		Log:        log.With().Str("component", "feed").Logger(),
		Metrics:    m,
	})
	eng := engine.New(r, cfg)
	eng.Cache = c
	eng.Metrics = m
	eng.Feed = hub
	eng.Log = log.With().Str("component", "lifecycle").Logger()

	rt := &Runtime{
		Config:  cfg,
		DB:      conn,
		Repo:    r,
		Auth:    auth.Service{Actors: r},
		Engine:  eng,
		Hub:     hub,
		Cache:   c,
		Metrics: m,
		Log:     log,
	}
	rt.stopInvalidator = feed.InvalidateOnChange(hub, c, log)
	return rt, nil
}

// Close releases the cache and database.
func (rt *Runtime) Close() error {
	if rt.stopInvalidator != nil {
		rt.stopInvalidator()
	}
	return errors.Join(rt.Cache.Close(), rt.DB.Close())
}

// ResolveActor turns an actor id into the engine's caller identity using the
// registered role.
func (rt *Runtime) ResolveActor(ctx context.Context, id string) (engine.Actor, error) {
	if id == "" {
		return engine.Actor{}, engine.ErrAuthenticationRequired
	}
	a, err := rt.Auth.Resolve(ctx, id)
	if err != nil {
		return engine.Actor{}, err
	}
	return engine.Actor{ID: a.ID, Role: a.Role}, nil
}
