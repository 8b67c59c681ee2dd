// Package app wires the parley server: configuration, logging, the Redis
// backed trackers, the gateway, reconciliation and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"parley/internal/archive"
	"parley/internal/health"
	"parley/internal/identity"
	"parley/internal/realtime"
	"parley/internal/reconcile"
	"parley/internal/session"
	"parley/internal/state"
)

const pingTimeout = 2 * time.Second

// App owns every long-lived component of one server instance.
type App struct {
	cfg Config
	log *slog.Logger

	rdb  redis.UniversalClient
	pool *pgxpool.Pool

	store      *state.Store
	sessions   *session.Cache
	archive    archive.Archive
	gateway    *realtime.Gateway
	reconciler *reconcile.Service
	monitor    *health.Monitor
	registry   *prometheus.Registry

	handler http.Handler
}

// New builds the component graph. Redis is not required to be reachable:
// the store reports unhealthy until it is. A configured database must be.
func New(ctx context.Context, cfg Config, log *slog.Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.Log.Level, cfg.Log.Format, nil)
	}
	a = &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.rdb = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    splitList([]string{cfg.Redis.Addr}),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.store, err = state.NewStore(a.rdb,
		state.WithPrefix(cfg.Redis.Prefix),
		state.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	if perr := a.store.Ping(ctx, pingTimeout); perr != nil {
		log.Warn("store.unavailable", "addr", cfg.Redis.Addr, "err", perr)
	}

	a.sessions, err = session.NewCache(a.store,
		session.WithTTL(cfg.Session.TTL),
		session.WithMaxMessages(cfg.Session.MaxMessages),
		session.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}

	if err := a.openArchive(ctx); err != nil {
		return nil, err
	}

	stream := state.NewStreamLog(a.store, cfg.Stream.Retention, cfg.Stream.MaxLen)

	a.reconciler, err = reconcile.New(a.sessions, a.archive,
		reconcile.WithConfig(reconcile.Config{
			Interval:     cfg.Reconcile.Interval,
			ReadGroup:    cfg.Reconcile.ReadGroup,
			FlushBatch:   cfg.Reconcile.FlushBatch,
			StreamPage:   cfg.Reconcile.StreamPage,
			BatchTimeout: cfg.Reconcile.BatchTimeout,
			LockTTL:      cfg.Reconcile.LockTTL,
		}),
		reconcile.WithLocker(a.store),
		reconcile.WithStream(stream),
		reconcile.WithLogger(log),
		reconcile.WithRegisterer(a.registry),
	)
	if err != nil {
		return nil, err
	}

	verifier, err := identity.New(identity.Config{
		Mode:               identity.Mode(cfg.Auth.Mode),
		PasetoPublicKeyHex: cfg.Auth.PasetoPublicKeyHex,
		JWTSecret:          cfg.Auth.JWTSecret,
		Issuer:             cfg.Auth.Issuer,
		ClockSkew:          cfg.Auth.ClockSkew,
	})
	if err != nil {
		return nil, err
	}

	gwOpts := []realtime.Option{
		realtime.WithLogger(log),
		realtime.WithConfig(realtime.Config{
			IdleTimeout:     cfg.Gateway.IdleTimeout,
			JoinRateLimit:   cfg.Gateway.JoinRateLimit,
			JoinRateWindow:  cfg.Gateway.JoinRateWindow,
			MaxContentBytes: cfg.Gateway.MaxContentBytes,
			SendQueue:       cfg.Gateway.SendQueue,
			OriginRequired:  cfg.Gateway.OriginRequired,
			AllowedOrigins:  cfg.Gateway.AllowedOrigins,
		}),
	}
	if cfg.Gateway.InstanceID != "" {
		gwOpts = append(gwOpts, realtime.WithInstanceID(cfg.Gateway.InstanceID))
	}
	a.gateway, err = realtime.New(realtime.Deps{
		Verifier: verifier,
		Presence: state.NewPresenceTracker(a.store, cfg.Presence.TTL),
		Typing:   state.NewTypingTracker(a.store, cfg.Typing.TTL),
		Receipts: state.NewReadReceiptTracker(a.store),
		Stream:   stream,
		Sessions: a.sessions,
		Bus:      state.NewEventBus(a.store),
	}, gwOpts...)
	if err != nil {
		return nil, err
	}

	a.monitor = health.NewMonitor(health.WithFailedSyncThreshold(cfg.Health.FailedSyncThreshold))
	a.monitor.RegisterStore(health.NewPingChecker("redis", func(ctx context.Context) error {
		return a.store.Ping(ctx, pingTimeout)
	}, pingTimeout))
	a.monitor.RegisterGateway(a.gatewayStats)
	a.monitor.RegisterReconciler(a.reconciler)
	if a.pool != nil {
		a.monitor.AddChecker(health.NewPingChecker("database", a.archive.Ping, pingTimeout))
	}
	if err := a.monitor.Register(a.registry); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	a.handler = a.routes()
	return a, nil
}

func (a *App) openArchive(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.Database.URL) == "" {
		a.log.Warn("archive.memory", "reason", "database.url not set")
		a.archive = archive.NewMemoryArchive()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	a.pool = pool

	pg, err := archive.NewPostgresArchive(pool, archive.WithSchema(a.cfg.Database.Schema))
	if err != nil {
		return err
	}
	if a.cfg.Database.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("archive: migrate: %w", err)
		}
	}
	a.archive = pg
	a.log.Info("archive.postgres", "schema", a.cfg.Database.Schema, "migrated", a.cfg.Database.AutoMigrate)
	return nil
}

func (a *App) gatewayStats() health.GatewayStats {
	s := a.gateway.Stats()
	return health.GatewayStats{
		ActiveConnections: s.ActiveConnections,
		TotalConnections:  int64(s.TotalConnections),
		Rooms:             s.Rooms,
	}
}

// Handler is the HTTP surface, exposed for tests and embedding.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and drives the reconciler and the event relay until ctx
// is done or one of them fails. Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.HTTP.ReadHeaderTimeout,
		IdleTimeout:       a.cfg.HTTP.IdleTimeout,
		MaxHeaderBytes:    a.cfg.HTTP.MaxHeaderBytes,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server.start", "addr", srv.Addr, "instance", a.gateway.InstanceID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.reconciler.Run(gctx) })
	g.Go(func() error { return a.gateway.RunRelay(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()

		// Hijacked websocket connections are not tracked by Shutdown.
		a.gateway.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if a.gateway != nil {
		a.gateway.Close()
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.log.Warn("archive.close.fail", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.log.Warn("redis.close.fail", "err", err)
		}
	}
}
