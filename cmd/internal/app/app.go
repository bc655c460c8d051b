// Package app wires the tontine service runtime: config, logging, store selection, HTTP routes,
// event delivery and the overdue sweeper.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"tontine/cmd/internal/api"
	"tontine/cmd/internal/feed"
	"tontine/cmd/internal/invitecache"
	"tontine/cmd/internal/metrics"
	"tontine/cmd/internal/notify"
	"tontine/cmd/internal/telemetry"
	"tontine/cmd/internal/tontine"
)

const (
	serviceName  = "tontine"
	readyTimeout = 2 * time.Second
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// App is the tontine server runtime. It owns every long-lived resource it opens.
type App struct {
	cfg Config
	log Logger

	store  tontine.Store
	pool   *pgxpool.Pool
	ping   func(context.Context) error
	rdb    *redis.Client
	nc     *nats.Conn
	worker *notify.Worker

	engine   *tontine.Engine
	api      *api.Handler
	registry *prometheus.Registry
	recorder *metrics.Recorder

	shutdownTracing func(context.Context) error
}

// New constructs a fully wired App. On error every resource opened so far is released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	a := &App{cfg: cfg, log: log, shutdownTracing: func(context.Context) error { return nil }}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint, serviceName, Version)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.shutdownTracing = shutdownTracing

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		if err := metrics.RegisterRuntime(a.registry); err != nil {
			return nil, err
		}
		if a.recorder, err = metrics.NewRecorder(a.registry); err != nil {
			return nil, err
		}
	}

	hub := feed.NewHub(log)
	sinks := notify.Fanout{hub}
	if cfg.NATSURL != "" {
		if a.nc, err = notify.ConnectNATS(cfg.NATSURL, serviceName, log); err != nil {
			return nil, err
		}
		natsSink, err := notify.NewNATSSink(a.nc, cfg.NATSSubjectPrefix)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, natsSink)
		log.Info("notify.nats.enabled", "subject_prefix", cfg.NATSSubjectPrefix)
	}
	workerOpts := []notify.Option{notify.WithBufferSize(cfg.EventBuffer), notify.WithLogger(log)}
	if a.recorder != nil {
		workerOpts = append(workerOpts, notify.WithOnDrop(a.recorder.EventDropped))
	}
	a.worker = notify.NewWorker(sinks, workerOpts...)

	inviteOpts := []tontine.InviteOption{
		tontine.WithCodeLength(cfg.InviteCodeLength),
		tontine.WithCodeAttempts(cfg.InviteCodeAttempts),
		tontine.WithInviteLogger(log),
	}
	if cfg.RedisAddr != "" {
		if a.rdb, err = invitecache.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
			return nil, err
		}
		cache, err := invitecache.New(a.rdb, invitecache.WithTTL(cfg.InviteCacheTTL))
		if err != nil {
			return nil, err
		}
		inviteOpts = append(inviteOpts, tontine.WithCodeCache(cache))
		log.Info("invite.cache.redis.enabled", "addr", cfg.RedisAddr)
	}
	invites, err := tontine.NewInviteRegistry(a.store, inviteOpts...)
	if err != nil {
		return nil, err
	}

	engineOpts := []tontine.Option{
		tontine.WithInviteRegistry(invites),
		tontine.WithNotifier(a.worker),
		tontine.WithLogger(log),
		tontine.WithConflictRetries(cfg.ConflictRetries, 0),
	}
	if a.recorder != nil {
		engineOpts = append(engineOpts, tontine.WithObserver(a.recorder))
	}
	if a.engine, err = tontine.NewEngine(a.store, engineOpts...); err != nil {
		return nil, err
	}

	verifier, err := api.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return nil, err
	}
	gw := feed.NewGateway(log, hub, feed.Options{OriginPatterns: cfg.FeedOriginPatterns})
	if a.api, err = api.NewHandler(log, a.engine, verifier, api.Config{MaxBodyBytes: cfg.MaxBodyBytes}, api.WithFeed(gw)); err != nil {
		return nil, err
	}

	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.routes() }

// Run serves HTTP and runs background work until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.close(context.Background())
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.worker.Start()
	a.log.Info("server.start", "addr", ln.Addr().String(), "store", a.cfg.StoreKind(), "version", Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})
	if a.cfg.OverdueSweepInterval > 0 {
		g.Go(func() error {
			a.sweepOverdue(gctx, a.cfg.OverdueSweepInterval)
			return nil
		})
	}

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()
	a.close(closeCtx)

	a.log.Info("server.stopped")
	return err
}

// sweepOverdue flags late contributions on every tick until ctx ends.
func (a *App) sweepOverdue(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.engine.SweepOverdue(ctx)
			if err != nil && ctx.Err() == nil {
				a.log.Error("overdue.sweep.fail", "err", err)
				continue
			}
			if a.recorder != nil {
				a.recorder.OverdueMarked(n)
			}
			if n > 0 {
				a.log.Info("overdue.sweep", "marked_late", n)
			}
		}
	}
}

// openStore selects Postgres, SQLite or memory from config.
func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.StoreKind() {
	case "postgres":
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pool = pool
		// The app owns the pool; PostgresStore.Close is a no-op.
		st, err := tontine.NewPostgresStore(pool, tontine.WithSchema(a.cfg.DBSchema))
		if err != nil {
			return err
		}
		if a.cfg.DBAutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				return err
			}
		}
		a.store = st
		a.ping = func(ctx context.Context) error { return PingDB(ctx, pool, readyTimeout) }
		a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)

	case "sqlite":
		st, err := tontine.NewSQLiteStore(a.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.store = st
		a.ping = st.Ping
		a.log.Info("db.enabled.sqlite_store", "path", a.cfg.SQLitePath)

	default:
		a.store = tontine.NewInMemoryStore()
		a.log.Info("db.disabled.inmemory_store")
	}
	return nil
}

// close releases resources in reverse dependency order. Safe on a partially built App.
func (a *App) close(ctx context.Context) {
	if a.worker != nil {
		if err := a.worker.Shutdown(ctx); err != nil {
			a.log.Error("notify.shutdown.fail", "err", err)
		}
	}
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.log.Error("nats.drain.fail", "err", err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.shutdownTracing(ctx); err != nil {
		a.log.Error("telemetry.shutdown.fail", "err", err)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
