// Package app wires the warden runtime: config, logging, stores, cache, events and HTTP routes.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/access"
	authapi "warden/cmd/internal/auth/api"
	"warden/cmd/internal/auth/cache"
	"warden/cmd/internal/auth/events"
	"warden/cmd/internal/auth/gateway"
	"warden/cmd/internal/auth/oauth"
	"warden/cmd/internal/auth/repository"
	"warden/cmd/internal/auth/session"
	"warden/cmd/internal/auth/token"
	"warden/cmd/internal/migrations"
	"warden/cmd/internal/retry"
	"warden/cmd/security/password"
	sectoken "warden/cmd/security/token"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App owns every long-lived resource and the HTTP server built on them.
type App struct {
	cfg Config
	log *zap.Logger

	pool *pgxpool.Pool
	rdb  *redis.Client
	pub  events.Publisher
	repo *repository.Repository

	handler http.Handler

	shutdownTracer func(context.Context) error
}

// New builds a fully wired App. On error every resource opened so far is released.
func New(ctx context.Context, cfg Config, log *zap.Logger) (_ *App, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.JWT.Secret == DefaultSecret {
		log.Warn("security.default_secret", zap.String("env", cfg.Env))
	}

	a := &App{cfg: cfg, log: log, pub: events.Nop{}}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.shutdownTracer, err = InitTracer(ctx, cfg.Telemetry, log); err != nil {
		return nil, err
	}

	codec, err := token.NewCodec(cfg.JWT.Token())
	if err != nil {
		return nil, err
	}
	digest, err := sectoken.NewDigester(cfg.TokenHMACKey)
	if err != nil {
		return nil, err
	}
	hasher, err := password.NewHasher(cfg.Password)
	if err != nil {
		return nil, err
	}

	users, sessions, err := a.openStores(ctx, codec, digest)
	if err != nil {
		return nil, err
	}

	var c cache.Cache = cache.Disabled{}
	if cfg.Redis.URL != "" {
		err = retry.Do(ctx, bootstrapRetry, log, "redis.connect", nil, func(ctx context.Context) error {
			rdb, err := cache.Dial(ctx, cfg.Redis.URL)
			if err != nil {
				return err
			}
			a.rdb = rdb
			return nil
		})
		if err != nil {
			return nil, err
		}
		c = cache.NewRedis(a.rdb)
		log.Info("cache.enabled.redis")
	} else {
		log.Info("cache.disabled")
	}

	a.repo, err = repository.New(users, sessions, c, digest, cfg.Cache.Repository(), log)
	if err != nil {
		return nil, err
	}

	if cfg.NATS.URL != "" {
		err = retry.Do(ctx, bootstrapRetry, log, "nats.connect", nil, func(context.Context) error {
			p, err := events.NewNATS(cfg.NATS, log)
			if err != nil {
				return err
			}
			a.pub = p
			return nil
		})
		if err != nil {
			return nil, err
		}
		log.Info("events.enabled.nats", zap.String("stream", cfg.NATS.Stream))
	}

	svc, err := gateway.New(codec, a.repo, hasher, a.pub, log)
	if err != nil {
		return nil, err
	}
	authn, err := access.New(codec, a.repo, log)
	if err != nil {
		return nil, err
	}

	var gh *oauth.GitHubClient
	if cfg.GitHub.Enabled() {
		if gh, err = oauth.NewGitHub(cfg.GitHub); err != nil {
			return nil, err
		}
		log.Info("oauth.github.enabled")
	}

	h, err := authapi.NewHandler(log, cfg.API, svc, authn, gh)
	if err != nil {
		return nil, err
	}

	a.handler = newRouter(cfg.HTTP, log, readiness{cfg: cfg.HTTP, pool: a.pool, cache: c, log: log}, h)
	return a, nil
}

// openStores picks Postgres when a database URL is set and in-memory stores otherwise.
func (a *App) openStores(ctx context.Context, codec *token.Codec, digest *sectoken.Digester) (identity.UserStore, session.Store, error) {
	db := a.cfg.Database
	scfg := session.Config{RefreshTTL: codec.RefreshTTL(), Digester: digest, Schema: db.Schema}

	if db.URL == "" {
		a.log.Info("db.disabled.inmemory_store")
		users := identity.NewMemoryStore()
		sessions, err := session.NewMemoryStore(scfg, users)
		if err != nil {
			return nil, nil, err
		}
		users.OnDelete(sessions.DropUser)
		return users, sessions, nil
	}

	pool, err := NewDBPool(ctx, db, a.log)
	if err != nil {
		return nil, nil, err
	}
	a.pool = pool

	if db.AutoMigrate {
		if err := migrations.Up(ctx, pool, db.Schema); err != nil {
			return nil, nil, err
		}
		a.log.Info("db.migrated", zap.String("schema", db.Schema))
	}

	users, err := identity.NewPostgresStore(pool, identity.WithSchema(db.Schema))
	if err != nil {
		return nil, nil, err
	}
	sessions, err := session.NewPostgresStore(pool, scfg)
	if err != nil {
		return nil, nil, err
	}
	a.log.Info("db.enabled.postgres_store", zap.String("schema", db.Schema))
	return users, sessions, nil
}

// Handler exposes the router, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and the session reaper, and blocks until ctx ends or the
// server fails. Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	hc := a.cfg.HTTP
	srv := &http.Server{
		Addr:              hc.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(hc.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(hc.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(hc.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(hc.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(hc.MaxHeaderBytes, 1<<20),
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	reaped := make(chan struct{})
	go func() {
		defer close(reaped)
		a.reap(runCtx)
	}()

	a.log.Info("server.start", zap.String("addr", hc.Addr), zap.Bool("db_enabled", a.pool != nil), zap.Bool("cache_enabled", a.rdb != nil))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", zap.String("reason", "context_done"))
	case runErr = <-errCh:
		a.log.Error("server.fail", zap.Error(runErr))
	}

	stop()
	<-reaped

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(hc.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", zap.Error(err))
			runErr = err
		}
	}
	a.close(shutdownCtx)

	a.log.Info("server.stopped")
	return runErr
}

// reap purges expired sessions every ReapInterval until ctx ends.
func (a *App) reap(ctx context.Context) {
	every := a.cfg.Sessions.ReapInterval
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.repo.Reap(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.log.Warn("sessions.reap.fail", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				a.log.Info("sessions.reaped", zap.Int64("count", n))
			}
		}
	}
}

// close releases resources in reverse order of acquisition. Safe on a partly built App.
func (a *App) close(ctx context.Context) {
	if a.pub != nil {
		a.pub.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn("redis.close.fail", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTracer != nil {
		_ = a.shutdownTracer(ctx)
	}
	_ = a.log.Sync()
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
