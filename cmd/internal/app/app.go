// Package app wires the ripple runtime: configuration, logging, storage,
// the HTTP surface and the realtime fabric.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ripple/cmd/identity"
	"ripple/cmd/internal/auth/api"
	"ripple/cmd/internal/auth/session"
	"ripple/cmd/internal/feed"
	"ripple/cmd/internal/messaging"
	"ripple/cmd/internal/ratelimit"
	"ripple/cmd/internal/realtime"
	"ripple/cmd/security/password"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool
	redis     *redis.Client

	limiter  ratelimit.Limiter
	sessions *session.Service

	auth      *api.Handler
	feed      *feed.Handler
	messaging *messaging.Handler
	router    *realtime.Router
	gateway   *realtime.Gateway
}

// deferredPublisher breaks the construction cycle between the messaging
// service and the event router (service -> router -> registry -> service).
// It is bound once inside New, before anything can publish.
type deferredPublisher struct {
	r *realtime.Router
}

func (p *deferredPublisher) set(r *realtime.Router) { p.r = r }

func (p *deferredPublisher) Publish(ev realtime.Event) {
	if p.r != nil {
		p.r.Publish(ev)
	}
}

// New constructs a fully wired App. With RIPPLE_DATABASE_URL unset it runs
// on in-memory stores with ephemeral signing material: every restart wipes
// users, posts, conversations and sessions.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogPretty)
	}

	a := &App{log: log}

	fail := func(err error) (*App, error) {
		if a.redis != nil {
			_ = a.redis.Close()
		}
		if a.dbPool != nil {
			a.dbPool.Close()
		}
		return nil, err
	}

	var (
		userStore identity.Store
		sessStore session.Store
		feedStore feed.Store
		msgStore  messaging.Store
	)

	if cfg.DatabaseURL == "" {
		log.Warn("db.disabled.inmemory_store")
		userStore = identity.NewMemoryStore()
		sessStore = session.NewMemoryStore()
		feedStore = feed.NewMemoryStore()
		msgStore = messaging.NewMemoryStore()

		if cfg.Session.SigningSecret == "" {
			secret, err := ephemeralSecret()
			if err != nil {
				return fail(err)
			}
			cfg.Session.SigningSecret = secret
			log.Warn("auth.secret.ephemeral", "var", "RIPPLE_AUTH_JWT_SECRET")
		}
		if cfg.Session.RefreshHashKey == "" {
			key, err := ephemeralSecret()
			if err != nil {
				return fail(err)
			}
			cfg.Session.RefreshHashKey = key
			log.Warn("auth.secret.ephemeral", "var", "RIPPLE_AUTH_REFRESH_HMAC_KEY")
		}
	} else {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.dbPool = pool
		a.dbEnabled = true

		if err := RunMigrations(log, cfg); err != nil {
			return fail(err)
		}

		users, err := identity.NewPostgresStore(pool)
		if err != nil {
			return fail(err)
		}
		sessions, err := session.NewPostgresStore(pool)
		if err != nil {
			return fail(err)
		}
		posts, err := feed.NewPostgresStore(pool)
		if err != nil {
			return fail(err)
		}
		threads, err := messaging.NewPostgresStore(pool)
		if err != nil {
			return fail(err)
		}
		userStore, sessStore, feedStore, msgStore = users, sessions, posts, threads

		log.Info("db.enabled.postgres_store")
	}

	if cfg.RedisURL != "" {
		client, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		a.redis = client
		a.limiter = ratelimit.NewRedisLimiter(client)
		log.Info("ratelimit.redis_store")
	} else {
		a.limiter = ratelimit.NewMemoryLimiter()
		log.Info("ratelimit.inmemory_store")
	}

	// Messaging publishes through the router, the router resolves targets
	// through the registry, and the registry asks messaging who a user's
	// conversation peers are. The deferred publisher closes that loop.
	events := &deferredPublisher{}
	msgSvc := messaging.NewService(log, msgStore, userStore, events)
	registry := realtime.NewRegistry(log, msgSvc)
	router := realtime.NewRouter(log, registry)
	events.set(router)

	sessions, err := session.NewService(cfg.Session, log, sessStore, userStore, router)
	if err != nil {
		return fail(err)
	}

	authz := api.NewAuth(log, sessions, userStore)
	authHandler := api.NewHandler(log, cfg.API, userStore, sessions, password.DefaultConfig(), authz,
		api.WithRateLimiter(a.limiter),
		api.WithRecorder(api.NewRecorder(log, a.dbPool)),
	)

	feedSvc := feed.NewService(log, feedStore, router)

	gwCfg := realtime.DefaultGatewayConfig()
	gwCfg.OriginRequired = cfg.WSOriginRequired
	if len(cfg.WSAllowedOrigins) > 0 {
		gwCfg.AllowedOrigins = cfg.WSAllowedOrigins
	}
	gwCfg.DevInsecure = cfg.WSDevInsecure

	a.cfg = cfg
	a.sessions = sessions
	a.router = router
	a.gateway = realtime.NewGateway(log, gwCfg, sessions, registry, router)
	a.auth = authHandler
	a.feed = feed.NewHandler(log, feedSvc, authz, cfg.API.MaxBodyBytes)
	a.messaging = messaging.NewHandler(log, msgSvc, authz, cfg.API.MaxBodyBytes)

	return a, nil
}

// Run serves until ctx is cancelled or a component fails, then drains
// everything gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.newRouter(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	baseURL := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", baseURL,
		"ws", wsBaseURL(baseURL)+"/v1/notifications/ws",
		"db_enabled", a.dbEnabled,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return a.router.Run(ctx)
	})

	g.Go(func() error {
		a.janitorLoop(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.close()

	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

// janitorLoop periodically retires expired refresh records and prunes the
// in-memory limiter's dead windows.
func (a *App) janitorLoop(ctx context.Context) {
	interval := nonZeroDuration(a.cfg.JanitorInterval, 5*time.Minute)
	retention := nonZeroDuration(a.cfg.JanitorRetention, 30*24*time.Hour)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			marked, deleted, err := a.sessions.PurgeExpired(ctx, now.UTC(), retention)
			if err != nil {
				a.log.Error("session.janitor.fail", "err", err)
			} else if marked > 0 || deleted > 0 {
				a.log.Info("session.janitor.purge", "marked", marked, "deleted", deleted)
			}
			if mem, ok := a.limiter.(*ratelimit.MemoryLimiter); ok {
				mem.Prune(now)
			}
		}
	}
}

func (a *App) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
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

// runtimeBaseURL renders the HTTP origin a developer can actually open when
// the server binds a wildcard address.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return "http://" + host + ":" + port
}

// wsBaseURL maps an http(s) origin onto its websocket scheme.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
