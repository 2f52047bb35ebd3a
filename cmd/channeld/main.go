package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bnxthealth/channeld/internal/api"
	"github.com/bnxthealth/channeld/internal/bootstrap"
	"github.com/bnxthealth/channeld/internal/config"
	"github.com/bnxthealth/channeld/internal/endpoint"
	"github.com/bnxthealth/channeld/internal/gateway"
	"github.com/bnxthealth/channeld/internal/janitor"
	"github.com/bnxthealth/channeld/internal/metrics"
	"github.com/bnxthealth/channeld/internal/pending"
	"github.com/bnxthealth/channeld/internal/pipeline"
	"github.com/bnxthealth/channeld/internal/postgres"
	"github.com/bnxthealth/channeld/internal/profile"
	"github.com/bnxthealth/channeld/internal/pubsub"
	"github.com/bnxthealth/channeld/internal/redisx"
	"github.com/bnxthealth/channeld/internal/router"
	"github.com/bnxthealth/channeld/internal/table"
	"github.com/bnxthealth/channeld/internal/task"
	"github.com/bnxthealth/channeld/internal/token"
)

// version is stamped by the build; the default marks local builds.
var version = "dev"

const (
	redisDialTimeout = 5 * time.Second
	shutdownTimeout  = 10 * time.Second
	relayRestartWait = 5 * time.Second
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	log.Logger = log.Logger.Level(logLevel(cfg.LogLevel))

	log.Info().Str("env", cfg.ServerEnv).Str("version", version).Msg("Starting channeld")

	if cfg.CORSAllowedOrigins == "*" {
		log.Warn().Msg("CORS_ALLOWED_ORIGINS is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := redisx.Connect(ctx, cfg.RedisURL, redisDialTimeout)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Redis connected")

	firstRun, err := bootstrap.IsFirstRun(ctx, db)
	if err != nil {
		return fmt.Errorf("check first run: %w", err)
	}
	if firstRun {
		log.Info().Msg("First run detected, running initialization")
		if err := bootstrap.RunFirstInit(ctx, db, log.Logger); err != nil {
			return fmt.Errorf("first-run initialization: %w", err)
		}
		log.Info().Msg("First-run initialization complete")
	}

	// Shared tables. These live for the process; reloads never touch them.
	subs := table.NewSubscriptions(cfg.SubscriptionsCap)
	auth := table.NewAuthStore(cfg.AuthCap)
	rate := table.NewRateStore(cfg.RateCap, cfg.RateLimitPerSec, cfg.RateLimitBurst)
	cache := table.NewCache(cfg.CacheCap)

	codec, err := token.NewCodec(cfg.JWTSecret, cfg.JWTXORKey, cfg.TrustProxy)
	if err != nil {
		return fmt.Errorf("build token codec: %w", err)
	}
	resolver := profile.NewResolver(profile.NewPGRepository(db, log.Logger), log.Logger)
	authn := pipeline.NewAuthenticator(codec, resolver, cfg.FingerprintMode)

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	bus := task.NewBus(log.Logger)
	pipe := pipeline.New(authn, auth, router.New(cfg.SystemKey, log.Logger), m, log.Logger)
	hub := gateway.NewHub(cfg, authn, pipe, subs, auth, rate, bus, m, log.Logger)
	bus.SetNotifier(hub)

	publisher := pubsub.NewPublisher(subs, hub, m, log.Logger)
	pendingStore := pending.NewStore(rdb, cfg.PendingMaxPerAccount, cfg.PendingTTL)

	// Route table and task pool. Both are rebuilt on SIGHUP; everything
	// above survives a reload.
	pool, client := buildWorkers(cfg, bus, m)
	rt, tasks := buildRoutes(cfg, db, rdb, cache, hub, resolver, client, publisher, pendingStore)
	pipe.SetRouter(rt)
	pool.SetHandlers(tasks)
	pool.Start()

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	go runRelay(relayCtx, pubsub.NewRelay(rdb, publisher, cfg.EventsChannel, log.Logger))

	jan := janitor.New(cache, subs, m, log.Logger)
	if err := jan.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}

	srv := api.New(cfg, pipe, hub, reg, log.Logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigs {
			if sig == syscall.SIGHUP {
				pool = reload(ctx, pool, pipe, bus, m, db, rdb, cache, hub, resolver, publisher, pendingStore)
				continue
			}

			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			stopRelay()
			jan.Stop()
			hub.Shutdown()

			drainCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			if err := pool.Shutdown(drainCtx); err != nil {
				log.Warn().Err(err).Msg("Task pool did not drain cleanly")
			}
			if err := srv.Shutdown(drainCtx); err != nil {
				log.Warn().Err(err).Msg("HTTP server did not stop cleanly")
			}
			cancel()
			return
		}
	}()

	log.Info().Str("addr", cfg.Addr()).Msg("Listening")
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info().Msg("Server stopped cleanly")
	return nil
}

// reload re-reads the environment and rebuilds the route table and task pool
// against the fresh config. The listener, hub connections, and shared tables
// are untouched; in-flight correlations survive because the bus is shared.
// Returns the pool now serving, which is the old one when the reload aborts.
func reload(
	ctx context.Context,
	oldPool *task.Pool,
	pipe *pipeline.Pipeline,
	bus *task.Bus,
	m *metrics.Metrics,
	db *pgxpool.Pool,
	rdb *redis.Client,
	cache *table.Cache,
	hub *gateway.Hub,
	resolver *profile.Resolver,
	publisher *pubsub.Publisher,
	pendingStore *pending.Store,
) *task.Pool {
	log.Info().Msg("SIGHUP received, reloading")

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Reload aborted, config invalid")
		return oldPool
	}

	pool, client := buildWorkers(cfg, bus, m)
	rt, tasks := buildRoutes(cfg, db, rdb, cache, hub, resolver, client, publisher, pendingStore)
	pool.SetHandlers(tasks)
	pool.Start()
	pipe.SetRouter(rt)
	resolver.Flush()

	drainCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := oldPool.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Old task pool did not drain cleanly")
	}

	log.Info().Msg("Reload complete")
	return pool
}

// buildWorkers creates a task pool and its dispatch client on the shared bus.
func buildWorkers(cfg *config.Config, bus *task.Bus, m *metrics.Metrics) (*task.Pool, *task.Client) {
	pool := task.NewPool(bus, cfg.TaskWorkerNum, cfg.TaskQueueSize, cfg.TaskTimeout, m, log.Logger)
	return pool, task.NewClient(pool, bus, cfg.TaskTimeout, log.Logger)
}

// buildRoutes loads the stock modules into a fresh route table and returns it
// with the task handler map the pool registers.
func buildRoutes(
	cfg *config.Config,
	db *pgxpool.Pool,
	rdb *redis.Client,
	cache *table.Cache,
	hub *gateway.Hub,
	resolver *profile.Resolver,
	client *task.Client,
	publisher *pubsub.Publisher,
	pendingStore *pending.Store,
) (*router.Router, map[string]task.Handler) {
	internalAPI := endpoint.NewInternalAPI(cache, hub, resolver, client)

	rt := router.New(cfg.SystemKey, log.Logger)
	rt.Load(
		endpoint.NewSystem("channeld", version, db, redisPinger{client: rdb}),
		endpoint.NewNotify(publisher, pendingStore),
		endpoint.NewWS(pendingStore),
		internalAPI,
	)
	return rt, internalAPI.Tasks()
}

// runRelay keeps the relay subscribed until ctx is canceled, restarting after
// transient Redis failures.
func runRelay(ctx context.Context, relay *pubsub.Relay) {
	for {
		err := relay.Run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Msg("Relay stopped, restarting in 5s")
		select {
		case <-ctx.Done():
			return
		case <-time.After(relayRestartWait):
		}
	}
}

// redisPinger adapts *redis.Client to the endpoint.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func logLevel(name string) zerolog.Level {
	switch name {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
