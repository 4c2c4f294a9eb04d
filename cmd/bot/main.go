package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/chatguard/internal/adapter/httpserver"
	"github.com/pscheid92/chatguard/internal/adapter/metrics"
	"github.com/pscheid92/chatguard/internal/adapter/postgres"
	"github.com/pscheid92/chatguard/internal/adapter/redis"
	"github.com/pscheid92/chatguard/internal/app"
	"github.com/pscheid92/chatguard/internal/crypto"
	"github.com/pscheid92/chatguard/internal/domain"
	"github.com/pscheid92/chatguard/internal/platform/config"
	"github.com/pscheid92/chatguard/internal/platform/logging"
	"github.com/pscheid92/chatguard/internal/platform/version"
	"github.com/pscheid92/chatguard/internal/twitch"
	"golang.org/x/sync/errgroup"
)

// pingStore is a token store the readiness probe can reach.
type pingStore interface {
	domain.TokenStore
	Ping(ctx context.Context) error
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupCrypto(cfg *config.Config) crypto.Service {
	if cfg.TokenEncryptionKey == "" {
		slog.Warn("TOKEN_ENCRYPTION_KEY not set, tokens are stored in plaintext")
		return crypto.NoopService{}
	}
	svc, err := crypto.NewAesGcmService(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("Failed to create crypto service", "error", err)
		os.Exit(1)
	}
	return svc
}

func setupPostgres(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, metrics.NewDBMetrics(reg))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	return pool
}

// setupStore returns the configured token store and a close function.
func setupStore(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, recorder *metrics.Recorder) (pingStore, func()) {
	cryptoSvc := setupCrypto(cfg)

	switch cfg.TokenStore {
	case config.TokenStoreRedis:
		hook := redis.NewBreakerHook(func(state string) {
			recorder.CircuitStateChanged("redis", state)
		})
		client, err := redis.NewClient(ctx, cfg.RedisURL, hook)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		return redis.NewIdentityStore(client, cryptoSvc), func() { _ = client.Close() }
	default:
		pool := setupPostgres(ctx, cfg, reg)
		return postgres.NewIdentityStore(pool, cryptoSvc), pool.Close
	}
}

func setupOpsServer(cfg *config.Config, reg *prometheus.Registry, store pingStore, bot *app.Bot) *httpserver.Server {
	return httpserver.NewServer(httpserver.Options{
		Port:       cfg.Port,
		Metrics:    metrics.Handler(reg),
		Middleware: []echo.MiddlewareFunc{metrics.NewOpsMetrics(reg).Middleware()},
		HealthChecks: []httpserver.HealthCheck{
			{Name: "token_store", Check: store.Ping},
			{Name: "eventsub_session", Check: bot.CheckSession},
		},
		Status: func(ctx context.Context) any { return bot.Status(ctx) },
		Liveness: func() httpserver.Liveness {
			return httpserver.Liveness{
				SessionState:         bot.SessionState(),
				QueueDepth:           bot.Events().Len(),
				DegradedBroadcasters: bot.DegradedBroadcasters(),
			}
		},
	})
}

func main() {
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting",
		"env", cfg.AppEnv,
		"version", version.Version,
		"instance_id", version.InstanceID(),
		"bot", cfg.BotLogin,
		"broadcasters", len(cfg.BroadcasterLogins),
		"token_store", cfg.TokenStore,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	recorder := metrics.NewRecorder(reg)

	store, closeStore := setupStore(ctx, cfg, reg, recorder)
	defer closeStore()

	helixClient, err := twitch.NewHelixClient(cfg.TwitchClientID, cfg.HelixAPIURL, recorder)
	if err != nil {
		slog.Error("Failed to create Helix client", "error", err)
		os.Exit(1)
	}

	bot, err := app.Build(ctx, app.Options{
		BotLogin:            cfg.BotLogin,
		BroadcasterLogins:   cfg.BroadcasterLogins,
		ConnectURL:          cfg.EventSubWebSocketURL,
		ValidationInterval:  cfg.TokenValidationInterval,
		ExpirationThreshold: cfg.TokenExpirationThreshold,
	}, app.Deps{
		Store:    store,
		OAuth:    twitch.NewOAuthClient(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchOAuthURL),
		Helix:    helixClient,
		Dialer:   twitch.NewTransport(cfg.HandshakeTimeout),
		Recorder: recorder,
	})
	if err != nil {
		if errors.Is(err, domain.ErrBotTokenNotFound) {
			slog.Error("No bot token stored, run store-token first", "login", cfg.BotLogin, "error", err)
		} else {
			slog.Error("Failed to build bot", "error", err)
		}
		os.Exit(1)
	}

	srv := setupOpsServer(cfg, reg, store, bot)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Start(gctx) })
	g.Go(func() error { return app.NewModerationLog(bot.Events(), recorder).Run(gctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		var identityErr *twitch.IdentityError
		if errors.As(err, &identityErr) {
			slog.Error("Bot identity failed", "login", identityErr.Key, "role", identityErr.Role, "error", identityErr.Err)
		} else {
			slog.Error("Bot stopped", "error", err)
		}
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}
