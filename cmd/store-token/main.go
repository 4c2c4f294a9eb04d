// Command store-token seeds the token store with a credential obtained from
// a refresh token, so the bot can bootstrap the identity on its next start.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pscheid92/chatguard/internal/adapter/postgres"
	"github.com/pscheid92/chatguard/internal/adapter/redis"
	"github.com/pscheid92/chatguard/internal/crypto"
	"github.com/pscheid92/chatguard/internal/domain"
	"github.com/pscheid92/chatguard/internal/platform/config"
	"github.com/pscheid92/chatguard/internal/platform/logging"
	"github.com/pscheid92/chatguard/internal/twitch"
)

func main() {
	_ = godotenv.Load()

	var (
		login         = flag.String("login", "", "Twitch login the token belongs to")
		refreshToken  = flag.String("refresh-token", os.Getenv("TWITCH_REFRESH_TOKEN"), "OAuth refresh token (or set TWITCH_REFRESH_TOKEN env)")
		store         = flag.String("store", envOr("TOKEN_STORE", config.TokenStorePostgres), "Token store: postgres or redis (or set TOKEN_STORE env)")
		databaseURL   = flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres URL (or set DATABASE_URL env)")
		redisURL      = flag.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		encryptionKey = flag.String("encryption-key", os.Getenv("TOKEN_ENCRYPTION_KEY"), "Hex AES-256 key (or set TOKEN_ENCRYPTION_KEY env)")
		oauthURL      = flag.String("oauth-url", envOr("TWITCH_OAUTH_URL", twitch.DefaultOAuthURL), "Twitch OAuth base URL")
		dryRun        = flag.Bool("dry-run", false, "Dry run mode (don't write to the store)")
		verbose       = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *login == "" || *refreshToken == "" {
		log.Fatal("--login and --refresh-token are required")
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.InitLogger(level, "text")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	oauth := twitch.NewOAuthClient(os.Getenv("TWITCH_CLIENT_ID"), os.Getenv("TWITCH_CLIENT_SECRET"), *oauthURL)
	cred, err := seedCredential(ctx, oauth, *login, *refreshToken, time.Now())
	if err != nil {
		log.Fatalf("Failed to obtain token: %v", err)
	}
	slog.Info("Token obtained", "login", cred.Login, "user_id", cred.UserID, "expires_at", cred.ExpiresAt)

	if *dryRun {
		slog.Info("Dry run, not saving")
		return
	}

	cryptoSvc, err := newCrypto(*encryptionKey)
	if err != nil {
		log.Fatalf("Failed to create crypto service: %v", err)
	}

	tokenStore, closeStore, err := openStore(ctx, *store, *databaseURL, *redisURL, cryptoSvc)
	if err != nil {
		log.Fatalf("Failed to open token store: %v", err)
	}
	defer closeStore()

	if err := tokenStore.Save(ctx, cred.Login, cred); err != nil {
		log.Fatalf("Failed to save token: %v", err)
	}
	slog.Info("Token stored", "login", cred.Login, "store", *store)
}

// seedCredential exchanges refreshToken and validates the result. The token
// must belong to login.
func seedCredential(ctx context.Context, oauth twitch.OAuthAPI, login, refreshToken string, now time.Time) (domain.Credential, error) {
	login = strings.ToLower(strings.TrimSpace(login))

	tok, err := oauth.Refresh(ctx, refreshToken)
	if err != nil {
		return domain.Credential{}, err
	}

	v, err := oauth.Validate(ctx, tok.AccessToken)
	if err != nil {
		return domain.Credential{}, err
	}
	if v.Login != "" && !strings.EqualFold(v.Login, login) {
		return domain.Credential{}, fmt.Errorf("token belongs to %q, not %q", v.Login, login)
	}

	cred := domain.Credential{
		Login:        login,
		UserID:       v.UserID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

func newCrypto(hexKey string) (crypto.Service, error) {
	if hexKey == "" {
		slog.Warn("No encryption key, token is stored in plaintext")
		return crypto.NoopService{}, nil
	}
	return crypto.NewAesGcmService(hexKey)
}

func openStore(ctx context.Context, kind, databaseURL, redisURL string, cryptoSvc crypto.Service) (domain.TokenStore, func(), error) {
	switch kind {
	case config.TokenStorePostgres:
		if databaseURL == "" {
			return nil, nil, errors.New("database URL required (--database-url or DATABASE_URL env)")
		}
		pool, err := postgres.Connect(ctx, databaseURL, nil)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.NewIdentityStore(pool, cryptoSvc), pool.Close, nil
	case config.TokenStoreRedis:
		if redisURL == "" {
			return nil, nil, errors.New("redis URL required (--redis or REDIS_URL env)")
		}
		client, err := redis.NewClient(ctx, redisURL)
		if err != nil {
			return nil, nil, err
		}
		return redis.NewIdentityStore(client, cryptoSvc), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown token store %q", kind)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
