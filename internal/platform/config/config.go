package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	TokenStorePostgres = "postgres"
	TokenStoreRedis    = "redis"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	TwitchClientID     string   `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string   `env:"TWITCH_CLIENT_SECRET"`
	BotLogin           string   `env:"TWITCH_BOT_LOGIN"`
	BroadcasterLogins  []string `env:"BROADCASTER_LOGINS"`

	TokenStore         string `env:"TOKEN_STORE" default:"postgres"`
	DatabaseURL        string `env:"DATABASE_URL"`
	RedisURL           string `env:"REDIS_URL"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	TokenValidationInterval  time.Duration `env:"TOKEN_VALIDATION_INTERVAL" default:"30s"`
	TokenExpirationThreshold time.Duration `env:"TOKEN_EXPIRATION_THRESHOLD" default:"60s"`

	EventSubWebSocketURL string        `env:"EVENTSUB_WEBSOCKET_URL" default:"wss://eventsub.wss.twitch.tv/ws"`
	HandshakeTimeout     time.Duration `env:"HANDSHAKE_TIMEOUT" default:"10s"`
	TwitchOAuthURL       string        `env:"TWITCH_OAUTH_URL" default:"https://id.twitch.tv/oauth2"`
	HelixAPIURL          string        `env:"HELIX_API_URL" default:"https://api.twitch.tv/helix"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.BotLogin = strings.ToLower(strings.TrimSpace(cfg.BotLogin))
	cfg.BroadcasterLogins = normalizeLogins(cfg.BroadcasterLogins)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalizeLogins(logins []string) []string {
	out := make([]string, 0, len(logins))
	for _, l := range logins {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

func validate(cfg *Config) error {
	required := map[string]string{
		"TWITCH_CLIENT_ID":     cfg.TwitchClientID,
		"TWITCH_CLIENT_SECRET": cfg.TwitchClientSecret,
		"TWITCH_BOT_LOGIN":     cfg.BotLogin,
	}
	switch cfg.TokenStore {
	case TokenStorePostgres:
		required["DATABASE_URL"] = cfg.DatabaseURL
	case TokenStoreRedis:
		required["REDIS_URL"] = cfg.RedisURL
	default:
		return fmt.Errorf("TOKEN_STORE must be %q or %q, got %q", TokenStorePostgres, TokenStoreRedis, cfg.TokenStore)
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if len(cfg.BroadcasterLogins) == 0 {
		return errors.New("BROADCASTER_LOGINS must name at least one broadcaster")
	}

	if cfg.TokenValidationInterval <= 0 {
		return errors.New("TOKEN_VALIDATION_INTERVAL must be positive")
	}
	if cfg.TokenValidationInterval >= cfg.TokenExpirationThreshold {
		return fmt.Errorf("TOKEN_VALIDATION_INTERVAL (%s) must be shorter than TOKEN_EXPIRATION_THRESHOLD (%s)", cfg.TokenValidationInterval, cfg.TokenExpirationThreshold)
	}

	if cfg.TokenEncryptionKey == "" {
		if cfg.AppEnv == "production" {
			return errors.New("TOKEN_ENCRYPTION_KEY is required in production")
		}
		return nil
	}

	keyBytes, err := hex.DecodeString(cfg.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
	}

	return nil
}
