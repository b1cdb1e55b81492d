// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all env configuration vars for boxgate.
type Config struct {
	DatabaseURL    string
	RedisURL       string
	PrivateKeyPath string
	Port           string
	LogLevel       slog.Level

	// Issuer is the box endpoint written into every token's iss claim.
	Issuer string

	// Token lifetimes. Defaults: access 15m, refresh 720h (30d), security 10m.
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	SecurityTokenTTL time.Duration

	// Admin bootstrap. Both empty skips bootstrap; one without the other is an error.
	AdminUsername string
	AdminPassword string

	// Rate limit policy for token endpoints per client. Defaults: 20 per minute.
	RateTokenMax    int
	RateTokenWindow time.Duration

	// Rate limit policy for authenticated writes per client. Defaults: 120 per minute.
	RateClientMax    int
	RateClientWindow time.Duration

	// Process-wide cap on RSA handshakes. Defaults: 20/s, burst 40.
	HandshakeRPS   int
	HandshakeBurst int

	// Long-poll limits. Max timeout stays under the router's 30s request timeout.
	PollMaxTimeout   time.Duration
	PollDefaultCount int
	PollMaxCount     int
	NotifyMaxLen     int

	// LivenessStaleAfter marks a client offline when its last poll is older. Default 2m.
	LivenessStaleAfter time.Duration

	CORSAllowedOrigins []string
}

// requestTimeout mirrors the router's middleware.Timeout; polls must finish before it.
const requestTimeout = 30 * time.Second

// LoadConfig reads environment variables (and a .env file when present) and
// returns a validated Config. Returns an error if DATABASE_URL, REDIS_URL or
// BOX_PRIVATE_KEY_PATH is missing.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	cfg.PrivateKeyPath = os.Getenv("BOX_PRIVATE_KEY_PATH")
	if cfg.PrivateKeyPath == "" {
		return nil, fmt.Errorf("BOX_PRIVATE_KEY_PATH is required")
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.Issuer = os.Getenv("BOX_ENDPOINT")
	if cfg.Issuer == "" {
		cfg.Issuer = "http://localhost:" + cfg.Port
	}

	// Only RS256 is implemented; reject anything else rather than silently ignore it.
	if alg := os.Getenv("TOKEN_SIGNING_ALG"); alg != "" && alg != "RS256" {
		return nil, fmt.Errorf("TOKEN_SIGNING_ALG %q unsupported, only RS256", alg)
	}

	cfg.AccessTokenTTL = envDuration("ACCESS_TOKEN_TTL", 15*time.Minute)
	cfg.RefreshTokenTTL = envDuration("REFRESH_TOKEN_TTL", 720*time.Hour)
	cfg.SecurityTokenTTL = envDuration("SECURITY_TOKEN_TTL", 10*time.Minute)
	if cfg.AccessTokenTTL > cfg.RefreshTokenTTL {
		return nil, fmt.Errorf("ACCESS_TOKEN_TTL (%s) must not exceed REFRESH_TOKEN_TTL (%s)", cfg.AccessTokenTTL, cfg.RefreshTokenTTL)
	}

	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	if (cfg.AdminUsername == "") != (cfg.AdminPassword == "") {
		return nil, fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}

	// Rate limits fall back to defaults on bad values so a typo never disables limiting.
	cfg.RateTokenMax = envInt("RATE_TOKEN_MAX", 20)
	cfg.RateTokenWindow = envDuration("RATE_TOKEN_WINDOW", time.Minute)
	cfg.RateClientMax = envInt("RATE_CLIENT_MAX", 120)
	cfg.RateClientWindow = envDuration("RATE_CLIENT_WINDOW", time.Minute)

	cfg.HandshakeRPS = envInt("HANDSHAKE_RPS", 20)
	cfg.HandshakeBurst = envInt("HANDSHAKE_BURST", 40)

	cfg.PollMaxTimeout = envDuration("POLL_MAX_TIMEOUT", 25*time.Second)
	if cfg.PollMaxTimeout >= requestTimeout {
		return nil, fmt.Errorf("POLL_MAX_TIMEOUT must be under %s", requestTimeout)
	}
	cfg.PollDefaultCount = envInt("POLL_DEFAULT_COUNT", 10)
	cfg.PollMaxCount = envInt("POLL_MAX_COUNT", 100)
	cfg.NotifyMaxLen = envInt("NOTIFY_MAX_LEN", 10000)
	cfg.LivenessStaleAfter = envDuration("LIVENESS_STALE_AFTER", 2*time.Minute)

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	return cfg, nil
}

// envInt reads an env var as a positive int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as a positive time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
