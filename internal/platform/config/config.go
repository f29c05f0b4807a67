package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures process-level configuration. Vendor base URLs are
// overridable so protocol tests can point the client at a local server.
type Config struct {
	Addr          string
	JWTSigningKey string

	// RedisURL selects the redis-backed session store when set; the
	// in-memory store is the default.
	RedisURL          string
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisDialTimeout  time.Duration
	RedisReadTimeout  time.Duration
	RedisWriteTimeout time.Duration

	AccountBaseURL string
	APIBaseURL     string

	HandshakeTimeout time.Duration
	LongPollTimeout  time.Duration
	SessionTTL       time.Duration
	CredentialTTL    time.Duration
	SweepInterval    time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := Config{
		Addr:              envOr("MIHOME_ADDR", ":8080"),
		JWTSigningKey:     os.Getenv("MIHOME_JWT_SIGNING_KEY"),
		RedisURL:          os.Getenv("MIHOME_REDIS_URL"),
		RedisPoolSize:     envIntOr("MIHOME_REDIS_POOL_SIZE", 10),
		RedisMinIdleConns: envIntOr("MIHOME_REDIS_MIN_IDLE_CONNS", 2),
		RedisDialTimeout:  5 * time.Second,
		RedisReadTimeout:  3 * time.Second,
		RedisWriteTimeout: 3 * time.Second,
		AccountBaseURL:    envOr("MIHOME_ACCOUNT_BASE_URL", "https://account.xiaomi.com"),
		APIBaseURL:        envOr("MIHOME_API_BASE_URL", "https://api.io.mi.com/app"),
		HandshakeTimeout:  10 * time.Second,
		LongPollTimeout:   60 * time.Second,
		SessionTTL:        5 * time.Minute,
		CredentialTTL:     30 * 24 * time.Hour,
		SweepInterval:     time.Minute,
	}
	if cfg.JWTSigningKey == "" {
		// Use a default for development - should be overridden in production
		cfg.JWTSigningKey = "dev-secret-key-change-in-production"
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
