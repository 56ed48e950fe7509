package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/park285/cheese-duel/internal/store"
)

type AppConfig struct {
	Addr string

	// RedisURL and DatabaseURL are optional; without them matches live only
	// in memory and results are not archived.
	RedisURL    string
	DatabaseURL string

	RelayURL     string
	RelaySecret  string
	RelayTimeout time.Duration

	HistoryLimit     int
	MaxSessions      int
	SubscriberBuffer int
	PingInterval     time.Duration

	AllowedOrigins []string
	MessagesDir    string
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		Addr:             ":8080",
		RelayTimeout:     5 * time.Second,
		HistoryLimit:     2048,
		MaxSessions:      200,
		SubscriberBuffer: 64,
		PingInterval:     30 * time.Second,
	}

	if v := env("DUEL_ADDR"); v != "" {
		cfg.Addr = v
	}
	cfg.RedisURL = env("REDIS_URL")
	cfg.DatabaseURL = env("DATABASE_URL")
	cfg.RelayURL = env("DUEL_RELAY_URL")
	cfg.RelaySecret = env("DUEL_RELAY_SECRET")
	cfg.MessagesDir = env("DUEL_MESSAGES_DIR")
	cfg.AllowedOrigins = list(env("DUEL_ALLOWED_ORIGINS"))

	if n, ok := positive("DUEL_HISTORY_LIMIT"); ok {
		cfg.HistoryLimit = n
	}
	if n, ok := positive("DUEL_MAX_SESSIONS"); ok {
		cfg.MaxSessions = n
	}
	if n, ok := positive("DUEL_SUBSCRIBER_BUFFER"); ok {
		cfg.SubscriberBuffer = n
	}
	if d, ok := duration("DUEL_PING_INTERVAL"); ok {
		cfg.PingInterval = d
	}
	if d, ok := duration("DUEL_RELAY_TIMEOUT"); ok {
		cfg.RelayTimeout = d
	}

	if cfg.RedisURL != "" {
		if _, err := store.ParseRedisURL(cfg.RedisURL); err != nil {
			return nil, fmt.Errorf("REDIS_URL: %w", err)
		}
	}
	if cfg.RelayURL != "" && !strings.HasPrefix(cfg.RelayURL, "http://") && !strings.HasPrefix(cfg.RelayURL, "https://") {
		return nil, fmt.Errorf("DUEL_RELAY_URL must be http(s): %q", cfg.RelayURL)
	}
	return cfg, nil
}

func env(key string) string { return strings.TrimSpace(os.Getenv(key)) }

func list(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// positive reads an int > 0; anything else keeps the default.
func positive(key string) (int, bool) {
	v := env(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// duration accepts Go durations ("45s") or bare seconds.
func duration(key string) (time.Duration, bool) {
	v := env(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}
