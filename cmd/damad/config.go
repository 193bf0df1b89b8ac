package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config collects everything damad needs to start. Values come from flags,
// with DAMA_* environment variables (or a .env file) as defaults, so the
// same binary runs locally and behind an orchestrator.
type Config struct {
	Addr        string
	RedisURL    string
	PostgresDSN string
	TurnTimeout time.Duration
	DebugLevel  string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadConfig() (*Config, error) {
	// A missing .env file is the normal case in production.
	_ = godotenv.Load()

	cfg := &Config{}
	flag.StringVar(&cfg.Addr, "addr", envOr("DAMA_ADDR", ":8080"),
		"listen address for websocket clients")
	flag.StringVar(&cfg.RedisURL, "redis", envOr("DAMA_REDIS_URL", "redis://localhost:6379"),
		"redis url of the shared match registry")
	flag.StringVar(&cfg.PostgresDSN, "postgres", envOr("DAMA_POSTGRES_DSN", ""),
		"postgres dsn of the ledger database")
	flag.StringVar(&cfg.DebugLevel, "debuglevel", envOr("DAMA_DEBUG_LEVEL", "info"),
		"logging level (trace, debug, info, warn, error, critical)")

	timeout := flag.Duration("turntimeout", 0, "turn clock before a stalled game forfeits")
	flag.Parse()

	cfg.TurnTimeout = *timeout
	if cfg.TurnTimeout == 0 {
		if v := os.Getenv("DAMA_TURN_TIMEOUT"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid DAMA_TURN_TIMEOUT %q: %w", v, err)
			}
			cfg.TurnTimeout = d
		}
	}

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres dsn is required (set -postgres or DAMA_POSTGRES_DSN)")
	}
	return cfg, nil
}
