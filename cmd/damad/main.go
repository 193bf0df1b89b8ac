package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/decred/slog"
	"github.com/redis/go-redis/v9"

	"github.com/Kaligetsagency/dama/ledger"
	"github.com/Kaligetsagency/dama/registry"
	"github.com/Kaligetsagency/dama/server"
)

func realMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend := slog.NewBackend(os.Stderr)
	log := backend.Logger("DAMA")
	regLog := backend.Logger("RGST")
	ledgLog := backend.Logger("LEDG")
	if level, ok := slog.LevelFromString(cfg.DebugLevel); ok {
		log.SetLevel(level)
		regLog.SetLevel(level)
		ledgLog.SetLevel(level)
	} else {
		return fmt.Errorf("unknown debug level %q", cfg.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	reg, err := registry.NewRedisRegistry(redisOpts, regLog)
	if err != nil {
		return fmt.Errorf("connecting to match registry: %w", err)
	}
	defer reg.Close()

	lg, err := ledger.NewPostgresGateway(cfg.PostgresDSN, ledgLog)
	if err != nil {
		return fmt.Errorf("connecting to ledger: %w", err)
	}
	defer lg.Close()

	srv := server.NewServer(&server.Config{
		Addr:        cfg.Addr,
		TurnTimeout: cfg.TurnTimeout,
		Log:         log,
	}, reg, lg)

	return srv.Run(ctx)
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
