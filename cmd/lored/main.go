// Command lored is the thin Lore server launcher: it reads its
// configuration from the environment and runs internal/server until
// interrupted, the same signal-driven shutdown shape as the teacher's
// "same web" command (cmd/same/web_cmd.go).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/sgx-labs/lore/internal/server"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "lored: failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(log); err != nil {
		log.Fatal("lored exiting", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg := server.Config{
		DBPath:       envOr("LORE_DB_PATH", "./lore.db"),
		Dims:         envInt("LORE_EMBED_DIMS", 768),
		RateLimitRPM: envInt("LORE_RATE_LIMIT_RPM", server.DefaultRateLimitRPM),
		Logger:       log,
	}
	if lambda := os.Getenv("LORE_DECAY_LAMBDA"); lambda != "" {
		if v, err := strconv.ParseFloat(lambda, 64); err == nil {
			cfg.Lambda = v
		}
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("starting lore server: %w", err)
	}
	defer srv.Close()

	addr := envOr("LORE_LISTEN_ADDR", "127.0.0.1:4099")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("lored ready", zap.String("addr", addr), zap.String("db_path", cfg.DBPath))
	return srv.Serve(ctx, addr)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
