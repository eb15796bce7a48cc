// Command relay is the standalone broadcast relay. The API process forwards
// transcript payloads here over HTTP, and live viewers receive them as
// server-sent events. Running it as its own process keeps slow viewers from
// ever touching the ingestion path.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/calldeck/backend/relay"
	"github.com/calldeck/backend/telemetry"
)

func main() {
	_ = godotenv.Load(".env")

	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := os.Getenv("RELAY_ADDR")
	if addr == "" {
		addr = ":8081"
	}
	reg := relay.NewRegistry()
	slog.Info("relay listening", slog.String("addr", addr))
	if err := relay.Start(ctx, reg, addr); err != nil {
		slog.Error("relay server exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}
