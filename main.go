// Command backend is the main entrypoint for the calldeck API and background workers.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the artifact sweep job that retries unresolved recordings.
//   - Exposes the HTTP API: session join/read, vendor webhooks, /healthz,
//     /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/calldeck/backend/artifact"
	"github.com/calldeck/backend/config"
	"github.com/calldeck/backend/db"
	"github.com/calldeck/backend/ingest"
	"github.com/calldeck/backend/recallapi"
	"github.com/calldeck/backend/relay"
	"github.com/calldeck/backend/server"
	"github.com/calldeck/backend/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateVendorReady(); err != nil {
		// Outbound vendor calls will fail until RECALL_API_KEY is set, but
		// reads and webhook ingestion still work.
		slog.Warn("vendor credentials incomplete", slog.Any("err", err))
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("calldeck", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Migrations: versioned (golang-migrate) first, embedded SQL as fallback
	// for deployments predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vendor := &recallapi.Client{
		BaseURL: cfg.RecallBaseURL,
		APIKey:  cfg.RecallAPIKey,
		BotName: cfg.BotName,
	}
	resolver := &artifact.Resolver{
		Client:        vendor,
		PollInterval:  cfg.ResolvePollInterval,
		MaxPolls:      cfg.ResolveMaxPolls,
		MediaInterval: cfg.MediaRetryInterval,
		MediaAttempts: cfg.MediaMaxAttempts,
	}

	var publisher ingest.Publisher
	if cfg.RelayURL != "" {
		publisher = &relay.Client{BaseURL: cfg.RelayURL}
	}
	ingestor := ingest.New(ctx, database, resolver, publisher)

	go ingestor.StartArtifactSweepJob(ctx)

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handlers := server.NewHandlers(ctx, database, cfg, vendor, ingestor)
	go func() {
		if err := server.Start(ctx, addr, handlers); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()
	slog.Info("calldeck api listening", slog.String("addr", addr))

	<-ctx.Done()
	slog.Info("shutting down")
}

// setupLogging configures slog level and format from LOG_LEVEL / LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}

func startPprof() {
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
