// Command backend is the main entrypoint for the chataroo chat API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Connects the realtime broker client and the chat session manager.
//   - Starts the OAuth token refresher for Kick.
//   - Exposes the HTTP API: sessions, message streams, analytics, moderation,
//     giveaways, /healthz, /readyz, and /metrics.
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

	"github.com/chataroo/backend/chat"
	"github.com/chataroo/backend/config"
	"github.com/chataroo/backend/db"
	"github.com/chataroo/backend/emotes"
	"github.com/chataroo/backend/giveaway"
	"github.com/chataroo/backend/kickapi"
	"github.com/chataroo/backend/oauth"
	"github.com/chataroo/backend/realtime"
	"github.com/chataroo/backend/server"
	"github.com/chataroo/backend/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	// Configure logging (level + format). Defaults: level=info, format=text.
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

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chataroo-backend", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; fall back to embedded SQL when the
	// migration files are not shipped alongside the binary.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// OAuth config for the token source and refresher; login itself can stay
	// unconfigured for read-only usage.
	oc, ocErr := kickapi.NewOAuthConfig(cfg.KickClientID, cfg.KickClientSecret, cfg.KickRedirectURI, strings.Fields(cfg.KickScopes))
	if ocErr != nil {
		slog.Warn("kick oauth not configured; authorized endpoints disabled", slog.Any("err", ocErr))
	}

	// Platform API client with DB-backed token source
	kick := &kickapi.Client{TokenSource: &server.DBTokenSource{DB: database, Cfg: oc}}

	// Chat engine: store, realtime transport, manager, giveaways
	store := chat.NewStore(chat.WithBufferLimit(cfg.BufferLimit))
	transport := realtime.NewClient(cfg.BrokerURL)
	limiter := chat.NewRateLimiter(ctx, cfg.SendRPS)
	emoteProvider := emotes.NewProvider(nil)
	manager := chat.NewManager(store, transport, &kickapi.Directory{Client: kick},
		chat.WithEmoteSource(emoteProvider),
		chat.WithSender(&kickapi.Sender{Client: kick}, limiter),
		chat.WithPollInterval(cfg.PollInterval),
		chat.WithPruneInterval(cfg.PruneInterval),
	)
	giveaways := giveaway.NewTracker()
	store.OnMessage(giveaways.Hook)

	go func() {
		if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("realtime transport exited", slog.Any("err", err))
		}
	}()
	go manager.Run(ctx)

	// Reconnect bookmarked channels from the previous run. AUTOCONNECT_SAVED=0
	// opts out (e.g. for debugging against a clean session set).
	if os.Getenv("AUTOCONNECT_SAVED") != "0" {
		go func() {
			saved, err := db.ListSavedChannels(ctx, database)
			if err != nil {
				slog.Warn("saved channel load failed", slog.Any("err", err))
				return
			}
			for _, sc := range saved {
				if _, err := manager.Connect(ctx, sc.Slug); err != nil {
					slog.Warn("saved channel reconnect failed", slog.String("slug", sc.Slug), slog.Any("err", err))
				}
			}
		}()
	}

	// OAuth token refresher
	if ocErr == nil {
		oauth.StartRefresher(ctx, database, "kick", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			tok, err := kickapi.RefreshToken(rctx, oc, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return tok.AccessToken, tok.RefreshToken, tok.Expiry, "", nil
		})
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
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

	// HTTP server
	deps := server.Deps{
		DB:        database,
		Cfg:       cfg,
		Store:     store,
		Manager:   manager,
		Kick:      kick,
		Emotes:    emoteProvider,
		Giveaways: giveaways,
	}
	go func() {
		if err := server.Start(ctx, deps, cfg.ListenAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
