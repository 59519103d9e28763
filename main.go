// Command backend is the main entrypoint for the request-tender API and session runtime.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Restores the Spotify credential and keeps it fresh in the background.
//   - Resumes a session left active by a previous process (or auto-starts one
//     when CHAT_AUTO_START=1).
//   - Exposes the HTTP API: health, status, metrics, queue and session controls,
//     the Spotify authorization flow and the dashboard websocket.
//
// Shutdown is graceful on SIGINT/SIGTERM: the active session is stopped and its
// report stored before the process exits.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/onnwee/request-tender/backend/analytics"
	"github.com/onnwee/request-tender/backend/chat"
	"github.com/onnwee/request-tender/backend/command"
	"github.com/onnwee/request-tender/backend/config"
	"github.com/onnwee/request-tender/backend/db"
	"github.com/onnwee/request-tender/backend/oauth"
	"github.com/onnwee/request-tender/backend/player"
	"github.com/onnwee/request-tender/backend/queue"
	"github.com/onnwee/request-tender/backend/server"
	"github.com/onnwee/request-tender/backend/session"
	"github.com/onnwee/request-tender/backend/spotify"
	"github.com/onnwee/request-tender/backend/telemetry"
)

const (
	serviceName    = "request-tender"
	serviceVersion = "1.0.0"
	spotifyTokens  = "spotify"
	stopTimeout    = 20 * time.Second
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

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing(serviceName, serviceVersion)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err), slog.String("component", "db_migrate"))
		os.Exit(1)
	}

	pool, err := db.OpenPool(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db pool", slog.Any("err", err))
		os.Exit(1)
	}
	defer pool.Close()

	enc, err := db.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
		os.Exit(1)
	}

	// Spotify client + credential manager
	sp := spotify.New(spotify.Config{
		ClientID:     cfg.SpotifyClientID,
		ClientSecret: cfg.SpotifyClientSecret,
		RedirectURI:  cfg.SpotifyRedirectURI,
		Scopes:       strings.Fields(cfg.SpotifyScopes),
		APIBase:      cfg.SpotifyAPIBase,
	})
	creds := oauth.NewManager(sp.Refresh, oauth.Options{
		Provider:       spotifyTokens,
		SafetyMargin:   cfg.CredentialSafetyMargin,
		RefreshTimeout: cfg.CredentialRefreshTimeout,
		Store:          &db.TokenStore{DB: database, Enc: enc, Provider: spotifyTokens},
	})
	restoreCredential(ctx, creds, cfg.SpotifyRefreshToken)
	oauth.StartRefresher(ctx, creds, cfg.CredentialRefreshInterval, cfg.CredentialRefreshWindow)

	var authorizer server.Authorizer
	if err := cfg.ValidateSpotifyReady(); err != nil {
		slog.Warn("spotify authorization flow disabled", slog.Any("err", err))
	} else {
		authorizer = sp
	}

	// Request pipeline
	q := queue.NewManager(queue.Options{
		MaxLength:           cfg.QueueMaxLength,
		MaxPendingPerViewer: cfg.QueueMaxPendingPerViewer,
		Cooldown:            cfg.QueueCooldown,
		HistoryLimit:        cfg.QueueHistoryLimit,
	})
	parser := command.New(command.Options{
		Triggers:       cfg.CommandTriggers,
		MaxQueryLen:    cfg.MaxQueryLen,
		BlockedViewers: cfg.BlockedViewers,
		NewID:          func() string { return uuid.Must(uuid.NewV7()).String() },
	})
	agg := analytics.New(cfg.AnalyticsTopK, time.Now())
	hub := server.NewHub(ctx)
	sessionStore := &db.SessionStore{DB: database}

	sessions := session.New(session.Options{
		Workers:   cfg.SessionWorkers,
		Queue:     q,
		Parser:    parser,
		Analytics: agg,
		NewChat: func() session.ChatSource {
			return chat.NewClient(newTransport(cfg), chat.Options{
				Buffer:      cfg.ChatBuffer,
				DedupWindow: cfg.ChatDedupWindow,
				BackoffBase: cfg.ChatBackoffBase,
				BackoffCap:  cfg.ChatBackoffCap,
			})
		},
		NewPlayer: func() session.Player {
			return player.New(q, sp, creds, player.Options{
				MaxAttempts:        cfg.PlayerMaxAttempts,
				BackoffBase:        cfg.PlayerBackoffBase,
				CallTimeout:        cfg.PlayerCallTimeout,
				DefaultTrackLength: cfg.PlayerDefaultTrackLength,
				Notify: func(n player.Notice) {
					if n.Kind == player.NoticePlaybackFailed {
						agg.RecordPlaybackFailure()
					}
					hub.Publish(server.EventNotice, n)
				},
			})
		},
		Store: sessionStore,
		NewRecorder: func(sessionID string) session.Recorder {
			return db.NewHistoryRecorder(pool, sessionID, db.HistoryConfig{
				MaxBatch:   cfg.HistoryBatchSize,
				FlushEvery: cfg.HistoryFlushInterval,
			})
		},
		LoadHistory: func(ctx context.Context, sessionID string) ([]queue.SongRequest, error) {
			return db.LoadSessionRequests(ctx, database, sessionID)
		},
		OnChange: func(info session.Info) { hub.Publish(server.EventStatus, info) },
	})

	if resumed, err := sessions.Recover(ctx); err != nil {
		slog.Error("could not resume previous session", slog.Any("err", err))
	} else if !resumed && os.Getenv("CHAT_AUTO_START") == "1" {
		autoStart(ctx, cfg, sessions)
	}

	startPprof()

	handler := server.NewRouter(ctx, server.Deps{
		DB:          database,
		Queue:       q,
		Analytics:   agg,
		Sessions:    sessions,
		Credentials: creds,
		Auth:        authorizer,
		History:     sessionStore,
		Hub:         hub,
		DefaultRoom: cfg.ChatRoom,
	})
	go func() {
		if err := server.Start(ctx, handler, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if info, err := sessions.Stop(stopCtx); err != nil {
		slog.Error("session stop incomplete", slog.String("session_id", info.ID), slog.Any("err", err))
	}
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
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
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// restoreCredential loads the persisted credential, falling back to a refresh
// token supplied through SPOTIFY_REFRESH_TOKEN. The bootstrap token carries no
// access token, so the first playback call refreshes it.
func restoreCredential(ctx context.Context, creds *oauth.Manager, bootstrapRefresh string) {
	found, err := creds.Load(ctx)
	if err != nil {
		slog.Warn("could not load stored spotify credential", slog.Any("err", err))
	}
	if found {
		slog.Info("spotify credential restored", slog.String("phase", string(creds.Phase())))
		return
	}
	if bootstrapRefresh == "" {
		slog.Warn("no spotify credential: authorize via /auth/spotify/start before going live")
		return
	}
	if err := creds.Install(ctx, oauth.CredentialState{RefreshToken: bootstrapRefresh}); err != nil {
		slog.Warn("bootstrap spotify credential not persisted", slog.Any("err", err))
	}
}

func newTransport(cfg *config.Config) chat.Transport {
	if cfg.ChatTransport == config.TransportWebSocket {
		return &chat.WebSocketTransport{URL: cfg.ChatRelayURL}
	}
	return &chat.TwitchTransport{Username: cfg.TwitchBotUsername, OAuthToken: cfg.TwitchOAuthToken}
}

func autoStart(ctx context.Context, cfg *config.Config, sessions *session.Manager) {
	if err := cfg.ValidateChatReady(cfg.ChatRoom); err != nil {
		slog.Warn("chat auto start skipped", slog.Any("err", err))
		return
	}
	if _, err := sessions.Start(ctx, cfg.ChatRoom); err != nil && !errors.Is(err, session.ErrSessionActive) {
		slog.Error("chat auto start failed", slog.String("room", cfg.ChatRoom), slog.Any("err", err))
	}
}

// startPprof exposes profiling endpoints when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
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
