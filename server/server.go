// Package server exposes the HTTP API: health, status, metrics, the request
// queue and session controls used by the broadcaster dashboard. Broadcaster
// controls sit behind admin auth and a per-IP rate limit; every request gets a
// correlation id and a tracing span.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/request-tender/backend/queue"
)

// analyticsInterval paces analytics pushes that no queue change triggers,
// such as rejected commands.
const analyticsInterval = 5 * time.Second

// NewRouter returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup and dashboard feed goroutines.
func NewRouter(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	h := NewHandlers(deps)
	if deps.Hub != nil {
		h.feedDashboard(ctx)
	}

	r := chi.NewRouter()
	r.Use(withCORS(loadCORSConfig()))
	r.Use(withTracing)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)

	r.Get("/status", h.HandleStatus)
	r.Get("/queue", h.HandleQueue)
	r.Get("/analytics", h.HandleAnalytics)
	r.Get("/sessions", h.HandleSessionsList)
	r.Get("/ws/dashboard", h.HandleDashboard)

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(limiter))

		// Spotify redirects the browser here, so it carries no admin credential.
		r.Get("/auth/spotify/callback", h.HandleSpotifyOAuthCallback)

		r.Group(func(r chi.Router) {
			r.Use(adminAuth(authCfg))
			r.Get("/auth/spotify/start", h.HandleSpotifyOAuthStart)
			r.Post("/queue/skip", h.HandleQueueSkip)
			r.Delete("/queue/{id}", h.HandleQueueRemove)
			r.Post("/session", h.HandleSessionStart)
			r.Delete("/session", h.HandleSessionStop)
		})
	})
	return r
}

// feedDashboard subscribes to the queue and, until ctx ends, publishes the
// queue after every change, coalescing bursts, plus analytics on every change
// and on a timer.
func (h *Handlers) feedDashboard(ctx context.Context) {
	changed := make(chan struct{}, 1)
	unsubscribe := h.deps.Queue.Subscribe(queue.ObserverFunc(func(queue.Transition) {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))

	go func() {
		defer unsubscribe()
		ticker := time.NewTicker(analyticsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				h.deps.Hub.Publish(EventQueue, h.queueView(false))
				h.deps.Hub.Publish(EventAnalytics, h.deps.Analytics.Snapshot())
			case <-ticker.C:
				if h.deps.Sessions.Current().Active {
					h.deps.Hub.Publish(EventAnalytics, h.deps.Analytics.Snapshot())
				}
			}
		}
	}()
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, handler http.Handler, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown finish.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
