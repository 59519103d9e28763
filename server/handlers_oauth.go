package server

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/onnwee/request-tender/backend/telemetry"
)

// HandleSpotifyOAuthStart redirects the broadcaster to Spotify's consent page.
func (h *Handlers) HandleSpotifyOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.Auth == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth not configured (need SPOTIFY_CLIENT_ID + SPOTIFY_CLIENT_SECRET + SPOTIFY_REDIRECT_URI)")
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		writeError(w, http.StatusInternalServerError, "state gen error")
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, h.now().Add(oauthStateTTL)) {
		writeError(w, http.StatusServiceUnavailable, "too many pending authorizations")
		return
	}
	http.Redirect(w, r, h.deps.Auth.AuthCodeURL(st), http.StatusFound)
}

// HandleSpotifyOAuthCallback completes the grant and installs the credential.
func (h *Handlers) HandleSpotifyOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Auth == nil {
		writeError(w, http.StatusServiceUnavailable, "oauth not configured")
		return
	}
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"))
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		log.Warn("spotify authorization denied", slog.String("error", e))
		writeError(w, http.StatusBadRequest, "authorization denied: "+e)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		writeError(w, http.StatusBadRequest, "missing code/state")
		return
	}
	if !h.consumeOAuthState(st) {
		writeError(w, http.StatusBadRequest, "invalid state")
		return
	}

	cred, err := h.deps.Auth.Exchange(r.Context(), code)
	if err != nil {
		log.Error("spotify code exchange failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := h.deps.Credentials.Install(r.Context(), cred); err != nil {
		log.Error("installing credential failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info("spotify credential installed", slog.Time("expires_at", cred.ExpiresAt), slog.String("scope", cred.Scope))
	if h.deps.Hub != nil {
		h.deps.Hub.Publish(EventStatus, h.statusView())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"scope":                 cred.Scope,
		"expires_at":            cred.ExpiresAt,
		"refresh_token_present": cred.RefreshToken != "",
	})
}
