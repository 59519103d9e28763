package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/request-tender/backend/chat"
	"github.com/onnwee/request-tender/backend/db"
	"github.com/onnwee/request-tender/backend/oauth"
	"github.com/onnwee/request-tender/backend/queue"
	"github.com/onnwee/request-tender/backend/session"
	"github.com/onnwee/request-tender/backend/telemetry"
)

// stopTimeout bounds a dashboard-initiated session stop.
const stopTimeout = 15 * time.Second

type credentialStatus struct {
	Phase     oauth.Phase `json:"phase"`
	ExpiresAt time.Time   `json:"expires_at,omitzero"`
}

type statusView struct {
	Session     session.Info       `json:"session"`
	Chat        chat.Status        `json:"chat"`
	Credentials credentialStatus   `json:"credentials"`
	NowPlaying  *queue.SongRequest `json:"now_playing"`
	QueueLength int                `json:"queue_length"`
}

func (h *Handlers) statusView() statusView {
	st := h.deps.Queue.Snapshot()
	v := statusView{
		Session:     h.deps.Sessions.Current(),
		Chat:        chat.CurrentStatus(),
		Credentials: credentialStatus{Phase: h.deps.Credentials.Phase()},
		NowPlaying:  st.NowPlaying,
		QueueLength: len(st.Pending),
	}
	if cs, ok := h.deps.Credentials.Current(); ok {
		v.Credentials.ExpiresAt = cs.ExpiresAt
	}
	return v
}

// HandleStatus summarizes the session, chat connection, credential and queue.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.statusView())
}

// HandleAnalytics returns the running session's analytics snapshot.
func (h *Handlers) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Analytics.Snapshot())
}

// HandleSessionsList returns recent sessions with their stored reports.
func (h *Handlers) HandleSessionsList(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeJSON(w, http.StatusOK, []db.LiveSession{})
		return
	}
	sessions, err := h.deps.History.Recent(r.Context(), parseIntQuery(r, "limit", 20))
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list sessions failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "could not list sessions")
		return
	}
	if sessions == nil {
		sessions = []db.LiveSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type startSessionRequest struct {
	Room string `json:"room"`
}

// HandleSessionStart starts a session in the room named by the JSON body, or
// the configured default room.
func (h *Handlers) HandleSessionStart(w http.ResponseWriter, r *http.Request) {
	var body startSessionRequest
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	room := strings.TrimSpace(body.Room)
	if room == "" {
		room = h.deps.DefaultRoom
	}
	if room == "" {
		writeError(w, http.StatusBadRequest, "room is required (set CHAT_ROOM or pass {\"room\": ...})")
		return
	}

	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"), slog.String("room", room))
	info, err := h.deps.Sessions.Start(r.Context(), room)
	if err != nil {
		var connErr *chat.ConnectionError
		switch {
		case errors.Is(err, session.ErrSessionActive):
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "session": info})
		case errors.As(err, &connErr):
			log.Warn("session start failed: chat unreachable", slog.Any("err", err))
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			log.Error("session start failed", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	log.Info("session started from dashboard", slog.String("session_id", info.ID))
	writeJSON(w, http.StatusCreated, info)
}

// HandleSessionStop ends the active session and returns its final report.
// Stopping with no active session returns the last one.
func (h *Handlers) HandleSessionStop(w http.ResponseWriter, r *http.Request) {
	// A client hanging up must not abort the shutdown sequence half way.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), stopTimeout)
	defer cancel()
	info, err := h.deps.Sessions.Stop(ctx)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("session stop incomplete", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "session": info})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// HandleDashboard upgrades to a websocket that receives an init snapshot and
// then live queue, status, analytics and notice events.
func (h *Handlers) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	if h.deps.Hub == nil {
		writeError(w, http.StatusNotFound, "dashboard feed disabled")
		return
	}
	h.deps.Hub.serve(w, r, map[string]any{
		"status":    h.statusView(),
		"queue":     h.queueView(true),
		"analytics": h.deps.Analytics.Snapshot(),
	})
}
