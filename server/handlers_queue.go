package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/request-tender/backend/queue"
	"github.com/onnwee/request-tender/backend/telemetry"
)

type queueView struct {
	queue.State
	Length  int                 `json:"length"`
	History []queue.SongRequest `json:"history,omitempty"`
}

func (h *Handlers) queueView(withHistory bool) queueView {
	st := h.deps.Queue.Snapshot()
	v := queueView{State: st, Length: len(st.Pending)}
	if v.Pending == nil {
		v.Pending = []queue.SongRequest{}
	}
	if withHistory {
		v.History = h.deps.Queue.History()
	}
	return v
}

// HandleQueue returns the now-playing entry and pending requests in play order.
// ?history=1 adds the retired entries kept for the dashboard.
func (h *Handlers) HandleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queueView(r.URL.Query().Get("history") == "1"))
}

type skipResult struct {
	Skipped    queue.SongRequest  `json:"skipped"`
	NowPlaying *queue.SongRequest `json:"now_playing"`
}

// HandleQueueSkip retires the entry now playing as skipped and promotes the next one.
func (h *Handlers) HandleQueueSkip(w http.ResponseWriter, r *http.Request) {
	cur, ok := h.deps.Queue.NowPlaying()
	if !ok {
		writeError(w, http.StatusNotFound, "nothing is playing")
		return
	}
	next, hasNext, err := h.deps.Queue.SkipIfPlaying(cur.ID)
	if err != nil {
		// The track ended between the two calls.
		writeError(w, http.StatusConflict, "now playing changed, retry")
		return
	}
	cur.Status = queue.StatusSkipped
	res := skipResult{Skipped: cur}
	if hasNext {
		res.NowPlaying = &next
	}
	telemetry.LoggerWithCorr(r.Context()).Info("track skipped from dashboard",
		slog.String("request_id", cur.ID), slog.String("component", "http"))
	writeJSON(w, http.StatusOK, res)
}

// HandleQueueRemove withdraws a pending request by id.
func (h *Handlers) HandleQueueRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Queue.Remove(id); err != nil {
		writeQueueError(w, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("request removed from dashboard",
		slog.String("request_id", id), slog.String("component", "http"))
	w.WriteHeader(http.StatusNoContent)
}

// writeQueueError maps queue sentinels to HTTP statuses.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, queue.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
