package server

import (
	"errors"
	"net/http"

	"github.com/onnwee/request-tender/backend/chat"
	"github.com/onnwee/request-tender/backend/oauth"
)

// HandleHealthz answers liveness probes. The process is alive whenever it can serve HTTP.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"credentials", func() error {
			if h.deps.Credentials.Phase() == oauth.PhaseFailed {
				return errors.New("credential refresh failing")
			}
			return nil
		}},
		{"chat", func() error {
			if !h.deps.Sessions.Current().Active {
				return nil
			}
			if s := chat.CurrentStatus(); s.State == chat.StateStopped {
				return errors.New("chat ingestion stopped during an active session")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
