// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/request-tender/backend/analytics"
	"github.com/onnwee/request-tender/backend/db"
	"github.com/onnwee/request-tender/backend/oauth"
	"github.com/onnwee/request-tender/backend/queue"
	"github.com/onnwee/request-tender/backend/session"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Sessions starts and stops live sessions. *session.Manager implements it.
type Sessions interface {
	Start(ctx context.Context, room string) (session.Info, error)
	Stop(ctx context.Context) (session.Info, error)
	Current() session.Info
}

// Credentials exposes the playback credential. *oauth.Manager implements it.
type Credentials interface {
	Phase() oauth.Phase
	Current() (oauth.CredentialState, bool)
	Install(ctx context.Context, st oauth.CredentialState) error
}

// Authorizer runs the authorization-code grant. *spotify.Client implements it.
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (oauth.CredentialState, error)
}

// SessionHistory lists past sessions. *db.SessionStore implements it.
type SessionHistory interface {
	Recent(ctx context.Context, limit int) ([]db.LiveSession, error)
}

// Deps wires the HTTP API. Queue, Analytics, Sessions and Credentials are required.
type Deps struct {
	DB          *sql.DB // readiness probe; optional
	Queue       *queue.Manager
	Analytics   *analytics.Aggregator
	Sessions    Sessions
	Credentials Credentials
	Auth        Authorizer     // nil answers /auth/spotify/* with 503
	History     SessionHistory // optional
	Hub         *Hub           // nil disables /ws/dashboard
	DefaultRoom string         // used by POST /session without a room
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps       Deps
	stateStore map[string]time.Time
	stateMu    sync.RWMutex
	now        func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		stateStore: make(map[string]time.Time),
		now:        time.Now,
	}
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := h.now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState remembers state until expiry. It reports false when the store
// is full even after cleanup; the grant then cannot be completed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}
	if len(h.stateStore) >= maxOAuthStates {
		h.cleanExpiredStates()
		if len(h.stateStore) >= maxOAuthStates {
			return false
		}
	}
	h.stateStore[state] = expiry
	return true
}

// consumeOAuthState removes state and reports whether it was known and unexpired.
func (h *Handlers) consumeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && !h.now().After(exp)
}
