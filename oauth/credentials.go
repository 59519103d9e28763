// Package oauth holds the playback credential and keeps it fresh. Refreshes are
// single-flight: any number of concurrent callers needing a new token trigger one
// exchange with the provider and all observe its result.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/onnwee/request-tender/backend/telemetry"
)

var (
	// ErrNotAuthorized means no credential was ever installed.
	ErrNotAuthorized = errors.New("oauth: not authorized")
	// ErrRefreshFailed wraps the provider error of a failed refresh exchange.
	ErrRefreshFailed = errors.New("oauth: refresh failed")
)

// CredentialState is replaced as a whole; it is never mutated after install.
type CredentialState struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// Phase is the coarse lifecycle state shown on the dashboard.
type Phase string

const (
	PhaseNotAuthorized Phase = "not_authorized"
	PhaseValid         Phase = "valid"
	PhaseExpiring      Phase = "expiring"
	PhaseRefreshing    Phase = "refreshing"
	PhaseFailed        Phase = "failed"
)

// RefreshFunc exchanges a refresh token for a new credential. An empty
// RefreshToken in the result means the provider kept the old one.
type RefreshFunc func(ctx context.Context, refreshToken string) (CredentialState, error)

// Store persists the credential between restarts.
type Store interface {
	Load(ctx context.Context) (CredentialState, bool, error)
	Save(ctx context.Context, st CredentialState) error
}

// Options configures a Manager.
type Options struct {
	Provider       string        // label for logs, default "spotify"
	SafetyMargin   time.Duration // refresh this long before expiry, default 60s
	RefreshTimeout time.Duration // bound on one exchange, default 15s
	Store          Store         // optional
	Now            func() time.Time
}

// Manager owns the CredentialState.
type Manager struct {
	refresh RefreshFunc
	opts    Options
	log     *slog.Logger

	state      atomic.Pointer[CredentialState]
	refreshing atomic.Bool
	failed     atomic.Bool
	group      singleflight.Group
}

// NewManager returns a Manager with no credential installed.
func NewManager(refresh RefreshFunc, opts Options) *Manager {
	if opts.Provider == "" {
		opts.Provider = "spotify"
	}
	if opts.SafetyMargin <= 0 {
		opts.SafetyMargin = 60 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		refresh: refresh,
		opts:    opts,
		log:     slog.Default().With(slog.String("component", "oauth"), slog.String("provider", opts.Provider)),
	}
}

// Load restores a persisted credential. It reports whether one was found.
func (m *Manager) Load(ctx context.Context) (bool, error) {
	if m.opts.Store == nil {
		return false, nil
	}
	st, ok, err := m.opts.Store.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load credential: %w", err)
	}
	if !ok || (st.AccessToken == "" && st.RefreshToken == "") {
		return false, nil
	}
	m.state.Store(&st)
	m.failed.Store(false)
	return true, nil
}

// Install deposits a credential obtained from the authorization grant and persists it.
// The in-memory install succeeds even when persisting fails; the error is returned so
// the caller can report it.
func (m *Manager) Install(ctx context.Context, st CredentialState) error {
	if st.AccessToken == "" && st.RefreshToken == "" {
		return errors.New("oauth: empty credential")
	}
	m.state.Store(&st)
	m.failed.Store(false)
	m.log.Info("credential installed", slog.Time("expires_at", st.ExpiresAt))
	return m.persist(ctx, st)
}

// Current returns the installed credential, if any.
func (m *Manager) Current() (CredentialState, bool) {
	st := m.state.Load()
	if st == nil {
		return CredentialState{}, false
	}
	return *st, true
}

// Phase reports the lifecycle state.
func (m *Manager) Phase() Phase {
	st := m.state.Load()
	switch {
	case st == nil:
		return PhaseNotAuthorized
	case m.refreshing.Load():
		return PhaseRefreshing
	case m.failed.Load():
		return PhaseFailed
	case m.fresh(st):
		return PhaseValid
	default:
		return PhaseExpiring
	}
}

// GetValidToken returns an access token valid for at least the safety margin,
// refreshing first when needed. A failed refresh returns ErrRefreshFailed and leaves
// the previous credential in place.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	st := m.state.Load()
	if st == nil {
		return "", ErrNotAuthorized
	}
	if m.fresh(st) {
		return st.AccessToken, nil
	}
	return m.refreshFrom(ctx, st)
}

// ForceRefresh refreshes even though the credential is not expiring, typically after
// the provider rejected stale. If another caller already replaced stale, the newer
// token is returned without a second exchange.
func (m *Manager) ForceRefresh(ctx context.Context, stale string) (string, error) {
	st := m.state.Load()
	if st == nil {
		return "", ErrNotAuthorized
	}
	if st.AccessToken != stale && m.fresh(st) {
		return st.AccessToken, nil
	}
	return m.refreshFrom(ctx, st)
}

// refreshWithin refreshes when the credential expires within window. It reports
// whether an exchange was attempted.
func (m *Manager) refreshWithin(ctx context.Context, window time.Duration) (bool, error) {
	st := m.state.Load()
	if st == nil || st.RefreshToken == "" {
		return false, nil
	}
	if st.AccessToken != "" && st.ExpiresAt.Sub(m.opts.Now()) > window {
		return false, nil
	}
	_, err := m.refreshFrom(ctx, st)
	return true, err
}

// refreshFrom runs at most one exchange at a time. Waiters give up when ctx ends but
// the exchange itself runs to completion under RefreshTimeout.
func (m *Manager) refreshFrom(ctx context.Context, seen *CredentialState) (string, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		cur := m.state.Load()
		if cur != seen && m.fresh(cur) {
			return cur.AccessToken, nil
		}
		return m.exchange(context.WithoutCancel(ctx), cur)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	}
}

func (m *Manager) exchange(ctx context.Context, cur *CredentialState) (string, error) {
	if cur.RefreshToken == "" {
		m.failed.Store(true)
		return "", fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}
	m.refreshing.Store(true)
	defer m.refreshing.Store(false)

	rctx, cancel := context.WithTimeout(ctx, m.opts.RefreshTimeout)
	defer cancel()
	next, err := m.refresh(rctx, cur.RefreshToken)
	if err == nil && next.AccessToken == "" {
		err = errors.New("empty access token in response")
	}
	if err != nil {
		m.failed.Store(true)
		telemetry.Inc(telemetry.TokenRefreshes, "failure")
		m.log.Warn("token refresh failed", slog.Any("err", err))
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = cur.Scope
	}

	// An Install that raced the exchange wins over the refreshed value.
	if !m.state.CompareAndSwap(cur, &next) {
		latest := m.state.Load()
		return latest.AccessToken, nil
	}
	m.failed.Store(false)
	telemetry.Inc(telemetry.TokenRefreshes, "success")
	m.log.Info("token refreshed", slog.Time("expires_at", next.ExpiresAt))
	if err := m.persist(ctx, next); err != nil {
		m.log.Warn("token persist failed", slog.Any("err", err))
	}
	return next.AccessToken, nil
}

func (m *Manager) persist(ctx context.Context, st CredentialState) error {
	if m.opts.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RefreshTimeout)
	defer cancel()
	if err := m.opts.Store.Save(ctx, st); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

func (m *Manager) fresh(st *CredentialState) bool {
	if st == nil || st.AccessToken == "" {
		return false
	}
	return m.opts.Now().Before(st.ExpiresAt.Add(-m.opts.SafetyMargin))
}
