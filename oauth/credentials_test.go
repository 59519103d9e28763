package oauth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memStore struct {
	mu    sync.Mutex
	st    CredentialState
	ok    bool
	saves int
	err   error
}

func (s *memStore) Load(context.Context) (CredentialState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st, s.ok, nil
}

func (s *memStore) Save(_ context.Context, st CredentialState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.st, s.ok = st, true
	s.saves++
	return nil
}

type fakeProvider struct {
	calls   atomic.Int32
	release chan struct{} // when non-nil, each exchange blocks until closed
	err     error
	next    CredentialState
}

func (p *fakeProvider) refresh(ctx context.Context, refreshToken string) (CredentialState, error) {
	p.calls.Add(1)
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return CredentialState{}, ctx.Err()
		}
	}
	if p.err != nil {
		return CredentialState{}, p.err
	}
	return p.next, nil
}

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(p *fakeProvider, store Store) *Manager {
	return NewManager(p.refresh, Options{
		SafetyMargin: time.Minute,
		Store:        store,
		Now:          func() time.Time { return testNow },
	})
}

func TestGetValidTokenNotAuthorized(t *testing.T) {
	m := newTestManager(&fakeProvider{}, nil)
	if _, err := m.GetValidToken(context.Background()); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
	if m.Phase() != PhaseNotAuthorized {
		t.Errorf("Phase() = %s", m.Phase())
	}
}

func TestGetValidTokenFastPath(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(p, nil)
	_ = m.Install(context.Background(), CredentialState{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: testNow.Add(time.Hour)})

	tok, err := m.GetValidToken(context.Background())
	if err != nil || tok != "A1" {
		t.Fatalf("GetValidToken() = %q, %v", tok, err)
	}
	if p.calls.Load() != 0 {
		t.Errorf("refresh calls = %d, want 0", p.calls.Load())
	}
	if m.Phase() != PhaseValid {
		t.Errorf("Phase() = %s, want valid", m.Phase())
	}
}

func TestGetValidTokenRefreshesInsideMargin(t *testing.T) {
	p := &fakeProvider{next: CredentialState{AccessToken: "A2", ExpiresAt: testNow.Add(time.Hour)}}
	store := &memStore{}
	m := newTestManager(p, store)
	_ = m.Install(context.Background(), CredentialState{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: testNow.Add(30 * time.Second), Scope: "user-modify-playback-state"})
	if m.Phase() != PhaseExpiring {
		t.Errorf("Phase() before refresh = %s, want expiring", m.Phase())
	}

	tok, err := m.GetValidToken(context.Background())
	if err != nil || tok != "A2" {
		t.Fatalf("GetValidToken() = %q, %v", tok, err)
	}
	cur, _ := m.Current()
	if cur.RefreshToken != "R1" {
		t.Errorf("refresh token = %q, want the old one kept", cur.RefreshToken)
	}
	if cur.Scope != "user-modify-playback-state" {
		t.Errorf("scope = %q, want the old one kept", cur.Scope)
	}
	if store.saves != 2 || store.st.AccessToken != "A2" {
		t.Errorf("store saves = %d, stored = %q", store.saves, store.st.AccessToken)
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	p := &fakeProvider{
		release: make(chan struct{}),
		next:    CredentialState{AccessToken: "A2", RefreshToken: "R2", ExpiresAt: testNow.Add(time.Hour)},
	}
	m := newTestManager(p, nil)
	_ = m.Install(context.Background(), CredentialState{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: testNow.Add(-time.Minute)})

	const callers = 10
	var wg sync.WaitGroup
	tokens := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background())
			if err != nil {
				t.Errorf("GetValidToken() error: %v", err)
			}
			tokens <- tok
		}()
	}
	// Let every caller reach the flight before the exchange finishes.
	deadline := time.Now().Add(2 * time.Second)
	for p.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(p.release)
	wg.Wait()
	close(tokens)

	for tok := range tokens {
		if tok != "A2" {
			t.Errorf("caller got %q, want A2", tok)
		}
	}
	if n := p.calls.Load(); n != 1 {
		t.Errorf("refresh exchanges = %d, want 1", n)
	}
}

func TestRefreshFailureKeepsState(t *testing.T) {
	p := &fakeProvider{err: errors.New("invalid_grant")}
	m := newTestManager(p, nil)
	old := CredentialState{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: testNow.Add(10 * time.Second)}
	_ = m.Install(context.Background(), old)

	_, err := m.GetValidToken(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}
	if cur, _ := m.Current(); cur != old {
		t.Errorf("state after failure = %+v, want unchanged", cur)
	}
	if m.Phase() != PhaseFailed {
		t.Errorf("Phase() = %s, want failed", m.Phase())
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	p := &fakeProvider{}
	m := newTestManager(p, nil)
	_ = m.Install(context.Background(), CredentialState{AccessToken: "A1", ExpiresAt: testNow})
	if _, err := m.GetValidToken(context.Background()); !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("err = %v, want ErrRefreshFailed", err)
	}
	if p.calls.Load() != 0 {
		t.Error("provider must not be called without a refresh token")
	}
}

func TestForceRefresh(t *testing.T) {
	p := &fakeProvider{next: CredentialState{AccessToken: "A2", ExpiresAt: testNow.Add(time.Hour)}}
	m := newTestManager(p, nil)
	_ = m.Install(context.Background(), CredentialState{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: testNow.Add(time.Hour)})

	tok, err := m.ForceRefresh(context.Background(), "A1")
	if err != nil || tok != "A2" {
		t.Fatalf("ForceRefresh(A1) = %q, %v", tok, err)
	}
	// A1 is already replaced, so no second exchange.
	tok, err = m.ForceRefresh(context.Background(), "A1")
	if err != nil || tok != "A2" {
		t.Fatalf("second ForceRefresh(A1) = %q, %v", tok, err)
	}
	if n := p.calls.Load(); n != 1 {
		t.Errorf("refresh exchanges = %d, want 1", n)
	}
}

func TestWaiterCancellationDoesNotAbortRefresh(t *testing.T) {
	p := &fakeProvider{
		release: make(chan struct{}),
		next:    CredentialState{AccessToken: "A2", ExpiresAt: testNow.Add(time.Hour)},
	}
	m := newTestManager(p, nil)
	_ = m.Install(context.Background(), CredentialState{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: testNow})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.GetValidToken(ctx)
		errCh <- err
	}()
	for p.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(p.release)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cur, _ := m.Current(); cur.AccessToken == "A2" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("refresh did not complete after the waiter went away")
}

func TestLoadFromStore(t *testing.T) {
	store := &memStore{st: CredentialState{AccessToken: "A1", RefreshToken: "R1", ExpiresAt: testNow.Add(time.Hour)}, ok: true}
	m := newTestManager(&fakeProvider{}, store)
	found, err := m.Load(context.Background())
	if err != nil || !found {
		t.Fatalf("Load() = %v, %v", found, err)
	}
	if tok, _ := m.GetValidToken(context.Background()); tok != "A1" {
		t.Errorf("token after load = %q", tok)
	}
}

func TestInstallReportsPersistError(t *testing.T) {
	store := &memStore{err: errors.New("db down")}
	m := newTestManager(&fakeProvider{}, store)
	err := m.Install(context.Background(), CredentialState{AccessToken: "A1", ExpiresAt: testNow.Add(time.Hour)})
	if err == nil {
		t.Fatal("Install() should report the persist failure")
	}
	if tok, _ := m.GetValidToken(context.Background()); tok != "A1" {
		t.Errorf("credential should be installed in memory regardless, got %q", tok)
	}
	if err := m.Install(context.Background(), CredentialState{}); err == nil {
		t.Error("empty credential should be rejected")
	}
}
