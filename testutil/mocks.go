package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockSpotifyServer is a test server standing in for both the Spotify Web API and
// the accounts service. Handlers are keyed by URL path.
type MockSpotifyServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	plays    []string
	searches []string
	hits     map[string]int
}

// NewMockSpotifyServer creates a new mock server. Unknown paths return 404.
func NewMockSpotifyServer(t *testing.T) *MockSpotifyServer {
	t.Helper()
	m := &MockSpotifyServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.hits[key]++
		handler, ok := m.Handlers[key]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle installs a handler for path. Safe to call while requests are in flight.
func (m *MockSpotifyServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

// Hits returns how many requests reached path.
func (m *MockSpotifyServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// Plays returns the track URIs passed to the play endpoint, in order.
func (m *MockSpotifyServer) Plays() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.plays...)
}

// Searches returns the queries passed to the search endpoint, in order.
func (m *MockSpotifyServer) Searches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.searches...)
}

// MockSearchResponse answers every search with a single track.
func (m *MockSpotifyServer) MockSearchResponse(uri, name, artist string, durationMS int) {
	m.Handle("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		m.recordSearch(r)
		item := map[string]interface{}{
			"uri":         uri,
			"name":        name,
			"duration_ms": durationMS,
			"artists":     []map[string]string{{"name": artist}},
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tracks": map[string]interface{}{"items": []interface{}{item}},
		})
	})
}

// MockSearchEmpty answers every search with no results.
func (m *MockSpotifyServer) MockSearchEmpty() {
	m.Handle("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		m.recordSearch(r)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tracks": map[string]interface{}{"items": []interface{}{}},
		})
	})
}

// MockPlay answers play requests with status and records the URIs.
func (m *MockSpotifyServer) MockPlay(status int) {
	m.Handle("/v1/me/player/play", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			URIs []string `json:"uris"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
		if status >= 200 && status < 300 {
			m.mu.Lock()
			m.plays = append(m.plays, body.URIs...)
			m.mu.Unlock()
			w.WriteHeader(status)
			return
		}
		writeJSON(w, status, map[string]interface{}{
			"error": map[string]interface{}{"status": status, "message": http.StatusText(status)},
		})
	})
}

// MockStatus makes path fail with status and an optional Retry-After header.
func (m *MockSpotifyServer) MockStatus(path string, status int, retryAfter string) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		writeJSON(w, status, map[string]interface{}{
			"error": map[string]interface{}{"status": status, "message": http.StatusText(status)},
		})
	})
}

// MockOAuthTokenResponse adds a handler for the accounts token endpoint.
// An empty refreshToken omits the field, as Spotify does on most refreshes.
func (m *MockSpotifyServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/api/token", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
			"scope":        "user-modify-playback-state",
		}
		if refreshToken != "" {
			response["refresh_token"] = refreshToken
		}
		writeJSON(w, http.StatusOK, response)
	})
}

func (m *MockSpotifyServer) recordSearch(r *http.Request) {
	m.mu.Lock()
	m.searches = append(m.searches, r.URL.Query().Get("q"))
	m.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
