// Package spotify is a small Spotify Web API client covering what the playback
// controller needs: track search, starting playback and the OAuth code and refresh
// grants. Tokens are passed per call; the credential manager owns them.
package spotify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/onnwee/request-tender/backend/oauth"
	"github.com/onnwee/request-tender/backend/telemetry"
)

const (
	defaultAPIBase = "https://api.spotify.com"
	tracerName     = "spotify"
)

// DefaultScopes are the scopes needed to start playback on the user's active device.
var DefaultScopes = []string{"user-modify-playback-state", "user-read-playback-state"}

// Track is a resolved search result.
type Track struct {
	URI      string        `json:"uri"`
	Name     string        `json:"name"`
	Artist   string        `json:"artist"`
	Duration time.Duration `json:"duration"`
}

// Display is "Artist - Name" or just the name.
func (t Track) Display() string {
	if t.Artist == "" {
		return t.Name
	}
	return t.Artist + " - " + t.Name
}

// Config configures a Client.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	APIBase      string // default https://api.spotify.com
	AuthURL      string // overrides the accounts endpoint, for tests
	TokenURL     string
	HTTPClient   *http.Client
}

// Client talks to the Web API and the accounts service.
type Client struct {
	apiBase string
	http    *http.Client
	oauth   *oauth2.Config
}

// New builds a Client.
func New(cfg Config) *Client {
	endpoint := endpoints.Spotify
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiBase: base,
		http:    hc,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       scopes,
		},
	}
}

// Search returns the best match for query, or ErrNotFound when there is none.
func (c *Client) Search(ctx context.Context, token, query string) (_ Track, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "spotify.search", attribute.String("query", query))
	defer func() { telemetry.EndSpan(span, err) }()

	v := url.Values{}
	v.Set("q", query)
	v.Set("type", "track")
	v.Set("limit", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/v1/search?"+v.Encode(), nil)
	if err != nil {
		return Track{}, err
	}
	var body struct {
		Tracks struct {
			Items []struct {
				URI        string `json:"uri"`
				Name       string `json:"name"`
				DurationMS int64  `json:"duration_ms"`
				Artists    []struct {
					Name string `json:"name"`
				} `json:"artists"`
			} `json:"items"`
		} `json:"tracks"`
	}
	if err := c.do(req, token, &body); err != nil {
		return Track{}, err
	}
	if len(body.Tracks.Items) == 0 || body.Tracks.Items[0].URI == "" {
		return Track{}, fmt.Errorf("%w: no track matches %q", ErrNotFound, query)
	}
	item := body.Tracks.Items[0]
	tr := Track{URI: item.URI, Name: item.Name, Duration: time.Duration(item.DurationMS) * time.Millisecond}
	if len(item.Artists) > 0 {
		tr.Artist = item.Artists[0].Name
	}
	span.SetAttributes(attribute.String("track.uri", tr.URI))
	return tr, nil
}

// Play starts uri on the user's active device.
func (c *Client) Play(ctx context.Context, token, uri string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "spotify.play", attribute.String("track.uri", uri))
	defer func() { telemetry.EndSpan(span, err) }()

	payload, err := json.Marshal(map[string][]string{"uris": {uri}})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.apiBase+"/v1/me/player/play", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, token, nil)
}

// AuthCodeURL is the consent page the broadcaster is sent to.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for the initial credential.
func (c *Client) Exchange(ctx context.Context, code string) (oauth.CredentialState, error) {
	if code == "" {
		return oauth.CredentialState{}, errors.New("missing authorization code")
	}
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return oauth.CredentialState{}, classifyTokenError("code exchange", err)
	}
	return credentialFromToken(tok, ""), nil
}

// Refresh exchanges refreshToken for a new access token. It satisfies oauth.RefreshFunc.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (_ oauth.CredentialState, err error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "spotify.refresh")
	defer func() { telemetry.EndSpan(span, err) }()

	if refreshToken == "" {
		return oauth.CredentialState{}, errors.New("missing refresh token")
	}
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return oauth.CredentialState{}, classifyTokenError("refresh", err)
	}
	return credentialFromToken(tok, refreshToken), nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func credentialFromToken(tok *oauth2.Token, previousRefresh string) oauth.CredentialState {
	st := oauth.CredentialState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if st.RefreshToken == "" {
		st.RefreshToken = previousRefresh
	}
	if st.ExpiresAt.IsZero() {
		st.ExpiresAt = time.Now().Add(time.Hour)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		st.Scope = scope
	}
	return st
}

func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch code := re.Response.StatusCode; {
		case code == http.StatusBadRequest || code == http.StatusUnauthorized:
			return fmt.Errorf("%s: %w: %w", op, ErrAuth, err)
		case code == http.StatusTooManyRequests || code >= 500:
			return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// do sends req with the bearer token and decodes a JSON body into out when non-nil.
func (c *Client) do(req *http.Request, token string, out any) error {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return newAPIError(resp, errorMessage(b))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// errorMessage extracts {"error":{"message":...}} and falls back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(body))
}
