package db

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/request-tender/backend/crypto"
	"github.com/onnwee/request-tender/backend/oauth"
)

func testEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	enc, err := NewEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	return enc
}

func TestNewEncryptor(t *testing.T) {
	if enc, err := NewEncryptor(""); enc != nil || err != nil {
		t.Errorf("NewEncryptor(\"\") = %v, %v; want nil, nil", enc, err)
	}
	if _, err := NewEncryptor("too-short"); err == nil || !strings.Contains(err.Error(), "failed to initialize encryption") {
		t.Errorf("NewEncryptor(bad key) error = %v", err)
	}
	if enc := testEncryptor(t); enc == nil {
		t.Error("NewEncryptor(valid key) returned nil")
	}
}

func TestEncryptedTokens(t *testing.T) {
	db := migratedTestDB(t)
	ctx := context.Background()
	enc := testEncryptor(t)

	want := OAuthToken{
		Provider:     "spotify",
		AccessToken:  "BQD-access",
		RefreshToken: "AQC-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Scope:        "user-modify-playback-state user-read-playback-state",
	}
	if err := UpsertOAuthToken(ctx, db, enc, want); err != nil {
		t.Fatalf("UpsertOAuthToken() error = %v", err)
	}

	var storedAccess, storedRefresh, keyID string
	var version int
	err := db.QueryRow(`SELECT access_token, refresh_token, encryption_version, encryption_key_id FROM oauth_tokens WHERE provider=$1`, want.Provider).
		Scan(&storedAccess, &storedRefresh, &version, &keyID)
	if err != nil {
		t.Fatal(err)
	}
	if version != 1 || keyID != enc.KeyID() {
		t.Errorf("encryption_version = %d key = %q, want 1 and %q", version, keyID, enc.KeyID())
	}
	if storedAccess == want.AccessToken || storedRefresh == want.RefreshToken {
		t.Error("tokens stored in plaintext")
	}

	got, found, err := GetOAuthToken(ctx, db, enc, want.Provider)
	if err != nil || !found {
		t.Fatalf("GetOAuthToken() = %v, %v", found, err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken || got.Scope != want.Scope {
		t.Errorf("GetOAuthToken() = %+v, want %+v", got, want)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}

	if _, _, err := GetOAuthToken(ctx, db, nil, want.Provider); err == nil {
		t.Error("reading an encrypted row without a key should fail")
	}
	if _, _, err := GetOAuthToken(ctx, db, testEncryptor(t), want.Provider); !errors.Is(err, crypto.ErrKeyMismatch) {
		t.Errorf("reading with a rotated key: err = %v, want ErrKeyMismatch", err)
	}
}

func TestPlaintextTokenCompatibility(t *testing.T) {
	db := migratedTestDB(t)
	ctx := context.Background()

	tok := OAuthToken{Provider: "spotify", AccessToken: "plain-access", RefreshToken: "plain-refresh"}
	if err := UpsertOAuthToken(ctx, db, nil, tok); err != nil {
		t.Fatal(err)
	}
	// A deployment that turns encryption on still reads the old plaintext row.
	enc := testEncryptor(t)
	got, found, err := GetOAuthToken(ctx, db, enc, "spotify")
	if err != nil || !found || got.RefreshToken != "plain-refresh" {
		t.Fatalf("GetOAuthToken() = %+v, %v, %v", got, found, err)
	}
	if !got.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero for NULL", got.ExpiresAt)
	}

	// The next write seals it.
	if err := UpsertOAuthToken(ctx, db, enc, got); err != nil {
		t.Fatal(err)
	}
	var version int
	if err := db.QueryRow(`SELECT encryption_version FROM oauth_tokens WHERE provider='spotify'`).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != 1 {
		t.Errorf("encryption_version after rewrite = %d, want 1", version)
	}
}

func TestGetOAuthTokenMissing(t *testing.T) {
	db := migratedTestDB(t)
	_, found, err := GetOAuthToken(context.Background(), db, nil, "nobody")
	if err != nil || found {
		t.Errorf("GetOAuthToken(missing) = %v, %v; want not found", found, err)
	}
}

func TestTokenStore(t *testing.T) {
	db := migratedTestDB(t)
	ctx := context.Background()
	store := &TokenStore{DB: db, Enc: testEncryptor(t), Provider: "spotify"}

	if _, ok, err := store.Load(ctx); ok || err != nil {
		t.Fatalf("Load() on empty table = %v, %v", ok, err)
	}

	st := oauth.CredentialState{
		AccessToken:  "a1",
		RefreshToken: "r1",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Scope:        "user-modify-playback-state",
	}
	if err := store.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	if got.AccessToken != st.AccessToken || got.RefreshToken != st.RefreshToken || !got.ExpiresAt.Equal(st.ExpiresAt) {
		t.Errorf("Load() = %+v, want %+v", got, st)
	}

	// Manager restores the persisted credential on boot.
	m := oauth.NewManager(nil, oauth.Options{Store: store})
	if found, err := m.Load(ctx); !found || err != nil {
		t.Fatalf("Manager.Load() = %v, %v", found, err)
	}
	if tok, err := m.GetValidToken(ctx); err != nil || tok != "a1" {
		t.Errorf("GetValidToken() = %q, %v", tok, err)
	}
}
