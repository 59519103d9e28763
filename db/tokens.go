package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/request-tender/backend/crypto"
	"github.com/onnwee/request-tender/backend/oauth"
)

// Token rows carry encryption_version: 0 is plaintext, 1 is AES-256-GCM sealed
// under the key identified by encryption_key_id.
const (
	encVersionPlain  = 0
	encVersionSealed = 1
)

// OAuthToken is one row of oauth_tokens, decrypted.
type OAuthToken struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// UpsertOAuthToken stores or replaces the token for tok.Provider. With a non-nil
// enc both tokens are sealed before they reach the database.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, enc crypto.Encryptor, tok OAuthToken) error {
	version, keyID := encVersionPlain, ""
	access, refresh := tok.AccessToken, tok.RefreshToken
	if enc != nil {
		version, keyID = encVersionSealed, enc.KeyID()
		var err error
		if access, err = crypto.EncryptString(enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = crypto.EncryptString(enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	var expiry sql.NullTime
	if !tok.ExpiresAt.IsZero() {
		expiry = sql.NullTime{Time: tok.ExpiresAt.UTC(), Valid: true}
	}

	const q = `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT(provider) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			scope=EXCLUDED.scope,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`
	_, err := dbx.ExecContext(ctx, q, tok.Provider, access, refresh, expiry, tok.Scope, version, keyID)
	return err
}

// GetOAuthToken loads and decrypts the token for provider. found is false when no
// row exists. Plaintext rows are read as-is so deployments can turn encryption on
// without a migration step; they are sealed on the next write.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, enc crypto.Encryptor, provider string) (tok OAuthToken, found bool, err error) {
	var (
		access, refresh, scope, keyID sql.NullString
		expiry                        sql.NullTime
		version                       int
	)
	err = dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0), encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&access, &refresh, &expiry, &scope, &version, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return OAuthToken{}, false, nil
	}
	if err != nil {
		return OAuthToken{}, false, err
	}

	tok = OAuthToken{
		Provider:     provider,
		AccessToken:  access.String,
		RefreshToken: refresh.String,
		ExpiresAt:    expiry.Time,
		Scope:        scope.String,
	}
	if version != encVersionSealed {
		return tok, true, nil
	}
	if enc == nil {
		return OAuthToken{}, false, fmt.Errorf("token for %s is encrypted but ENCRYPTION_KEY not configured", provider)
	}
	if tok.AccessToken, err = crypto.DecryptStringWithKeyID(enc, tok.AccessToken, keyID.String); err != nil {
		return OAuthToken{}, false, fmt.Errorf("decrypt access token: %w", err)
	}
	if tok.RefreshToken, err = crypto.DecryptStringWithKeyID(enc, tok.RefreshToken, keyID.String); err != nil {
		return OAuthToken{}, false, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return tok, true, nil
}

// TokenStore persists the playback credential for one provider.
type TokenStore struct {
	DB       *sql.DB
	Enc      crypto.Encryptor // nil stores plaintext
	Provider string
}

var _ oauth.Store = (*TokenStore)(nil)

// Load implements oauth.Store.
func (s *TokenStore) Load(ctx context.Context) (oauth.CredentialState, bool, error) {
	tok, found, err := GetOAuthToken(ctx, s.DB, s.Enc, s.Provider)
	if err != nil || !found {
		return oauth.CredentialState{}, false, err
	}
	return oauth.CredentialState{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt,
		Scope:        tok.Scope,
	}, true, nil
}

// Save implements oauth.Store.
func (s *TokenStore) Save(ctx context.Context, st oauth.CredentialState) error {
	return UpsertOAuthToken(ctx, s.DB, s.Enc, OAuthToken{
		Provider:     s.Provider,
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		ExpiresAt:    st.ExpiresAt,
		Scope:        st.Scope,
	})
}
