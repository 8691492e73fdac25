package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"grouper_server/core/port/out"
	"grouper_server/pkg/crypto"
	"grouper_server/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/oauth2"
)

// TokenAdapter stores mail OAuth tokens, sealed when an encryptor is set.
type TokenAdapter struct {
	db       *sqlx.DB
	provider string
	enc      *crypto.Encryptor
}

// NewTokenAdapter creates a token store for one provider. enc may be nil,
// in which case tokens are stored as given.
func NewTokenAdapter(db *sqlx.DB, provider string, enc *crypto.Encryptor) *TokenAdapter {
	if enc == nil {
		logger.Warn("token encryption disabled for %s", provider)
	}
	return &TokenAdapter{db: db, provider: provider, enc: enc}
}

func (a *TokenAdapter) seal(token string) (string, error) {
	if a.enc == nil {
		return token, nil
	}
	return a.enc.Encrypt(token)
}

// open decrypts token. Values that do not look sealed are legacy plaintext.
func (a *TokenAdapter) open(token string) string {
	if a.enc == nil || !crypto.IsEncrypted(token) {
		return token
	}
	plain, err := a.enc.Decrypt(token)
	if err != nil {
		return token
	}
	return plain
}

type tokenRow struct {
	AccessToken  string     `db:"access_token"`
	RefreshToken string     `db:"refresh_token"`
	TokenType    string     `db:"token_type"`
	ExpiresAt    *time.Time `db:"expires_at"`
}

// GetToken returns the user's stored token.
func (a *TokenAdapter) GetToken(ctx context.Context, userID uuid.UUID) (*oauth2.Token, error) {
	var row tokenRow
	query := `
		SELECT access_token, refresh_token, token_type, expires_at
		FROM mail_connections
		WHERE user_id = $1 AND provider = $2`

	if err := a.db.GetContext(ctx, &row, query, userID, a.provider); err != nil {
		err = wrapErr(err, "get mail token")
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("no %s connection for user %s: %w", a.provider, userID, err)
		}
		return nil, err
	}

	token := &oauth2.Token{
		AccessToken:  a.open(row.AccessToken),
		RefreshToken: a.open(row.RefreshToken),
		TokenType:    row.TokenType,
	}
	if row.ExpiresAt != nil {
		token.Expiry = *row.ExpiresAt
	}
	return token, nil
}

// SaveToken upserts the user's token. An empty refresh token keeps the
// stored one, since refreshes do not always return it.
func (a *TokenAdapter) SaveToken(ctx context.Context, userID uuid.UUID, token *oauth2.Token) error {
	access, err := a.seal(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := a.seal(token.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}
	var expires *time.Time
	if !token.Expiry.IsZero() {
		expires = &token.Expiry
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	query := `
		INSERT INTO mail_connections (user_id, provider, access_token, refresh_token, token_type, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN mail_connections.refresh_token ELSE EXCLUDED.refresh_token END,
			token_type    = EXCLUDED.token_type,
			expires_at    = EXCLUDED.expires_at,
			updated_at    = now()`

	_, err = a.db.ExecContext(ctx, query, userID, a.provider, access, refresh, tokenType, expires)
	return wrapErr(err, "save mail token")
}

var (
	_ out.TokenStore = (*TokenAdapter)(nil)
	_ out.TokenSaver = (*TokenAdapter)(nil)
)
