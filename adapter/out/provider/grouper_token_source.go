package provider

import (
	"context"
	"fmt"
	"time"

	"grouper_server/core/port/out"
	"grouper_server/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// expiryLeeway refreshes tokens this long before they expire so a scan page
// does not start with a token about to lapse.
const expiryLeeway = 2 * time.Minute

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)
}

// RefreshingTokens wraps a token store, refreshing expired tokens through
// the provider and saving them back.
type RefreshingTokens struct {
	store     out.TokenStore
	saver     out.TokenSaver
	refresher Refresher
	now       func() time.Time
	flight    singleflight.Group
}

// NewRefreshingTokens creates a new RefreshingTokens.
func NewRefreshingTokens(store out.TokenStore, saver out.TokenSaver, refresher Refresher) *RefreshingTokens {
	return &RefreshingTokens{
		store:     store,
		saver:     saver,
		refresher: refresher,
		now:       time.Now,
	}
}

var _ out.TokenStore = (*RefreshingTokens)(nil)

// GetToken returns a token valid for at least expiryLeeway.
func (r *RefreshingTokens) GetToken(ctx context.Context, userID uuid.UUID) (*oauth2.Token, error) {
	token, err := r.store.GetToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !r.expiring(token) {
		return token, nil
	}

	v, err, _ := r.flight.Do(userID.String(), func() (any, error) {
		fresh, err := r.refresher.RefreshToken(ctx, token)
		if err != nil {
			return nil, err
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = token.RefreshToken
		}
		if err := r.saver.SaveToken(ctx, userID, fresh); err != nil {
			// the fresh token still works for this call
			logger.WithError(err).WithField("user_id", userID.String()).Warn("failed to save refreshed token")
		}
		return fresh, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh mail token: %w", err)
	}
	return v.(*oauth2.Token), nil
}

func (r *RefreshingTokens) expiring(t *oauth2.Token) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !t.Expiry.After(r.now().Add(expiryLeeway))
}
