package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/njoerd114/calsync/internal/errs"
	"github.com/njoerd114/calsync/internal/model"
)

// DefaultSkew is how long before expiry a token counts as near-expired.
const DefaultSkew = time.Minute

// CredentialWriter persists refreshed credentials.
type CredentialWriter interface {
	UpsertCredential(ctx context.Context, c *model.Credential) error
}

// Refresher exchanges refresh tokens for access tokens. It never retries;
// a failed refresh waits for the next scheduled pass or a reconnect.
type Refresher struct {
	cfg    *oauth2.Config
	store  CredentialWriter
	client *http.Client
	log    *slog.Logger

	// Now and Skew are exported for tests.
	Now  func() time.Time
	Skew time.Duration
}

// NewRefresher returns a Refresher. client bounds the token request; nil uses
// http.DefaultClient.
func NewRefresher(cfg *oauth2.Config, store CredentialWriter, client *http.Client, log *slog.Logger) *Refresher {
	return &Refresher{
		cfg:    cfg,
		store:  store,
		client: client,
		log:    log,
		Now:    time.Now,
		Skew:   DefaultSkew,
	}
}

// EnsureFreshToken returns a usable access token for c, refreshing and
// persisting it first when it is expired or about to expire. c is updated in
// place on refresh. Exchange failures are returned as *errs.TokenRefreshError.
func (r *Refresher) EnsureFreshToken(ctx context.Context, c *model.Credential) (string, error) {
	now := r.Now()
	if c.Fresh(now, r.Skew) {
		return c.AccessToken, nil
	}
	if c.RefreshToken == "" {
		return "", &errs.TokenRefreshError{UserID: c.UserID, Err: fmt.Errorf("no refresh token stored")}
	}

	if r.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	}
	tok, err := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}).Token()
	if err != nil {
		r.log.Warn("token refresh failed", "user_id", c.UserID, "error", err)
		return "", &errs.TokenRefreshError{UserID: c.UserID, Err: err}
	}

	c.AccessToken = tok.AccessToken
	c.TokenExpiry = tok.Expiry
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	c.UpdatedAt = now

	if err := r.store.UpsertCredential(ctx, c); err != nil {
		return "", fmt.Errorf("persisting refreshed token for user %s: %w", c.UserID, err)
	}

	r.log.Debug("access token refreshed", "user_id", c.UserID, "expires", c.TokenExpiry)
	return c.AccessToken, nil
}
