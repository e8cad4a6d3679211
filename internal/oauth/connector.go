package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/njoerd114/calsync/internal/errs"
	"github.com/njoerd114/calsync/internal/model"
)

// ConnectionStore is the subset of the credential store used by Connector.
type ConnectionStore interface {
	UpsertCredential(ctx context.Context, c *model.Credential) error
	ClearCredential(ctx context.Context, userID string) error
}

// Connector links and unlinks a user's Google account.
type Connector struct {
	cfg    *oauth2.Config
	store  ConnectionStore
	client *http.Client
	log    *slog.Logger
	now    func() time.Time
}

// NewConnector returns a Connector. client bounds the code exchange; nil uses
// http.DefaultClient.
func NewConnector(cfg *oauth2.Config, store ConnectionStore, client *http.Client, log *slog.Logger) *Connector {
	return &Connector{cfg: cfg, store: store, client: client, log: log, now: time.Now}
}

// AuthCodeURL returns the consent page URL. Offline access with a forced
// consent prompt makes Google issue a refresh token on every connect.
func (c *Connector) AuthCodeURL(state string) string {
	return c.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Connect exchanges an authorization code and stores the resulting credential.
func (c *Connector) Connect(ctx context.Context, userID, code string) error {
	if code == "" {
		return errs.Validationf("authorization code is required")
	}
	if c.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	}

	tok, err := c.cfg.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return errs.Validationf("exchanging authorization code: %v", re)
		}
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return errs.Validationf("google did not grant offline access; revoke the app's access and connect again")
	}

	cred := &model.Credential{
		UserID:       userID,
		Provider:     model.ProviderGoogle,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenExpiry:  tok.Expiry,
		UpdatedAt:    c.now(),
	}
	if err := c.store.UpsertCredential(ctx, cred); err != nil {
		return fmt.Errorf("storing credential for user %s: %w", userID, err)
	}
	c.log.Info("google calendar connected", "user_id", userID)
	return nil
}

// Disconnect removes the user's credential. Local events are kept.
func (c *Connector) Disconnect(ctx context.Context, userID string) error {
	if err := c.store.ClearCredential(ctx, userID); err != nil {
		return fmt.Errorf("clearing credential for user %s: %w", userID, err)
	}
	c.log.Info("google calendar disconnected", "user_id", userID)
	return nil
}
