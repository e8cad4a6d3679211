package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/njoerd114/calsync/internal/errs"
	"github.com/njoerd114/calsync/internal/model"
)

// CredentialRepo implements the credential store using PostgreSQL.
type CredentialRepo struct{ db *DB }

// NewCredentialRepo constructs a credential repository.
func NewCredentialRepo(db *DB) *CredentialRepo { return &CredentialRepo{db: db} }

// GetCredential returns the user's Google credential or errs.ErrNotFound.
func (r *CredentialRepo) GetCredential(ctx context.Context, userID string) (*model.Credential, error) {
	const q = `
SELECT user_id, provider, access_token, refresh_token, token_expiry, updated_at
FROM calendar_credentials WHERE user_id=$1 AND provider=$2`
	var (
		c      model.Credential
		expiry *time.Time
	)
	err := r.db.Pool.QueryRow(ctx, q, userID, model.ProviderGoogle).
		Scan(&c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken, &expiry, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if expiry != nil {
		c.TokenExpiry = *expiry
	}
	return &c, nil
}

// UpsertCredential inserts or replaces the credential keyed by (user, provider).
func (r *CredentialRepo) UpsertCredential(ctx context.Context, c *model.Credential) error {
	const q = `
INSERT INTO calendar_credentials (user_id, provider, access_token, refresh_token, token_expiry, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (user_id, provider) DO UPDATE
SET access_token=EXCLUDED.access_token, refresh_token=EXCLUDED.refresh_token,
    token_expiry=EXCLUDED.token_expiry, updated_at=EXCLUDED.updated_at`
	provider := c.Provider
	if provider == "" {
		provider = model.ProviderGoogle
	}
	var expiry *time.Time
	if !c.TokenExpiry.IsZero() {
		expiry = &c.TokenExpiry
	}
	_, err := r.db.Pool.Exec(ctx, q, c.UserID, provider, c.AccessToken, c.RefreshToken, expiry, c.UpdatedAt)
	return err
}

// ClearCredential deletes the user's Google credential. It is idempotent.
func (r *CredentialRepo) ClearCredential(ctx context.Context, userID string) error {
	const q = `DELETE FROM calendar_credentials WHERE user_id=$1 AND provider=$2`
	_, err := r.db.Pool.Exec(ctx, q, userID, model.ProviderGoogle)
	return err
}

// ListConnectedUsers returns every user holding a Google credential.
func (r *CredentialRepo) ListConnectedUsers(ctx context.Context) ([]string, error) {
	const q = `SELECT user_id FROM calendar_credentials WHERE provider=$1 ORDER BY user_id`
	rows, err := r.db.Pool.Query(ctx, q, model.ProviderGoogle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
