// Package seal encrypts OAuth tokens before they reach the credential store.
//
// Sealed values have the form "v1:" + base64(nonce || ciphertext), using
// XChaCha20-Poly1305 with the owning user id as additional data. Values
// without the prefix are returned as-is so rows written before a key was
// configured stay readable.
package seal

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/njoerd114/calsync/internal/model"
)

const prefix = "v1:"

// Store is the credential store being wrapped.
type Store interface {
	GetCredential(ctx context.Context, userID string) (*model.Credential, error)
	UpsertCredential(ctx context.Context, c *model.Credential) error
	ClearCredential(ctx context.Context, userID string) error
	ListConnectedUsers(ctx context.Context) ([]string, error)
}

// Sealer encrypts and decrypts individual token strings.
type Sealer struct {
	key []byte
}

// New returns a Sealer for a 32-byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: append([]byte(nil), key...)}, nil
}

// Seal encrypts plaintext bound to userID. Empty input stays empty.
func (s *Sealer) Seal(userID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, []byte(plaintext), []byte(userID))...)
	return prefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal. Unprefixed values are plaintext.
func (s *Sealer) Open(userID, value string) (string, error) {
	if !strings.HasPrefix(value, prefix) {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(value[len(prefix):])
	if err != nil {
		return "", fmt.Errorf("decoding sealed token: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", errors.New("sealed token too short")
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce, ct := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, []byte(userID))
	if err != nil {
		return "", fmt.Errorf("opening sealed token: %w", err)
	}
	return string(pt), nil
}

// CredentialStore seals tokens on write and opens them on read.
type CredentialStore struct {
	next   Store
	sealer *Sealer
}

// Wrap returns a Store that seals tokens with sealer before delegating to next.
func Wrap(next Store, sealer *Sealer) *CredentialStore {
	return &CredentialStore{next: next, sealer: sealer}
}

// GetCredential reads and decrypts the user's credential.
func (c *CredentialStore) GetCredential(ctx context.Context, userID string) (*model.Credential, error) {
	cred, err := c.next.GetCredential(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := *cred
	if out.AccessToken, err = c.sealer.Open(cred.UserID, cred.AccessToken); err != nil {
		return nil, err
	}
	if out.RefreshToken, err = c.sealer.Open(cred.UserID, cred.RefreshToken); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertCredential encrypts both tokens and stores the credential.
func (c *CredentialStore) UpsertCredential(ctx context.Context, cred *model.Credential) error {
	sealed := *cred
	var err error
	if sealed.AccessToken, err = c.sealer.Seal(cred.UserID, cred.AccessToken); err != nil {
		return err
	}
	if sealed.RefreshToken, err = c.sealer.Seal(cred.UserID, cred.RefreshToken); err != nil {
		return err
	}
	return c.next.UpsertCredential(ctx, &sealed)
}

// ClearCredential delegates to the wrapped store.
func (c *CredentialStore) ClearCredential(ctx context.Context, userID string) error {
	return c.next.ClearCredential(ctx, userID)
}

// ListConnectedUsers delegates to the wrapped store.
func (c *CredentialStore) ListConnectedUsers(ctx context.Context) ([]string, error) {
	return c.next.ListConnectedUsers(ctx)
}
