package model

import "time"

// ProviderGoogle is the only remote calendar provider.
const ProviderGoogle = "google"

// Credential is a user's OAuth token pair for the remote calendar. There is at
// most one per (UserID, Provider).
type Credential struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	UpdatedAt    time.Time
}

// Fresh reports whether the access token stays valid for at least skew past now.
func (c *Credential) Fresh(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" || c.TokenExpiry.IsZero() {
		return false
	}
	return c.TokenExpiry.After(now.Add(skew))
}
