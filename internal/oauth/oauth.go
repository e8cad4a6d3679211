// Package oauth manages Google OAuth credentials: it keeps access tokens fresh
// for the sync engine and runs the connect/disconnect flow for users.
package oauth

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"github.com/njoerd114/calsync/internal/config"
)

// NewConfig builds the OAuth client configuration for the Calendar API.
// TokenURL and AuthURL from cfg override Google's endpoints when set.
func NewConfig(cfg config.GoogleConfig) *oauth2.Config {
	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{calendar.CalendarEventsScope},
		Endpoint:     endpoint,
	}
}
