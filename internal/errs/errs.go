// Package errs holds the error taxonomy shared by the stores, the Google
// gateway, the token refresher, and the sync engine.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation, e.g. a second
	// local event referencing the same remote event id.
	ErrAlreadyExists = errors.New("already exists")

	// ErrCredentialMissing means the user has no active calendar connection.
	// It is a precondition skip, not a failure.
	ErrCredentialMissing = errors.New("calendar not connected")

	// ErrRemoteNotFound marks a 404/410 from the calendar provider.
	ErrRemoteNotFound = errors.New("remote event not found")

	// ErrValidation wraps rejected caller input.
	ErrValidation = errors.New("validation")

	// ErrStale means a conditional write found the row changed (or gone)
	// since it was read, and nothing was written.
	ErrStale = errors.New("row changed concurrently")
)

// TokenRefreshError reports that a refresh token could not be exchanged for a
// new access token. The user has to reconnect the calendar.
type TokenRefreshError struct {
	UserID string
	Err    error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("refreshing token for user %s: %v", e.UserID, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// RemoteAPIError is a non-2xx (or transport) failure from the calendar
// provider. Status is 0 for transport errors. Body carries the provider's raw
// error payload for diagnostics.
type RemoteAPIError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *RemoteAPIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("calendar %s: %v", e.Op, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("calendar %s: status %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("calendar %s: status %d", e.Op, e.Status)
}

// Unwrap exposes ErrRemoteNotFound for 404 and 410 responses so callers can
// use errors.Is, and the underlying transport error otherwise.
func (e *RemoteAPIError) Unwrap() []error {
	var out []error
	if e.NotFound() {
		out = append(out, ErrRemoteNotFound)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NotFound reports whether the provider said the event is gone.
func (e *RemoteAPIError) NotFound() bool {
	return e.Status == http.StatusNotFound || e.Status == http.StatusGone
}

// IsTokenRefresh reports whether err is (or wraps) a TokenRefreshError.
func IsTokenRefresh(err error) bool {
	var tre *TokenRefreshError
	return errors.As(err, &tre)
}

// Validationf builds an ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
