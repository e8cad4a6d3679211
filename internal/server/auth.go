package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const userIDKey ctxKey = "calsync.userID"

// stateAudience scopes OAuth state tokens so a session token cannot be
// replayed as a state parameter and vice versa.
const stateAudience = "calsync/google-connect"

// DefaultStateTTL bounds how long a user has to complete the consent screen.
const DefaultStateTTL = 10 * time.Minute

var errUnauthorized = errors.New("unauthorized")

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromCtx returns the authenticated user id.
func UserIDFromCtx(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// IssueSessionToken signs an HS256 session token for userID. The CRM issues
// these in production; the function exists for tooling and tests.
func IssueSessionToken(key []byte, userID string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// requireUser authenticates the request's bearer token and stores the user id
// in the request context. allowQuery also accepts ?token= for clients that
// cannot set headers, such as calendar apps subscribing to the ICS feed.
func (s *Server) requireUser(next http.HandlerFunc, allowQuery bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" && allowQuery {
			tok = r.URL.Query().Get("token")
		}
		if tok == "" {
			s.writeError(w, r, fmt.Errorf("%w: no bearer token", errUnauthorized))
			return
		}
		userID, err := s.verify(tok, "")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r.WithContext(WithUserID(r.Context(), userID)))
	}
}

// verify checks an HS256 token and returns its subject. A non-empty audience
// must be present in the token; session tokens carry none.
func (s *Server) verify(tok, audience string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.opts.SessionKey, nil
	},
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", errUnauthorized)
	}

	if audience != "" {
		if !hasAudience(claims.Audience, audience) {
			return "", fmt.Errorf("%w: wrong audience", errUnauthorized)
		}
	} else if len(claims.Audience) > 0 {
		return "", fmt.Errorf("%w: not a session token", errUnauthorized)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: bad subject", errUnauthorized)
	}
	return claims.Subject, nil
}

// signState returns a short-lived OAuth state parameter carrying userID.
func (s *Server) signState(userID string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Audience:  jwt.ClaimStrings{stateAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.StateTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.opts.SessionKey)
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}
