package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/repository"
)

// SessionCookieName is the cookie set by the session strategy.
const SessionCookieName = "session_id"

// Authenticator resolves the user behind a request. Exactly one
// implementation is chosen at startup; handlers never branch on which.
type Authenticator interface {
	Authenticate(r *http.Request) (int64, error)
}

// TokenVerifier is the slice of JWTClient that DelegatedJWT needs.
type TokenVerifier interface {
	VerifyUser(ctx context.Context, token string) (int64, error)
}

// DelegatedJWT authenticates "Authorization: Bearer <token>" by asking the
// external JWT service.
type DelegatedJWT struct {
	verifier TokenVerifier
}

func NewDelegatedJWT(verifier TokenVerifier) *DelegatedJWT {
	return &DelegatedJWT{verifier: verifier}
}

func (d *DelegatedJWT) Authenticate(r *http.Request) (int64, error) {
	token, ok := BearerToken(r)
	if !ok {
		return 0, apperror.Unauthenticated("a Bearer token is required")
	}
	return d.verifier.VerifyUser(r.Context(), token)
}

// SessionCookie authenticates the session_id cookie against the session
// store. Meant for local development and tests only; config refuses it in
// production.
type SessionCookie struct {
	sessions repository.SessionStore
	now      func() time.Time
}

func NewSessionCookie(sessions repository.SessionStore) *SessionCookie {
	return &SessionCookie{sessions: sessions, now: time.Now}
}

func (s *SessionCookie) Authenticate(r *http.Request) (int64, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return 0, apperror.Unauthenticated("a session cookie is required")
	}

	sess, err := s.sessions.GetSession(r.Context(), cookie.Value, s.now())
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return 0, apperror.Unauthenticated("session is invalid or expired")
		}
		return 0, fmt.Errorf("auth: reading session: %w", err)
	}
	return sess.UserID, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
