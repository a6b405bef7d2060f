package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/repository"
)

type fakeVerifier struct {
	tokens map[string]int64
}

func (f *fakeVerifier) VerifyUser(ctx context.Context, token string) (int64, error) {
	if id, ok := f.tokens[token]; ok {
		return id, nil
	}
	return 0, apperror.Unauthenticated("token is invalid or expired")
}

type fakeSessions struct {
	sessions map[string]repository.Session
}

func (f *fakeSessions) CreateSession(ctx context.Context, s repository.Session) error {
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeSessions) GetSession(ctx context.Context, id string, now time.Time) (*repository.Session, error) {
	s, ok := f.sessions[id]
	if !ok || !s.ExpiresAt.After(now) {
		return nil, apperror.NotFound("session", id)
	}
	return &s, nil
}

func (f *fakeSessions) DeleteSession(ctx context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(r)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestDelegatedJWT(t *testing.T) {
	a := NewDelegatedJWT(&fakeVerifier{tokens: map[string]int64{"good": 9}})

	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	_, err := a.Authenticate(r)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)

	r.Header.Set("Authorization", "Bearer good")
	id, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)

	// A session cookie means nothing to the JWT strategy.
	r = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "s"})
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestSessionCookie(t *testing.T) {
	store := &fakeSessions{sessions: map[string]repository.Session{
		"live":    {ID: "live", UserID: 4, ExpiresAt: time.Now().Add(time.Hour)},
		"expired": {ID: "expired", UserID: 4, ExpiresAt: time.Now().Add(-time.Hour)},
	}}
	a := NewSessionCookie(store)

	tests := []struct {
		name    string
		cookie  string
		wantID  int64
		wantErr bool
	}{
		{"live session", "live", 4, false},
		{"expired session", "expired", 0, true},
		{"unknown session", "nope", 0, true},
		{"no cookie", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if tt.cookie != "" {
				r.AddCookie(&http.Cookie{Name: SessionCookieName, Value: tt.cookie})
			}
			id, err := a.Authenticate(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestRequireAuth(t *testing.T) {
	a := NewDelegatedJWT(&fakeVerifier{tokens: map[string]int64{"good": 12}})

	var seen int64
	h := RequireAuth(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("rejected", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")
		var body map[string]string
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, "unauthorized", body["error"])
	})

	t.Run("accepted", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
		r.Header.Set("Authorization", "Bearer good")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, r)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, int64(12), seen)
	})
}

func TestUserIDFromContext(t *testing.T) {
	_, ok := UserIDFromContext(context.Background())
	assert.False(t, ok)

	id, ok := UserIDFromContext(withUserID(context.Background(), 5))
	assert.True(t, ok)
	assert.Equal(t, int64(5), id)
}
