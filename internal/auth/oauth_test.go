package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sakif/identity-service/internal/apperror"
)

// fakeGoogle serves /token and /userinfo the way Google does.
type fakeGoogle struct {
	idClaims    jwt.MapClaims // nil → no id_token in the token response
	tokenStatus int
	userInfo    map[string]string
	gotVerifier string
}

func (g *fakeGoogle) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		g.gotVerifier = r.PostForm.Get("code_verifier")

		if g.tokenStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(g.tokenStatus)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		resp := map[string]any{
			"access_token": "google-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if g.idClaims != nil {
			raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, g.idClaims).SignedString([]byte("google-test-key"))
			require.NoError(t, err)
			resp["id_token"] = raw
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer google-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if g.userInfo == nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(g.userInfo)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(srv *httptest.Server) *GoogleProvider {
	return NewGoogleProvider(GoogleConfig{
		ClientID:     "client-123",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		UserInfoURL:  srv.URL + "/userinfo",
		Endpoint: &oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Timeout: 2 * time.Second,
	})
}

func TestGoogleProvider_AuthURL(t *testing.T) {
	p := NewGoogleProvider(GoogleConfig{ClientID: "client-123", ClientSecret: "s", RedirectURL: "http://cb"})

	u, err := url.Parse(p.AuthURL("state-abc", oauth2.GenerateVerifier()))
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "accounts.google.com", u.Host)
	assert.Equal(t, "state-abc", q.Get("state"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "client-123", q.Get("client_id"))
}

func TestGoogleProvider_Configured(t *testing.T) {
	assert.False(t, NewGoogleProvider(GoogleConfig{}).Configured())
	assert.False(t, NewGoogleProvider(GoogleConfig{ClientID: "x"}).Configured())
	assert.True(t, NewGoogleProvider(GoogleConfig{ClientID: "x", ClientSecret: "y"}).Configured())
}

func TestGoogleProvider_Exchange_IDToken(t *testing.T) {
	g := &fakeGoogle{idClaims: jwt.MapClaims{
		"sub":            "10987654321",
		"aud":            "client-123",
		"email":          "ab1234@columbia.edu",
		"email_verified": true,
		"name":           "Ada Byron",
		"picture":        "https://lh3.example.test/a.png",
	}}
	p := newTestProvider(g.server(t))

	identity, err := p.Exchange(context.Background(), "code", "verifier-xyz")
	require.NoError(t, err)

	assert.Equal(t, "10987654321", identity.Subject)
	assert.Equal(t, "ab1234@columbia.edu", identity.Email)
	assert.True(t, identity.EmailVerified)
	assert.Equal(t, "Ada Byron", identity.Name)
	assert.Equal(t, "https://lh3.example.test/a.png", identity.Picture)
	assert.Equal(t, "verifier-xyz", g.gotVerifier, "PKCE verifier must reach the token endpoint")
}

func TestGoogleProvider_Exchange_EmailVerifiedClaim(t *testing.T) {
	tests := []struct {
		name  string
		claim any
		want  bool
	}{
		{"boolean true", true, true},
		{"string true", "true", true},
		{"boolean false", false, false},
		{"absent", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := jwt.MapClaims{"sub": "1", "aud": "client-123", "email": "a@b.edu"}
			if tt.claim != nil {
				claims["email_verified"] = tt.claim
			}
			p := newTestProvider((&fakeGoogle{idClaims: claims}).server(t))

			identity, err := p.Exchange(context.Background(), "code", "v")
			require.NoError(t, err)
			assert.Equal(t, tt.want, identity.EmailVerified)
		})
	}
}

func TestGoogleProvider_Exchange_WrongAudience(t *testing.T) {
	g := &fakeGoogle{idClaims: jwt.MapClaims{"sub": "1", "aud": "someone-else", "email": "a@b.edu"}}
	p := newTestProvider(g.server(t))

	_, err := p.Exchange(context.Background(), "code", "v")
	assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
}

func TestGoogleProvider_Exchange_UserInfoFallback(t *testing.T) {
	g := &fakeGoogle{userInfo: map[string]string{
		"sub":   "555",
		"email": "cd5678@columbia.edu",
		"name":  "Carl D",
	}}
	p := newTestProvider(g.server(t))

	identity, err := p.Exchange(context.Background(), "code", "v")
	require.NoError(t, err)
	assert.Equal(t, "555", identity.Subject)
	assert.Equal(t, "cd5678@columbia.edu", identity.Email)
}

func TestGoogleProvider_Exchange_Errors(t *testing.T) {
	t.Run("rejected code", func(t *testing.T) {
		p := newTestProvider((&fakeGoogle{tokenStatus: http.StatusBadRequest}).server(t))
		_, err := p.Exchange(context.Background(), "bad", "v")
		assert.ErrorIs(t, err, apperror.ErrUnauthenticated)
	})

	t.Run("provider outage", func(t *testing.T) {
		p := newTestProvider((&fakeGoogle{tokenStatus: http.StatusServiceUnavailable}).server(t))
		_, err := p.Exchange(context.Background(), "code", "v")
		assert.ErrorIs(t, err, apperror.ErrUpstream)
	})

	t.Run("userinfo failure", func(t *testing.T) {
		p := newTestProvider((&fakeGoogle{}).server(t))
		_, err := p.Exchange(context.Background(), "code", "v")
		assert.ErrorIs(t, err, apperror.ErrUpstream)
	})
}
