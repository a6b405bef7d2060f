package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/auth"
	"github.com/sakif/identity-service/internal/handler"
	"github.com/sakif/identity-service/internal/model"
	"github.com/sakif/identity-service/internal/repository"
	sqliteRepo "github.com/sakif/identity-service/internal/repository/sqlite"
	"github.com/sakif/identity-service/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubGoogle stands in for auth.GoogleProvider.
type stubGoogle struct {
	identity *model.GoogleIdentity
	err      error
}

func (g *stubGoogle) Configured() bool { return true }

func (g *stubGoogle) AuthURL(state, verifier string) string {
	return "https://accounts.google.test/o/oauth2/auth?state=" + state
}

func (g *stubGoogle) Exchange(ctx context.Context, code, verifier string) (*model.GoogleIdentity, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.identity, nil
}

// stubVerifier stands in for auth.JWTClient.
type stubVerifier struct {
	results map[string]*auth.VerifyResult
	err     error
}

func (v *stubVerifier) Verify(ctx context.Context, token string) (*auth.VerifyResult, error) {
	if v.err != nil {
		return nil, v.err
	}
	if r, ok := v.results[token]; ok {
		return r, nil
	}
	return &auth.VerifyResult{Valid: false}, nil
}

func (v *stubVerifier) VerifyUser(ctx context.Context, token string) (int64, error) {
	r, err := v.Verify(ctx, token)
	if err != nil || !r.Valid {
		return 0, apperror.Unauthenticated("token is invalid or expired")
	}
	id, _ := r.Payload["sub"].(float64)
	return int64(id), nil
}

type testEnv struct {
	db       *sqliteRepo.DB
	router   *chi.Mux
	google   *stubGoogle
	verifier *stubVerifier
}

type envOptions struct {
	sessions     bool
	callbackMode string
}

// newTestEnv wires the handlers onto an in-memory database the same way
// the server does.
func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	db, err := sqliteRepo.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db:       db,
		router:   chi.NewRouter(),
		google:   &stubGoogle{},
		verifier: &stubVerifier{results: map[string]*auth.VerifyResult{}},
	}

	var authenticator auth.Authenticator = auth.NewDelegatedJWT(env.verifier)
	authOpts := service.AuthOptions{}
	if opts.sessions {
		authenticator = auth.NewSessionCookie(db)
		authOpts.Sessions = db
	}

	logger := discardLogger()
	users := handler.NewUserHandler(service.NewUserService(db, logger), logger)
	authSvc := service.NewAuthService(db, db, env.google, authOpts, logger)
	authH := handler.NewAuthHandler(authSvc, env.verifier, handler.AuthOptions{
		CallbackMode: opts.callbackMode,
		FrontendURL:  "http://frontend.test/app",
	}, logger)

	env.router.Route("/users", func(r chi.Router) {
		r.Get("/", users.HandleList)
		r.Post("/", users.HandleCreate)
		r.Get("/by-id/{user_id}", users.HandleGetByID)
		r.Get("/by-email/{email}", users.HandleGetByEmail)
		r.Get("/{uni}", users.HandleGetByUNI)
		r.Put("/{uni}", users.HandleReplace)
		r.Delete("/{uni}", users.HandleDelete)
		r.Get("/{uni}/profile", users.HandleProfile)
	})
	env.router.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authH.HandleGoogleLogin)
		r.Get("/google/callback", authH.HandleGoogleCallback)
		r.Post("/verify-jwt", authH.HandleVerifyJWT)
		r.Post("/logout", authH.HandleLogout)
		r.With(auth.RequireAuth(authenticator)).Get("/me", authH.HandleMe)
	})
	return env
}

// do sends a request through the router. headers alternate key, value.
func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) createUser(t *testing.T, uni, email string) *httptest.ResponseRecorder {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/users", map[string]string{
		"uni":          uni,
		"student_name": "Student " + uni,
		"email":        email,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

// userBody is the decoded shape of a user resource.
type userBody struct {
	UserID      int64                        `json:"user_id"`
	UNI         string                       `json:"uni"`
	StudentName string                       `json:"student_name"`
	DeptName    string                       `json:"dept_name"`
	Email       string                       `json:"email"`
	GoogleID    *string                      `json:"google_id"`
	Links       map[string]map[string]string `json:"_links"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

var listAll = repository.ListOptions{Limit: 1000}
