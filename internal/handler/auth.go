package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/auth"
	"github.com/sakif/identity-service/internal/config"
	"github.com/sakif/identity-service/internal/service"
)

// TokenVerifier is the part of auth.JWTClient behind POST /auth/verify-jwt.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.VerifyResult, error)
}

// AuthOptions shapes how the login callback answers.
type AuthOptions struct {
	CallbackMode string // config.CallbackJSON or config.CallbackRedirect
	FrontendURL  string // redirect target in redirect mode
	CookieSecure bool
}

// AuthHandler manages the Google login flow and the session endpoints.
//
// HANDLER RESPONSIBILITIES:
//   - HandleGoogleLogin    → issue state, redirect to Google
//   - HandleGoogleCallback → verify state, resolve the account, answer per CallbackMode
//   - HandleMe             → the authenticated user (behind auth.RequireAuth)
//   - HandleVerifyJWT      → proxy a token check to the JWT service
//   - HandleLogout         → drop the server session, expire the cookie
type AuthHandler struct {
	auth     *service.AuthService
	verifier TokenVerifier
	opts     AuthOptions
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(authSvc *service.AuthService, verifier TokenVerifier, opts AuthOptions, logger *slog.Logger) *AuthHandler {
	if opts.CallbackMode == "" {
		opts.CallbackMode = config.CallbackJSON
	}
	return &AuthHandler{
		auth:     authSvc,
		verifier: verifier,
		opts:     opts,
		logger:   logger,
	}
}

// LoginResponse is the JSON body of a successful callback.
type LoginResponse struct {
	User  UserResource `json:"user"`
	Token string       `json:"token,omitempty"`
	Links Links        `json:"_links"`
}

// HandleGoogleLogin redirects the browser to Google's consent page.
//
// HTTP: GET /auth/google/login
//
// The state is stored server side with an expiry, not in a cookie, so any
// replica can complete the callback and a state works exactly once.
func (h *AuthHandler) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	redirectURL, err := h.auth.BeginLogin(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// HandleGoogleCallback completes the login.
//
// HTTP: GET /auth/google/callback?code=xxx&state=yyy
//
// A missing, unknown, expired or replayed state is a 400 and no user row is
// touched. Errors are always JSON, whatever the CallbackMode.
func (h *AuthHandler) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.auth.CompleteLogin(r.Context(), service.CallbackParams{
		State: q.Get("state"),
		Code:  q.Get("code"),
		Error: q.Get("error"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if result.SessionID != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     auth.SessionCookieName,
			Value:    result.SessionID,
			Path:     "/",
			Expires:  result.SessionExpiresAt,
			MaxAge:   int(time.Until(result.SessionExpiresAt).Seconds()),
			HttpOnly: true,
			Secure:   h.opts.CookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}

	if h.opts.CallbackMode == config.CallbackRedirect {
		http.Redirect(w, r, h.frontendRedirect(result), http.StatusFound)
		return
	}

	writeJSON(w, http.StatusOK, LoginResponse{
		User:  userResource(result.User),
		Token: result.Token,
		Links: Links{
			"self": {Href: userPath(result.User.UNI)},
			"me":   {Href: "/auth/me"},
		},
	})
}

// frontendRedirect appends the login outcome as a URL fragment. Fragments
// never reach the frontend's server logs.
func (h *AuthHandler) frontendRedirect(result *service.LoginResult) string {
	v := url.Values{}
	v.Set("user_id", strconv.FormatInt(result.User.UserID, 10))
	v.Set("uni", result.User.UNI)
	if result.Token != "" {
		v.Set("token", result.Token)
	}
	base, _, _ := strings.Cut(h.opts.FrontendURL, "#")
	return base + "#" + v.Encode()
}

// HandleMe returns the authenticated user.
//
// HTTP: GET /auth/me (behind auth.RequireAuth)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Unauthenticated("authentication required"))
		return
	}
	user, err := h.auth.CurrentUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userResource(user))
}

// verifyRequest is the body of POST /auth/verify-jwt.
type verifyRequest struct {
	Token string `json:"token"`
}

// HandleVerifyJWT asks the JWT service about a token.
//
// HTTP: POST /auth/verify-jwt
// The token comes from {"token": "..."}. When the body carries no token an
// "Authorization: Bearer" header is used instead; a body token always wins.
//
// Missing token → 400, service unreachable → 503, service error → 502,
// invalid token → 401, otherwise 200 {"valid": true, "payload": {...}}.
func (h *AuthHandler) HandleVerifyJWT(w http.ResponseWriter, r *http.Request) {
	var token string
	if r.ContentLength != 0 {
		var body verifyRequest
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		token = strings.TrimSpace(body.Token)
	}
	if token == "" {
		token, _ = auth.BearerToken(r)
	}
	if token == "" {
		writeError(w, apperror.ValidationFailed("token", "token is required"))
		return
	}

	result, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.logger.Warn("jwt verification failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	if !result.Valid {
		writeError(w, apperror.Unauthenticated("token is invalid or expired"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleLogout ends the session, if there is one.
//
// HTTP: POST /auth/logout
// Always 200: logging out twice, or without a session, is not an error.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(auth.SessionCookieName); err == nil && c.Value != "" {
		if err := h.auth.Logout(r.Context(), c.Value); err != nil {
			h.logger.Warn("logout: deleting session", slog.String("error", err.Error()))
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}
