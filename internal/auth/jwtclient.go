package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/model"
)

// JWTClient forwards token verification and issuance to the external JWT
// service. It never holds or reads a signing key: every decision about a
// token's validity is made by the remote service.
//
// Endpoints (relative to the configured base URL):
//
//	POST /auth/verify  {"token": "..."}                     → {"valid": bool, "payload": {...}}
//	POST /auth/token   {"user_id": 1, "uni": "...", "email"} → {"token": "..."} or {"access_token": "..."}
type JWTClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewJWTClient creates a client for the service at baseURL. Each call is
// bounded by timeout.
func NewJWTClient(baseURL string, timeout time.Duration, httpClient *http.Client) *JWTClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &JWTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: httpClient,
	}
}

// VerifyResult is the remote service's verdict on a token.
type VerifyResult struct {
	Valid   bool          `json:"valid"`
	Payload jwt.MapClaims `json:"payload,omitempty"`
}

// Verify asks the JWT service whether token is valid.
//
// A transport failure or timeout is apperror.ErrUnavailable; a non-2xx
// answer is apperror.ErrUpstream. An invalid token is NOT an error: the
// result comes back with Valid=false.
func (c *JWTClient) Verify(ctx context.Context, token string) (*VerifyResult, error) {
	var result VerifyResult
	if err := c.post(ctx, "/auth/verify", map[string]string{"token": token}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// VerifyUser verifies token and returns the user id it was issued for.
//
// Every failure (unreachable service, bad status, invalid or expired token,
// missing subject) collapses into apperror.ErrUnauthenticated.
func (c *JWTClient) VerifyUser(ctx context.Context, token string) (int64, error) {
	result, err := c.Verify(ctx, token)
	if err != nil {
		return 0, &apperror.AppError{
			Err:     fmt.Errorf("%w: %w", apperror.ErrUnauthenticated, err),
			Message: "token could not be verified",
		}
	}
	if !result.Valid {
		return 0, apperror.Unauthenticated("token is invalid or expired")
	}

	userID, ok := subjectID(result.Payload)
	if !ok {
		return 0, apperror.Unauthenticated("token does not identify a user")
	}
	return userID, nil
}

// IssueToken asks the JWT service to mint a token for user.
func (c *JWTClient) IssueToken(ctx context.Context, user *model.User) (string, error) {
	body := map[string]any{
		"user_id": user.UserID,
		"uni":     user.UNI,
		"email":   user.Email,
	}
	var resp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := c.post(ctx, "/auth/token", body, &resp); err != nil {
		return "", err
	}
	if resp.Token != "" {
		return resp.Token, nil
	}
	if resp.AccessToken != "" {
		return resp.AccessToken, nil
	}
	return "", apperror.Upstream("JWT service returned no token", nil)
}

// post sends body as JSON and decodes a 2xx JSON answer into out.
func (c *JWTClient) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("auth: encoding %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("auth: building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(chimiddleware.RequestIDHeader, requestID(ctx))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &apperror.AppError{
			Err:     fmt.Errorf("%w: %w", apperror.ErrUnavailable, err),
			Message: "JWT service is unavailable",
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return apperror.Upstream("JWT service returned an error",
			fmt.Errorf("POST %s: status %d", path, resp.StatusCode))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return apperror.Upstream("JWT service returned an unreadable response", err)
	}
	return nil
}

// requestID propagates the inbound chi request id, or mints one for calls
// made outside a request.
func requestID(ctx context.Context) string {
	if id := chimiddleware.GetReqID(ctx); id != "" {
		return id
	}
	return xid.New().String()
}

// subjectID reads the user id from "sub" or "user_id", as a string or a
// JSON number.
func subjectID(claims jwt.MapClaims) (int64, bool) {
	for _, key := range []string{"sub", "user_id"} {
		switch v := claims[key].(type) {
		case string:
			if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
				return id, true
			}
		case float64:
			if v > 0 && v == float64(int64(v)) {
				return int64(v), true
			}
		case json.Number:
			if id, err := v.Int64(); err == nil && id > 0 {
				return id, true
			}
		}
	}
	return 0, false
}
