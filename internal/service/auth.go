package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/model"
	"github.com/sakif/identity-service/internal/repository"
)

// maxUNILength mirrors the users.uni column limit.
const maxUNILength = 32

// linkAttempts bounds the retries of a login that loses a write race.
const linkAttempts = 3

// IdentityProvider is the OAuth2/OIDC side of the login flow.
// auth.GoogleProvider implements it.
type IdentityProvider interface {
	Configured() bool
	AuthURL(state, codeVerifier string) string
	Exchange(ctx context.Context, code, codeVerifier string) (*model.GoogleIdentity, error)
}

// TokenIssuer asks an external service to mint a session token.
// auth.JWTClient implements it.
type TokenIssuer interface {
	IssueToken(ctx context.Context, user *model.User) (string, error)
}

// AuthOptions configures AuthService.
type AuthOptions struct {
	StateTTL   time.Duration
	SessionTTL time.Duration

	// Sessions is set when the session-cookie strategy is active; a
	// successful callback then creates a server-side session.
	Sessions repository.SessionStore

	// Tokens, when set, is asked for a token after every successful login.
	Tokens TokenIssuer
}

// AuthService runs the login state machine: issue state → verify state on
// callback → exchange code → resolve the local account.
type AuthService struct {
	users    repository.UserRepository
	states   repository.StateStore
	provider IdentityProvider
	opts     AuthOptions
	logger   *slog.Logger
	now      func() time.Time
}

func NewAuthService(
	users repository.UserRepository,
	states repository.StateStore,
	provider IdentityProvider,
	opts AuthOptions,
	logger *slog.Logger,
) *AuthService {
	if opts.StateTTL <= 0 {
		opts.StateTTL = 10 * time.Minute
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	return &AuthService{
		users:    users,
		states:   states,
		provider: provider,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// BeginLogin issues a fresh single-use state (plus PKCE verifier) and
// returns the provider URL to redirect the browser to.
func (s *AuthService) BeginLogin(ctx context.Context) (string, error) {
	if s.provider == nil || !s.provider.Configured() {
		return "", apperror.Unavailable("Google login is not configured")
	}

	// GenerateVerifier returns 32 bytes from crypto/rand, base64url encoded.
	st := repository.OAuthState{
		State:        oauth2.GenerateVerifier(),
		CodeVerifier: oauth2.GenerateVerifier(),
		ExpiresAt:    s.now().Add(s.opts.StateTTL),
	}
	if err := s.states.SaveState(ctx, st); err != nil {
		return "", fmt.Errorf("service/auth: saving state: %w", err)
	}

	return s.provider.AuthURL(st.State, st.CodeVerifier), nil
}

// CallbackParams are the query parameters of the provider redirect.
type CallbackParams struct {
	State string
	Code  string
	Error string
}

// LoginResult is what a successful callback produces.
type LoginResult struct {
	User *model.User

	// Token is set when the external JWT service issued one.
	Token string

	// SessionID/SessionExpiresAt are set under the session strategy.
	SessionID        string
	SessionExpiresAt time.Time
}

// CompleteLogin handles the provider callback.
//
// The state is consumed before anything else, so a forged, replayed or
// expired state fails with apperror.ErrValidation and never reaches the
// user table.
func (s *AuthService) CompleteLogin(ctx context.Context, p CallbackParams) (*LoginResult, error) {
	if p.State == "" {
		return nil, apperror.ValidationFailed("state", "missing OAuth state")
	}

	st, err := s.states.ConsumeState(ctx, p.State, s.now())
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.logger.Warn("oauth callback: unknown or reused state")
			return nil, apperror.ValidationFailed("state", "invalid or expired OAuth state")
		}
		return nil, fmt.Errorf("service/auth: consuming state: %w", err)
	}

	if p.Error != "" {
		s.logger.Info("oauth callback: provider returned error", slog.String("error", p.Error))
		return nil, apperror.ValidationFailed("error", "authorization was not granted: "+p.Error)
	}
	if p.Code == "" {
		return nil, apperror.ValidationFailed("code", "missing OAuth code")
	}

	identity, err := s.provider.Exchange(ctx, p.Code, st.CodeVerifier)
	if err != nil {
		return nil, err
	}
	if identity.Subject == "" || identity.Email == "" {
		return nil, apperror.ValidationFailed("email", "identity provider did not return a subject and email")
	}

	user, err := s.resolveWithRetry(ctx, identity)
	if err != nil {
		return nil, err
	}

	result := &LoginResult{User: user}

	if s.opts.Sessions != nil {
		sess := repository.Session{
			ID:        oauth2.GenerateVerifier(),
			UserID:    user.UserID,
			ExpiresAt: s.now().Add(s.opts.SessionTTL),
		}
		if err := s.opts.Sessions.CreateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("service/auth: creating session: %w", err)
		}
		result.SessionID = sess.ID
		result.SessionExpiresAt = sess.ExpiresAt
	}

	if s.opts.Tokens != nil {
		token, err := s.opts.Tokens.IssueToken(ctx, user)
		if err != nil {
			// The login itself succeeded; the client can still obtain a token later.
			s.logger.Warn("oauth callback: token issuance failed",
				slog.Int64("userID", user.UserID),
				slog.String("error", err.Error()),
			)
		} else {
			result.Token = token
		}
	}

	return result, nil
}

// resolveWithRetry re-runs resolution when a concurrent writer moved the
// row (precondition failed) or took the uni we picked (conflict on create).
func (s *AuthService) resolveWithRetry(ctx context.Context, id *model.GoogleIdentity) (*model.User, error) {
	var err error
	for attempt := 0; attempt < linkAttempts; attempt++ {
		var user *model.User
		user, err = s.resolve(ctx, id)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, apperror.ErrPreconditionFailed) && !isUNIConflict(err) {
			return nil, err
		}
	}
	return nil, err
}

func isUNIConflict(err error) bool {
	var appErr *apperror.AppError
	return errors.Is(err, apperror.ErrConflict) && errors.As(err, &appErr) && appErr.Field == "uni"
}

// resolve maps a provider identity onto a local account:
//
//  1. google_id already linked → refresh the profile
//  2. email already registered → link google_id to that account
//  3. otherwise                → create a new account
func (s *AuthService) resolve(ctx context.Context, id *model.GoogleIdentity) (*model.User, error) {
	user, err := s.users.GetByGoogleID(ctx, id.Subject)
	switch {
	case err == nil:
		prev := user.LastSeenAt
		if user.Email != id.Email {
			user.Email = id.Email
		}
		fillProfile(user, id)
		user.LastSeenAt = nextLastSeen(prev, s.now())
		if err := s.users.Update(ctx, user, prev); err != nil {
			return nil, fmt.Errorf("service/auth: refreshing user %d: %w", user.UserID, err)
		}
		s.logger.Info("user authenticated via Google", slog.Int64("userID", user.UserID))
		return user, nil
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, fmt.Errorf("service/auth: looking up google id: %w", err)
	}

	user, err = s.users.GetByEmail(ctx, id.Email)
	switch {
	case err == nil:
		if user.HasGoogleID() {
			// The email belongs to an account linked to a different Google identity.
			return nil, apperror.Conflict("user", "email", id.Email)
		}
		if !id.EmailVerified {
			s.logger.Warn("oauth callback: refusing to link unverified email",
				slog.Int64("userID", user.UserID),
			)
			return nil, &apperror.AppError{
				Err:     apperror.ErrConflict,
				Message: "an account with this email exists, but Google has not verified the address",
				Field:   "email",
			}
		}
		prev := user.LastSeenAt
		sub := id.Subject
		user.GoogleID = &sub
		fillProfile(user, id)
		user.LastSeenAt = nextLastSeen(prev, s.now())
		if err := s.users.Update(ctx, user, prev); err != nil {
			return nil, fmt.Errorf("service/auth: linking user %d: %w", user.UserID, err)
		}
		s.logger.Info("linked Google identity to existing account",
			slog.Int64("userID", user.UserID),
			slog.String("uni", user.UNI),
		)
		return user, nil
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, fmt.Errorf("service/auth: looking up email: %w", err)
	}

	uni, err := s.availableUNI(ctx, baseUNI(id))
	if err != nil {
		return nil, err
	}

	sub := id.Subject
	name := id.Name
	if name == "" {
		name = localPart(id.Email)
	}
	user = &model.User{
		UNI:         uni,
		StudentName: truncate(name, 120),
		Email:       id.Email,
		AvatarURL:   truncate(id.Picture, 512),
		GoogleID:    &sub,
		LastSeenAt:  s.now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("service/auth: creating user from Google identity: %w", err)
	}
	s.logger.Info("new user created from Google identity",
		slog.Int64("userID", user.UserID),
		slog.String("uni", user.UNI),
	)
	return user, nil
}

// fillProfile copies provider fields the user has not set themselves.
func fillProfile(u *model.User, id *model.GoogleIdentity) {
	if u.StudentName == "" && id.Name != "" {
		u.StudentName = truncate(id.Name, 120)
	}
	if u.AvatarURL == "" && id.Picture != "" {
		u.AvatarURL = truncate(id.Picture, 512)
	}
}

// baseUNI derives a uni from the email's local part, keeping only
// characters that are safe in a URL path segment.
func baseUNI(id *model.GoogleIdentity) string {
	var b strings.Builder
	for _, r := range localPart(id.Email) {
		if isUNIRune(r) {
			b.WriteRune(r)
		}
	}
	base := truncate(b.String(), maxUNILength)
	if !validUNI(base) {
		sub := id.Subject
		if len(sub) > 8 {
			sub = sub[:8]
		}
		return "user_" + sub
	}
	return base
}

// availableUNI returns base, or base_1, base_2, ... for the first free one.
func (s *AuthService) availableUNI(ctx context.Context, base string) (string, error) {
	candidate := base
	for n := 1; ; n++ {
		taken, err := s.users.UNIExists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("service/auth: checking uni: %w", err)
		}
		if !taken {
			return candidate, nil
		}
		suffix := "_" + strconv.Itoa(n)
		candidate = truncate(base, maxUNILength-len(suffix)) + suffix
	}
}

// Logout deletes the server-side session, if there is one.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if s.opts.Sessions == nil || sessionID == "" {
		return nil
	}
	if err := s.opts.Sessions.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("service/auth: logout: %w", err)
	}
	return nil
}

// CurrentUser returns the user an authenticated request belongs to.
func (s *AuthService) CurrentUser(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %d: %w", userID, err)
	}
	return user, nil
}

// PurgeExpired removes expired states and sessions.
func (s *AuthService) PurgeExpired(ctx context.Context) (int64, error) {
	return s.states.PurgeExpiredStates(ctx, s.now())
}

func localPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
