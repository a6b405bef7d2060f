package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/model"
	"github.com/sakif/identity-service/internal/repository"
)

// =========================================================================
// FAKES
// =========================================================================

// fakeUserRepo is an in-memory repository.UserRepository with the same
// uniqueness and compare-and-swap rules as the sqlite implementation.
type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[int64]model.User
	nextID int64

	// set to simulate a failing database
	createErr error
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[int64]model.User), nextID: 1}
}

func clone(u model.User) *model.User {
	if u.GoogleID != nil {
		id := *u.GoogleID
		u.GoogleID = &id
	}
	return &u
}

func (f *fakeUserRepo) conflict(u *model.User) error {
	for id, other := range f.users {
		if id == u.UserID {
			continue
		}
		switch {
		case other.UNI == u.UNI:
			return apperror.Conflict("user", "uni", u.UNI)
		case strings.EqualFold(other.Email, u.Email):
			return apperror.Conflict("user", "email", u.Email)
		case u.HasGoogleID() && other.HasGoogleID() && *other.GoogleID == *u.GoogleID:
			return apperror.Conflict("user", "google_id", *u.GoogleID)
		}
	}
	return nil
}

func (f *fakeUserRepo) Create(ctx context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if err := f.conflict(user); err != nil {
		return err
	}
	user.UserID = f.nextID
	f.nextID++
	f.users[user.UserID] = *clone(*user)
	return nil
}

func (f *fakeUserRepo) find(match func(model.User) bool, label string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if match(u) {
			return clone(u), nil
		}
	}
	return nil, apperror.NotFound("user", label)
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	return f.find(func(u model.User) bool { return u.UserID == id }, strconv.FormatInt(id, 10))
}

func (f *fakeUserRepo) GetByUNI(ctx context.Context, uni string) (*model.User, error) {
	return f.find(func(u model.User) bool { return u.UNI == uni }, uni)
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return f.find(func(u model.User) bool { return strings.EqualFold(u.Email, email) }, email)
}

func (f *fakeUserRepo) GetByGoogleID(ctx context.Context, googleID string) (*model.User, error) {
	return f.find(func(u model.User) bool { return u.HasGoogleID() && *u.GoogleID == googleID }, googleID)
}

func (f *fakeUserRepo) List(ctx context.Context, opts repository.ListOptions) ([]model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := make([]model.User, 0, len(f.users))
	for _, u := range f.users {
		all = append(all, *clone(u))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UserID < all[j].UserID })
	if opts.Offset >= len(all) {
		return []model.User{}, nil
	}
	all = all[opts.Offset:]
	if len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	return all, nil
}

func (f *fakeUserRepo) UNIExists(ctx context.Context, uni string) (bool, error) {
	_, err := f.GetByUNI(ctx, uni)
	return err == nil, nil
}

func (f *fakeUserRepo) Update(ctx context.Context, user *model.User, expectedLastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.users[user.UserID]
	if !ok {
		return apperror.NotFound("user", user.UNI)
	}
	if !stored.LastSeenAt.Equal(expectedLastSeen) {
		return apperror.PreconditionFailed("modified concurrently")
	}
	if err := f.conflict(user); err != nil {
		return err
	}
	f.users[user.UserID] = *clone(*user)
	return nil
}

func (f *fakeUserRepo) Delete(ctx context.Context, uni string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, u := range f.users {
		if u.UNI == uni {
			delete(f.users, id)
			return nil
		}
	}
	return apperror.NotFound("user", uni)
}

func (f *fakeUserRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users)
}

// fakeStateStore implements repository.StateStore and repository.SessionStore.
type fakeStateStore struct {
	mu       sync.Mutex
	states   map[string]repository.OAuthState
	sessions map[string]repository.Session
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		states:   make(map[string]repository.OAuthState),
		sessions: make(map[string]repository.Session),
	}
}

func (f *fakeStateStore) SaveState(ctx context.Context, st repository.OAuthState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[st.State] = st
	return nil
}

func (f *fakeStateStore) ConsumeState(ctx context.Context, state string, now time.Time) (*repository.OAuthState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[state]
	delete(f.states, state)
	if !ok || !st.ExpiresAt.After(now) {
		return nil, apperror.NotFound("oauth state", "(redacted)")
	}
	return &st, nil
}

func (f *fakeStateStore) PurgeExpiredStates(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, st := range f.states {
		if !st.ExpiresAt.After(now) {
			delete(f.states, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeStateStore) CreateSession(ctx context.Context, s repository.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeStateStore) GetSession(ctx context.Context, id string, now time.Time) (*repository.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || !s.ExpiresAt.After(now) {
		return nil, apperror.NotFound("session", "(redacted)")
	}
	return &s, nil
}

func (f *fakeStateStore) DeleteSession(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

// fakeProvider is a scripted IdentityProvider.
type fakeProvider struct {
	identity     *model.GoogleIdentity
	err          error
	exchanges    int
	lastVerifier string
}

func (p *fakeProvider) Configured() bool { return true }

func (p *fakeProvider) AuthURL(state, verifier string) string {
	return "https://accounts.example.test/auth?state=" + state
}

func (p *fakeProvider) Exchange(ctx context.Context, code, verifier string) (*model.GoogleIdentity, error) {
	p.exchanges++
	p.lastVerifier = verifier
	if p.err != nil {
		return nil, p.err
	}
	id := *p.identity
	return &id, nil
}

type fakeIssuer struct {
	token string
	err   error
}

func (i *fakeIssuer) IssueToken(ctx context.Context, user *model.User) (string, error) {
	return i.token, i.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
