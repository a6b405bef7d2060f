// Package repository declares the storage contracts used by the service layer.
// Implementations live in sub-packages (repository/sqlite).
package repository

import (
	"context"
	"time"

	"github.com/sakif/identity-service/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// UserRepository persists user records.
//
// Lookups return an *apperror.AppError wrapping ErrNotFound when no row
// matches; Create and Update return ErrConflict on a uniqueness violation.
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id int64) (*model.User, error)
	GetByUNI(ctx context.Context, uni string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByGoogleID(ctx context.Context, googleID string) (*model.User, error)
	List(ctx context.Context, opts ListOptions) ([]model.User, error)
	UNIExists(ctx context.Context, uni string) (bool, error)

	// Update overwrites every mutable column of user, but only if the stored
	// last_seen_at still equals expectedLastSeen. It returns
	// apperror.ErrPreconditionFailed when another writer got there first.
	Update(ctx context.Context, user *model.User, expectedLastSeen time.Time) error

	Delete(ctx context.Context, uni string) error
}

// OAuthState is one issued login attempt.
type OAuthState struct {
	State        string
	CodeVerifier string
	ExpiresAt    time.Time
}

// StateStore keeps short-lived OAuth state tokens. Consume must succeed at
// most once per state, even under concurrent callbacks.
type StateStore interface {
	SaveState(ctx context.Context, st OAuthState) error
	ConsumeState(ctx context.Context, state string, now time.Time) (*OAuthState, error)
	PurgeExpiredStates(ctx context.Context, now time.Time) (int64, error)
}

// Session maps an opaque cookie value to a user (session strategy only).
type Session struct {
	ID        string
	UserID    int64
	ExpiresAt time.Time
}

type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string, now time.Time) (*Session, error)
	DeleteSession(ctx context.Context, id string) error
}
