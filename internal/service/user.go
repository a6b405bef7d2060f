// Package service contains the business rules of the identity service.
//
// Handlers call services with plain Go values; services validate input,
// enforce the ETag preconditions and uniqueness rules, and talk to the
// repository interfaces. Nothing in here reads an *http.Request.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/identity-service/internal/etag"
	"github.com/sakif/identity-service/internal/model"
	"github.com/sakif/identity-service/internal/repository"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// UserService implements the user CRUD operations.
type UserService struct {
	repo     repository.UserRepository
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewUserService creates a UserService backed by repo.
func NewUserService(repo repository.UserRepository, logger *slog.Logger) *UserService {
	return &UserService{
		repo:     repo,
		validate: newValidator(),
		logger:   logger,
		now:      time.Now,
	}
}

// Tagged pairs a representation with its current ETag.
type Tagged[T any] struct {
	Value T
	ETag  string
}

func tag[T any](v T) (*Tagged[T], error) {
	t, err := etag.For(v)
	if err != nil {
		return nil, err
	}
	return &Tagged[T]{Value: v, ETag: t}, nil
}

// Create registers a new user. uni, student_name and email are required;
// a collision on uni or email is reported as apperror.ErrConflict.
func (s *UserService) Create(ctx context.Context, in model.UserCreate) (*Tagged[*model.User], error) {
	in.UNI = strings.TrimSpace(in.UNI)
	in.StudentName = strings.TrimSpace(in.StudentName)
	in.DeptName = strings.TrimSpace(in.DeptName)
	in.Email = strings.TrimSpace(in.Email)
	in.Phone = strings.TrimSpace(in.Phone)
	in.AvatarURL = strings.TrimSpace(in.AvatarURL)

	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	user := &model.User{
		UNI:         in.UNI,
		StudentName: in.StudentName,
		DeptName:    in.DeptName,
		Email:       in.Email,
		Phone:       in.Phone,
		AvatarURL:   in.AvatarURL,
		LastSeenAt:  s.now().UTC(),
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("creating user %s: %w", in.UNI, err)
	}

	s.logger.Info("user created",
		slog.Int64("userID", user.UserID),
		slog.String("uni", user.UNI),
	)
	return tag(user)
}

func (s *UserService) GetByID(ctx context.Context, id int64) (*Tagged[*model.User], error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting user %d: %w", id, err)
	}
	return tag(user)
}

func (s *UserService) GetByUNI(ctx context.Context, uni string) (*Tagged[*model.User], error) {
	user, err := s.repo.GetByUNI(ctx, uni)
	if err != nil {
		return nil, fmt.Errorf("getting user %s: %w", uni, err)
	}
	return tag(user)
}

// GetProfile returns the public profile view and its own ETag.
func (s *UserService) GetProfile(ctx context.Context, uni string) (*Tagged[model.Profile], error) {
	user, err := s.repo.GetByUNI(ctx, uni)
	if err != nil {
		return nil, fmt.Errorf("getting profile %s: %w", uni, err)
	}
	return tag(model.ProfileOf(user))
}

// LookupIDByEmail returns the id of the user registered with email.
//
// A syntactically invalid address is apperror.ErrValidation; a valid but
// unknown one is apperror.ErrNotFound.
func (s *UserService) LookupIDByEmail(ctx context.Context, email string) (int64, error) {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,max=255,email"); err != nil {
		return 0, validationErrorForEmail(err)
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return 0, fmt.Errorf("looking up email: %w", err)
	}
	return user.UserID, nil
}

// Page is one slice of the user collection and the window that produced it.
type Page struct {
	Users  []model.User
	Limit  int
	Offset int
}

// List returns one page of users. limit is clamped to [1, MaxListLimit]
// and defaults to DefaultListLimit; a negative offset is treated as 0.
func (s *UserService) List(ctx context.Context, limit, offset int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	users, err := s.repo.List(ctx, repository.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return &Page{Users: users, Limit: limit, Offset: offset}, nil
}

// Replace overwrites the mutable fields (student_name, dept_name, phone)
// of the user identified by uni.
//
// ifMatch must equal the ETag the client last saw. Missing → precondition
// required; stale → precondition failed and nothing is written. On success
// the new representation and its new ETag are returned.
func (s *UserService) Replace(ctx context.Context, uni, ifMatch string, in model.UserReplace) (*Tagged[*model.User], error) {
	current, err := s.GetByUNI(ctx, uni)
	if err != nil {
		return nil, err
	}
	if err := etag.CheckWrite(ifMatch, current.ETag); err != nil {
		return nil, err
	}

	in.StudentName = strings.TrimSpace(in.StudentName)
	in.DeptName = strings.TrimSpace(in.DeptName)
	in.Phone = strings.TrimSpace(in.Phone)
	if err := s.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	updated := *current.Value
	updated.StudentName = in.StudentName
	updated.DeptName = in.DeptName
	updated.Phone = in.Phone
	updated.LastSeenAt = nextLastSeen(current.Value.LastSeenAt, s.now())

	if err := s.repo.Update(ctx, &updated, current.Value.LastSeenAt); err != nil {
		return nil, fmt.Errorf("replacing user %s: %w", uni, err)
	}

	s.logger.Info("user replaced", slog.String("uni", uni))
	return tag(&updated)
}

// Delete removes the user. An unknown uni is apperror.ErrNotFound.
func (s *UserService) Delete(ctx context.Context, uni string) error {
	if err := s.repo.Delete(ctx, uni); err != nil {
		return fmt.Errorf("deleting user %s: %w", uni, err)
	}
	s.logger.Info("user deleted", slog.String("uni", uni))
	return nil
}
