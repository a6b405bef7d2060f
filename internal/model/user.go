// Package model defines the data structures used throughout the service.
//
// The persisted record (User) is kept separate from the request bodies that
// create or replace it (UserCreate, UserReplace). Handlers decode into the
// request types, services validate them, and the repository only ever sees
// plain values. Nothing in this package knows about HTTP or SQL.
package model

import "time"

// User represents one account.
//
// UserID is assigned by the database and never changes. UNI is the
// case-sensitive public identifier used in URLs (/users/{uni}).
//
// WHY *string FOR GoogleID?
// The column is UNIQUE but nullable: many rows may have no Google identity
// yet, and SQL treats NULLs as distinct. An empty string would collide on
// the second unlinked user, so absence must be a real NULL.
type User struct {
	UserID           int64     `json:"user_id"`
	UNI              string    `json:"uni"`
	StudentName      string    `json:"student_name"`
	DeptName         string    `json:"dept_name,omitempty"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone,omitempty"`
	AvatarURL        string    `json:"avatar_url,omitempty"`
	CredibilityScore float64   `json:"credibility_score"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	GoogleID         *string   `json:"google_id"`
}

// HasGoogleID reports whether the account is linked to a Google identity.
func (u *User) HasGoogleID() bool {
	return u.GoogleID != nil && *u.GoogleID != ""
}

// Profile is the partial, public view served at /users/{uni}/profile.
type Profile struct {
	UNI              string  `json:"uni"`
	StudentName      string  `json:"student_name"`
	DeptName         string  `json:"dept_name,omitempty"`
	AvatarURL        string  `json:"avatar_url,omitempty"`
	CredibilityScore float64 `json:"credibility_score"`
}

// ProfileOf projects a user onto its public profile.
func ProfileOf(u *User) Profile {
	return Profile{
		UNI:              u.UNI,
		StudentName:      u.StudentName,
		DeptName:         u.DeptName,
		AvatarURL:        u.AvatarURL,
		CredibilityScore: u.CredibilityScore,
	}
}

// UserCreate is the body of POST /users.
// The validate tags are enforced by service.UserService before anything is stored.
type UserCreate struct {
	UNI         string `json:"uni"          validate:"required,max=32,uni"`
	StudentName string `json:"student_name" validate:"required,max=120"`
	DeptName    string `json:"dept_name"    validate:"max=120"`
	Email       string `json:"email"        validate:"required,max=255,email"`
	Phone       string `json:"phone"        validate:"max=32"`
	AvatarURL   string `json:"avatar_url"   validate:"omitempty,max=512,url"`
}

// UserReplace is the body of PUT /users/{uni}.
// Only these three fields are mutable through the replace operation;
// anything else in the request body is ignored.
type UserReplace struct {
	StudentName string `json:"student_name" validate:"required,max=120"`
	DeptName    string `json:"dept_name"    validate:"max=120"`
	Phone       string `json:"phone"        validate:"max=32"`
}

// GoogleIdentity holds the claims we use from a Google ID token or the
// userinfo endpoint.
type GoogleIdentity struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}
