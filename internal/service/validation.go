package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/sakif/identity-service/internal/apperror"
)

// newValidator returns a validator that reports fields by their JSON name,
// so error payloads say "student_name" rather than "StudentName".
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Only fails if the tag is already registered.
	_ = v.RegisterValidation("uni", func(fl validator.FieldLevel) bool {
		return validUNI(fl.Field().String())
	})
	return v
}

// reservedUNIs are path segments that /users/{uni} can never reach
// because a static route shadows them.
var reservedUNIs = map[string]bool{
	"by-id":    true,
	"by-email": true,
	".":        true,
	"..":       true,
}

// isUNIRune reports whether r may appear in a uni. The set is unreserved
// in URL paths, so a uni is its own path segment with no escaping.
func isUNIRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
		r == '.' || r == '_' || r == '-'
}

func validUNI(s string) bool {
	if s == "" || reservedUNIs[s] {
		return false
	}
	for _, r := range s {
		if !isUNIRune(r) {
			return false
		}
	}
	return true
}

// validationError turns the first validator failure into an apperror.
func validationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return fmt.Errorf("service: validating input: %w", err)
	}

	fe := ve[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return apperror.ValidationFailed(field, field+" is required")
	case "max":
		return apperror.ValidationFailed(field, fmt.Sprintf("%s must be %s characters or less", field, fe.Param()))
	case "email":
		return apperror.ValidationFailed(field, field+" must be a valid email address")
	case "url":
		return apperror.ValidationFailed(field, field+" must be a valid URL")
	case "uni":
		return apperror.ValidationFailed(field, field+" may only contain letters, digits, '.', '_' and '-' and must not be by-id or by-email")
	default:
		return apperror.ValidationFailed(field, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
	}
}

// nextLastSeen returns the timestamp a mutation should record. It is
// strictly after prev even when the clock has not moved, so every
// mutation changes the ETag.
func nextLastSeen(prev, now time.Time) time.Time {
	now = now.UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

// validationErrorForEmail reports a failed Var check against the "email" field.
func validationErrorForEmail(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 && ve[0].Tag() == "required" {
		return apperror.ValidationFailed("email", "email is required")
	}
	return apperror.ValidationFailed("email", "email must be a valid email address")
}
