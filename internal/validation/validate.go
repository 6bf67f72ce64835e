// Package validation checks and sanitizes user supplied mail fields before they
// reach the mail provider or the browser.
package validation

import (
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	maxEmailLength       = 254
	maxSubjectLength     = 200
	maxBodyLength        = 50000
	maxSearchQueryLength = 100

	unsafeChars = `<>'"&`
)

var (
	ErrEmailRequired     = errors.New("email is required")
	ErrEmailInvalid      = errors.New("invalid email format")
	ErrEmailTooLong      = errors.New("email too long")
	ErrSubjectRequired   = errors.New("subject is required")
	ErrSubjectEmpty      = errors.New("subject cannot be empty")
	ErrSubjectTooLong    = errors.New("subject too long (max 200 characters)")
	ErrBodyRequired      = errors.New("email body is required")
	ErrBodyEmpty         = errors.New("email body cannot be empty")
	ErrBodyTooLong       = errors.New("email body too long (max 50,000 characters)")
	ErrQueryTooLong      = errors.New("search query too long (max 100 characters)")
	ErrQueryInvalidChars = errors.New("search query contains invalid characters")
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func fieldValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// ValidateEmail checks that email is a single plain address of at most 254 characters.
func ValidateEmail(email string) error {
	if email == "" {
		return ErrEmailRequired
	}
	if len(email) > maxEmailLength {
		return ErrEmailTooLong
	}
	if err := fieldValidator().Var(email, "email"); err != nil {
		return ErrEmailInvalid
	}
	return nil
}

// ValidateSubject checks that subject is non-blank and at most 200 characters.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrSubjectRequired
	}
	if strings.TrimSpace(subject) == "" {
		return ErrSubjectEmpty
	}
	if utf8.RuneCountInString(subject) > maxSubjectLength {
		return ErrSubjectTooLong
	}
	return nil
}

// ValidateBody checks that body is non-blank and at most 50 000 characters.
func ValidateBody(body string) error {
	if body == "" {
		return ErrBodyRequired
	}
	if strings.TrimSpace(body) == "" {
		return ErrBodyEmpty
	}
	if utf8.RuneCountInString(body) > maxBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

// ValidateSearchQuery accepts the empty query, otherwise at most 100 characters
// without any of < > ' " &.
func ValidateSearchQuery(query string) error {
	if query == "" {
		return nil
	}
	if utf8.RuneCountInString(query) > maxSearchQueryLength {
		return ErrQueryTooLong
	}
	if strings.ContainsAny(query, unsafeChars) {
		return ErrQueryInvalidChars
	}
	return nil
}
