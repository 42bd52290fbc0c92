// Package validation provides form field checks used by patient registration.
package validation

import (
	"regexp"
	"strings"
)

// Stable error codes surfaced to API clients
const (
	CodeInvalidRUT       = "invalid_rut"
	CodeRUTFormat        = "rut_format"
	CodeEmailRequired    = "email_required"
	CodeInvalidEmail     = "invalid_email"
	CodePasswordTooShort = "password_too_short"
	CodeInvalidName      = "invalid_name"
	CodeInvalidPhone     = "invalid_phone"
)

// MinPasswordLength is the portal-wide password floor
const MinPasswordLength = 6

// FieldError reports a single invalid form field
type FieldError struct {
	Field string
	Code  string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Code
}

// NewFieldError builds a FieldError
func NewFieldError(field, code string) *FieldError {
	return &FieldError{Field: field, Code: code}
}

var (
	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}$`)
	phonePattern = regexp.MustCompile(`^(\+?56)?[0-9]{9}$`)
	namePattern  = regexp.MustCompile(`^[a-zA-ZáéíóúÁÉÍÓÚñÑüÜ\s]{2,}$`)
	phoneNoise   = strings.NewReplacer(" ", "", "-", "", "\t", "")
)

// Email reports whether s looks like an email address
func Email(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return emailPattern.MatchString(s)
}

// Phone reports whether s is a Chilean phone number: nine digits, optionally prefixed by +56
func Phone(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return phonePattern.MatchString(CleanPhone(s))
}

// CleanPhone removes spaces and dashes
func CleanPhone(s string) string {
	return phoneNoise.Replace(strings.TrimSpace(s))
}

// Name reports whether s has at least two characters and only letters and spaces
func Name(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	return namePattern.MatchString(s)
}

// Password reports whether s meets the minimum length
func Password(s string, minLength int) bool {
	return len(s) >= minLength
}

// NormalizeEmail lower-cases and trims an email
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
