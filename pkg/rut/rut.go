// Package rut normalizes and validates Chilean national identifiers (RUT/RUN).
// A RUT is a 7 or 8 digit body followed by a mod-11 check character (0-9 or K).
package rut

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MinBodyLen is the shortest accepted body
	MinBodyLen = 7
	// MaxBodyLen is the longest accepted body
	MaxBodyLen = 8
)

// Status is the outcome of a validation
type Status int

const (
	// Valid means well-formed with a matching check digit
	Valid Status = iota
	// InvalidFormat means the shape is wrong; Result.Reason says how
	InvalidFormat
	// InvalidCheckDigit means well-formed but the check digit does not match
	InvalidCheckDigit
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "valid"
	case InvalidFormat:
		return "invalid_format"
	case InvalidCheckDigit:
		return "invalid_check_digit"
	default:
		return "unknown"
	}
}

// Format rejection reasons
const (
	ReasonEmpty          = "empty"
	ReasonTooShort       = "too short"
	ReasonTooLong        = "too long"
	ReasonNonDigitBody   = "body must contain only digits"
	ReasonBadCheckSymbol = "check character must be a digit or K"
)

var (
	ErrInvalidFormat     = errors.New("rut: invalid format")
	ErrInvalidCheckDigit = errors.New("rut: check digit mismatch")
)

// Result is the tagged outcome of Validate. Reason is only set for InvalidFormat.
type Result struct {
	Status Status
	Reason string
}

// OK reports whether the identifier is valid
func (r Result) OK() bool { return r.Status == Valid }

// Err returns nil for a valid result, otherwise one of the package errors
func (r Result) Err() error {
	switch r.Status {
	case Valid:
		return nil
	case InvalidCheckDigit:
		return ErrInvalidCheckDigit
	default:
		return fmt.Errorf("%w: %s", ErrInvalidFormat, r.Reason)
	}
}

var separators = strings.NewReplacer("-", "", ".", "", " ", "")

// Normalize strips dots, dashes and spaces and upper-cases the remainder
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.ToUpper(separators.Replace(raw))
}

// IsWellFormed reports whether normalized is a 7-8 digit body plus one check character
func IsWellFormed(normalized string) bool {
	return formatReason(normalized) == ""
}

// CheckDigit computes the mod-11 check character for a body of digits.
// It returns 0 if body is empty or contains anything other than ASCII digits.
func CheckDigit(body string) byte {
	if body == "" {
		return 0
	}
	sum, weight := 0, 2
	for i := len(body) - 1; i >= 0; i-- {
		c := body[i]
		if c < '0' || c > '9' {
			return 0
		}
		sum += int(c-'0') * weight
		if weight == 7 {
			weight = 2
		} else {
			weight++
		}
	}
	switch dv := 11 - sum%11; dv {
	case 11:
		return '0'
	case 10:
		return 'K'
	default:
		return byte('0' + dv)
	}
}

// IsValid reports whether normalized is well-formed and carries the right check character
func IsValid(normalized string) bool {
	return Validate(normalized).OK()
}

// Validate classifies a normalized identifier
func Validate(normalized string) Result {
	if reason := formatReason(normalized); reason != "" {
		return Result{Status: InvalidFormat, Reason: reason}
	}
	body, dv, _ := Split(normalized)
	if CheckDigit(body) != dv {
		return Result{Status: InvalidCheckDigit}
	}
	return Result{Status: Valid}
}

// Split separates a well-formed identifier into body and check character
func Split(normalized string) (body string, dv byte, ok bool) {
	if !IsWellFormed(normalized) {
		return "", 0, false
	}
	n := len(normalized)
	return normalized[:n-1], normalized[n-1], true
}

// Format renders a well-formed identifier as 12.345.678-5.
// It returns an empty string when normalized is not well-formed.
func Format(normalized string) string {
	body, dv, ok := Split(normalized)
	if !ok {
		return ""
	}
	var b strings.Builder
	lead := len(body) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(body[:lead])
	for i := lead; i < len(body); i += 3 {
		b.WriteByte('.')
		b.WriteString(body[i : i+3])
	}
	b.WriteByte('-')
	b.WriteByte(dv)
	return b.String()
}

// Mask hides the middle of an identifier for logs, e.g. 12.***.**8-5
func Mask(normalized string) string {
	formatted := Format(normalized)
	if formatted == "" {
		return "***"
	}
	out := []byte(formatted)
	// keep the first group, the last body digit and the check character
	for i := strings.IndexByte(formatted, '.') + 1; i < len(out)-3; i++ {
		if out[i] != '.' {
			out[i] = '*'
		}
	}
	return string(out)
}

func formatReason(normalized string) string {
	n := len(normalized)
	switch {
	case n == 0:
		return ReasonEmpty
	case n < MinBodyLen+1:
		return ReasonTooShort
	case n > MaxBodyLen+1:
		return ReasonTooLong
	}
	for i := 0; i < n-1; i++ {
		if c := normalized[i]; c < '0' || c > '9' {
			return ReasonNonDigitBody
		}
	}
	if dv := normalized[n-1]; !(dv >= '0' && dv <= '9') && dv != 'K' {
		return ReasonBadCheckSymbol
	}
	return ""
}
