package rut

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "dotted with dash", input: "12.345.678-9", expected: "123456789"},
		{name: "dotted with K", input: "12.345.678-K", expected: "12345678K"},
		{name: "lower case k", input: "12.345.670-k", expected: "12345670K"},
		{name: "already normalized", input: "123456789", expected: "123456789"},
		{name: "spaces", input: " 12 345 678 5 ", expected: "123456785"},
		{name: "only separators", input: " .-.- ", expected: ""},
		{name: "keeps other characters", input: "12a45678-5", expected: "12A456785"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.input))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	for _, in := range []string{"", "12.345.678-k", "  19.875.613-K", "abc-def.g h", "ñandú-1"} {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestCheckDigit(t *testing.T) {
	tests := []struct {
		body     string
		expected byte
	}{
		{"12345678", '5'},
		{"12345670", 'K'},
		{"11111111", '1'},
		{"10000004", '0'},
		{"19875613", 'K'},
		{"1000000", '9'},
		{"7654321", '6'},
		{"76543210", '3'},
	}

	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, string(tt.expected), string(CheckDigit(tt.body)))
		})
	}

	t.Run("empty body", func(t *testing.T) {
		assert.Equal(t, byte(0), CheckDigit(""))
	})

	t.Run("non-digit body", func(t *testing.T) {
		assert.Equal(t, byte(0), CheckDigit("12a45678"))
	})
}

func TestIsWellFormed(t *testing.T) {
	valid := []string{"123456789", "12345678K", "19875613K", "10000009", "100000000"}
	for _, in := range valid {
		assert.True(t, IsWellFormed(in), "expected %q to be well-formed", in)
	}

	invalid := []string{
		"",
		"1",
		"1234567",    // 6-digit body
		"1234567890", // 9-digit body
		"12345678X",  // bad check character
		"12345678k",  // lower case only accepted after Normalize
		"1234A6785",  // non-digit body
		"12.345.678-5",
		"１２３４５６７８５", // full-width digits
	}
	for _, in := range invalid {
		assert.False(t, IsWellFormed(in), "expected %q to be rejected", in)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		status Status
		reason string
	}{
		{name: "valid 8-digit body", input: "123456785", status: Valid},
		{name: "valid K", input: "12345670K", status: Valid},
		{name: "valid zero", input: "100000040", status: Valid},
		{name: "valid 7-digit body", input: "10000009", status: Valid},
		{name: "wrong check digit", input: "12345678K", status: InvalidCheckDigit},
		{name: "wrong numeric check digit", input: "123456789", status: InvalidCheckDigit},
		{name: "empty", input: "", status: InvalidFormat, reason: ReasonEmpty},
		{name: "too short", input: "1234567", status: InvalidFormat, reason: ReasonTooShort},
		{name: "too long", input: "1234567890", status: InvalidFormat, reason: ReasonTooLong},
		{name: "letters in body", input: "1234X6785", status: InvalidFormat, reason: ReasonNonDigitBody},
		{name: "bad check symbol", input: "12345678X", status: InvalidFormat, reason: ReasonBadCheckSymbol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.input)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.reason, res.Reason)
			assert.Equal(t, tt.status == Valid, IsValid(tt.input))
		})
	}
}

func TestResultErr(t *testing.T) {
	require.NoError(t, Validate("123456785").Err())

	err := Validate("1234567").Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFormat))
	assert.Contains(t, err.Error(), ReasonTooShort)

	err = Validate("123456789").Err()
	assert.True(t, errors.Is(err, ErrInvalidCheckDigit))
}

func TestEveryBodyRoundTrips(t *testing.T) {
	bodies := []string{"1000000", "5126663", "9999999", "10000000", "18765432", "99999999"}
	for _, b := range bodies {
		id := b + string(CheckDigit(b))
		assert.True(t, IsValid(id), "expected %q to be valid", id)
	}
}

func TestMutatedCheckDigitIsInvalid(t *testing.T) {
	const body = "18765432"
	correct := CheckDigit(body)
	for _, dv := range "0123456789K" {
		if byte(dv) == correct {
			continue
		}
		id := body + string(dv)
		assert.False(t, IsValid(id), "expected %q to be invalid", id)
		assert.Equal(t, InvalidCheckDigit, Validate(id).Status)
	}
}

func TestNormalizeThenValidate(t *testing.T) {
	assert.True(t, IsValid(Normalize("12.345.670-k")))
	assert.False(t, IsValid("12345670k"))
	assert.True(t, IsValid(Normalize(" 12.345.678-5 ")))
}

func TestSplit(t *testing.T) {
	body, dv, ok := Split("12345670K")
	require.True(t, ok)
	assert.Equal(t, "12345670", body)
	assert.Equal(t, byte('K'), dv)

	_, _, ok = Split("12")
	assert.False(t, ok)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "12.345.678-5", Format("123456785"))
	assert.Equal(t, "1.000.000-9", Format("10000009"))
	assert.Equal(t, "12.345.670-K", Format("12345670K"))
	assert.Empty(t, Format("bogus"))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "12.***.**8-5", Mask("123456785"))
	assert.Equal(t, "1.***.**0-9", Mask("10000009"))
	assert.Equal(t, "***", Mask(""))
	assert.False(t, strings.Contains(Mask("123456785"), "345"))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "valid", Valid.String())
	assert.Equal(t, "invalid_format", InvalidFormat.String())
	assert.Equal(t, "invalid_check_digit", InvalidCheckDigit.String())
	assert.Equal(t, "unknown", Status(42).String())
}
