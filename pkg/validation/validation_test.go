package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmail(t *testing.T) {
	for _, ok := range []string{"test@example.com", "usuario.nombre@dominio.cl", "  padded@cesfam.cl  ", "a+tag@sub.domain.org"} {
		assert.True(t, Email(ok), "expected %q to be accepted", ok)
	}
	for _, bad := range []string{"", "   ", "email-invalido", "@example.com", "test@", "test@localhost", "a b@example.com"} {
		assert.False(t, Email(bad), "expected %q to be rejected", bad)
	}
}

func TestPhone(t *testing.T) {
	for _, ok := range []string{"912345678", "+56912345678", "56912345678", "+56 9 1234 5678", "9-1234-5678"} {
		assert.True(t, Phone(ok), "expected %q to be accepted", ok)
	}
	for _, bad := range []string{"", "12345", "+1 912345678", "91234567a", "+5691234567890"} {
		assert.False(t, Phone(bad), "expected %q to be rejected", bad)
	}
}

func TestCleanPhone(t *testing.T) {
	assert.Equal(t, "+56912345678", CleanPhone(" +56 9-1234-5678 "))
}

func TestName(t *testing.T) {
	for _, ok := range []string{"Juan Pérez", "María José", "Ñuñoa Muñoz", "Al"} {
		assert.True(t, Name(ok), "expected %q to be accepted", ok)
	}
	for _, bad := range []string{"", "A", "123", "Juan2", "O'Higgins"} {
		assert.False(t, Name(bad), "expected %q to be rejected", bad)
	}
}

func TestPassword(t *testing.T) {
	assert.True(t, Password("123456", MinPasswordLength))
	assert.True(t, Password("password123", MinPasswordLength))
	assert.False(t, Password("12345", MinPasswordLength))
	assert.False(t, Password("", MinPasswordLength))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "paciente@cesfam.cl", NormalizeEmail("  Paciente@CESFAM.cl "))
}

func TestFieldError(t *testing.T) {
	err := NewFieldError("rut", CodeInvalidRUT)
	assert.Equal(t, "rut: invalid_rut", err.Error())
}
