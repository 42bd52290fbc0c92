package identity

import (
	"errors"

	"github.com/cesfam/portal/internal/domain/patient"
)

var (
	// ErrNotFound is returned by stores when a key is absent
	ErrNotFound = errors.New("identity: not found")
	// ErrRUTNotRegistered means no account exists for the RUT
	ErrRUTNotRegistered = errors.New("identity: rut not registered")
	// ErrInvalidCredentials means the password did not match
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrAlreadyRegistered means the RUT or email already has an account
	ErrAlreadyRegistered = patient.ErrAlreadyRegistered
	// ErrConflict means the patient changed between load and save
	ErrConflict = patient.ErrConcurrentModification
	// ErrInvalidToken is returned for expired, malformed or forged tokens
	ErrInvalidToken = errors.New("identity: invalid token")
	// ErrUnavailable wraps failures of a backing store
	ErrUnavailable = errors.New("identity: backend unavailable")
)
