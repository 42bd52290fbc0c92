// Package identity registers patients, authenticates them by RUT and serves
// their profile. Storage is reached through small interfaces so the service
// runs the same against Postgres and Redis or the in-memory store.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cesfam/portal/internal/domain/patient"
	"github.com/cesfam/portal/pkg/rut"
	"github.com/cesfam/portal/pkg/validation"
)

// Directory maps a RUT to the account email
type Directory interface {
	LookupEmail(ctx context.Context, rut string) (string, error)
}

// CredentialStore returns the RUT and password hash registered for an email
type CredentialStore interface {
	PasswordHash(ctx context.Context, email string) (rut, hash string, err error)
}

// ProfileStore is the key-value profile cache keyed by RUT
type ProfileStore interface {
	Get(ctx context.Context, rut string) (patient.Profile, error)
	Put(ctx context.Context, p patient.Profile) error
}

// PatientRepository persists patient aggregates
type PatientRepository interface {
	Register(ctx context.Context, agg *patient.Aggregate, passwordHash string) error
	Load(ctx context.Context, rut string) (*patient.Aggregate, error)
	Save(ctx context.Context, agg *patient.Aggregate) error
}

// Outcome counters. Optional.
type Metrics interface {
	Registration(outcome string)
	Login(outcome string)
}

// Dependencies groups the stores the service needs
type Dependencies struct {
	Directory   Directory
	Credentials CredentialStore
	Profiles    ProfileStore
	Patients    PatientRepository
}

// Service implements the patient identity operations
type Service struct {
	deps    Dependencies
	tokens  *TokenIssuer
	hasher  PasswordHasher
	metrics Metrics
	logger  *zap.Logger
}

// NewService creates the identity service
func NewService(deps Dependencies, tokens *TokenIssuer, hasher PasswordHasher, m Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		deps:    deps,
		tokens:  tokens,
		hasher:  hasher,
		metrics: m,
		logger:  logger,
	}
}

// Tokens exposes the issuer for the auth middleware
func (s *Service) Tokens() *TokenIssuer { return s.tokens }

// RegisterRequest is the registration form
type RegisterRequest struct {
	RUT           string
	Email         string
	Password      string
	Name          string
	Phone         string
	Address       string
	CorrelationID string
}

// Register validates the form and creates the patient account
func (s *Service) Register(ctx context.Context, req RegisterRequest) (patient.Profile, error) {
	normalized, err := checkRUT(req.RUT)
	if err != nil {
		s.observeRegistration("invalid")
		return patient.Profile{}, err
	}

	email := strings.TrimSpace(req.Email)
	switch {
	case email == "":
		err = validation.NewFieldError("email", validation.CodeEmailRequired)
	case !validation.Email(email):
		err = validation.NewFieldError("email", validation.CodeInvalidEmail)
	case !validation.Password(req.Password, validation.MinPasswordLength):
		err = validation.NewFieldError("password", validation.CodePasswordTooShort)
	case strings.TrimSpace(req.Name) != "" && !validation.Name(req.Name):
		err = validation.NewFieldError("name", validation.CodeInvalidName)
	case strings.TrimSpace(req.Phone) != "" && !validation.Phone(req.Phone):
		err = validation.NewFieldError("phone", validation.CodeInvalidPhone)
	}
	if err != nil {
		s.observeRegistration("invalid")
		return patient.Profile{}, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		s.observeRegistration("error")
		return patient.Profile{}, err
	}

	agg := patient.NewAggregate(normalized)
	data := &patient.RegisteredData{
		RUT:     normalized,
		Email:   validation.NormalizeEmail(email),
		Name:    strings.TrimSpace(req.Name),
		Phone:   phoneOrEmpty(req.Phone),
		Address: strings.TrimSpace(req.Address),
	}
	if err := agg.Register(data); err != nil {
		s.observeRegistration("invalid")
		return patient.Profile{}, err
	}
	for _, e := range agg.Changes() {
		e.WithCorrelation(req.CorrelationID)
	}

	if err := s.deps.Patients.Register(ctx, agg, hash); err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			s.observeRegistration("duplicate")
			return patient.Profile{}, ErrAlreadyRegistered
		}
		s.observeRegistration("error")
		return patient.Profile{}, fmt.Errorf("%w: register: %v", ErrUnavailable, err)
	}

	profile := agg.Profile()
	s.cacheProfile(ctx, profile)
	s.observeRegistration("created")
	s.logger.Info("patient account created", zap.String("rut", rut.Mask(normalized)))
	return profile, nil
}

// Login authenticates a patient by RUT and password
func (s *Service) Login(ctx context.Context, rawRUT, password string) (Token, error) {
	normalized := rut.Normalize(rawRUT)
	if !rut.IsValid(normalized) {
		s.observeLogin("invalid")
		return Token{}, validation.NewFieldError("rut", validation.CodeInvalidRUT)
	}
	if !validation.Password(password, validation.MinPasswordLength) {
		s.observeLogin("invalid")
		return Token{}, validation.NewFieldError("password", validation.CodePasswordTooShort)
	}

	email, err := s.lookupEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.observeLogin("unknown_rut")
			return Token{}, ErrRUTNotRegistered
		}
		s.observeLogin("error")
		return Token{}, fmt.Errorf("%w: lookup: %v", ErrUnavailable, err)
	}

	owner, hash, err := s.deps.Credentials.PasswordHash(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.observeLogin("rejected")
			return Token{}, ErrInvalidCredentials
		}
		s.observeLogin("error")
		return Token{}, fmt.Errorf("%w: credentials: %v", ErrUnavailable, err)
	}
	if err := s.hasher.Verify(password, hash); err != nil {
		s.observeLogin("rejected")
		if errors.Is(err, ErrInvalidCredentials) {
			return Token{}, ErrInvalidCredentials
		}
		return Token{}, err
	}
	if owner != "" && !strings.EqualFold(owner, normalized) {
		s.observeLogin("rejected")
		s.logger.Warn("credential owner mismatch", zap.String("rut", rut.Mask(normalized)))
		return Token{}, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(normalized, email)
	if err != nil {
		s.observeLogin("error")
		return Token{}, err
	}
	s.observeLogin("success")
	return token, nil
}

// lookupEmail tries the normalized key first, then the lower-case form that
// older clients stored
func (s *Service) lookupEmail(ctx context.Context, normalized string) (string, error) {
	email, err := s.deps.Directory.LookupEmail(ctx, normalized)
	if err == nil && strings.TrimSpace(email) != "" {
		return strings.TrimSpace(email), nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	lower := strings.ToLower(normalized)
	if lower == normalized {
		return "", ErrNotFound
	}
	email, err = s.deps.Directory.LookupEmail(ctx, lower)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(email) == "" {
		return "", ErrNotFound
	}
	return strings.TrimSpace(email), nil
}

// Profile returns the caller's profile. It reads the cache, falls back to the
// event store and finally to a minimal profile built from the token.
func (s *Service) Profile(ctx context.Context, p Principal) (patient.Profile, error) {
	cached, err := s.deps.Profiles.Get(ctx, p.RUT)
	if err == nil {
		return cached, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.logger.Warn("profile cache read failed", zap.String("rut", rut.Mask(p.RUT)), zap.Error(err))
	}

	agg, err := s.deps.Patients.Load(ctx, p.RUT)
	switch {
	case err == nil:
		profile := agg.Profile()
		s.cacheProfile(ctx, profile)
		return profile, nil
	case errors.Is(err, patient.ErrNotFound):
		return patient.Fallback(p.RUT, p.Email), nil
	default:
		return patient.Profile{}, fmt.Errorf("%w: load profile: %v", ErrUnavailable, err)
	}
}

// UpdateContact changes the caller's phone and address
func (s *Service) UpdateContact(ctx context.Context, p Principal, phone, address, correlationID string) (patient.Profile, error) {
	if strings.TrimSpace(phone) != "" && !validation.Phone(phone) {
		return patient.Profile{}, validation.NewFieldError("phone", validation.CodeInvalidPhone)
	}

	agg, err := s.deps.Patients.Load(ctx, p.RUT)
	if err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			return patient.Profile{}, ErrRUTNotRegistered
		}
		return patient.Profile{}, fmt.Errorf("%w: load patient: %v", ErrUnavailable, err)
	}

	if err := agg.UpdateContact(&patient.ContactUpdatedData{
		Phone:   phoneOrEmpty(phone),
		Address: strings.TrimSpace(address),
	}); err != nil {
		return patient.Profile{}, err
	}
	for _, e := range agg.Changes() {
		e.WithCorrelation(correlationID)
	}
	if err := s.deps.Patients.Save(ctx, agg); err != nil {
		if errors.Is(err, ErrConflict) {
			return patient.Profile{}, ErrConflict
		}
		return patient.Profile{}, fmt.Errorf("%w: save patient: %v", ErrUnavailable, err)
	}

	profile := agg.Profile()
	s.cacheProfile(ctx, profile)
	return profile, nil
}

// checkRUT separates shape errors from check digit errors
func checkRUT(raw string) (string, error) {
	normalized := rut.Normalize(raw)
	switch rut.Validate(normalized).Status {
	case rut.Valid:
		return normalized, nil
	case rut.InvalidCheckDigit:
		return "", validation.NewFieldError("rut", validation.CodeInvalidRUT)
	default:
		return "", validation.NewFieldError("rut", validation.CodeRUTFormat)
	}
}

func phoneOrEmpty(phone string) string {
	if strings.TrimSpace(phone) == "" {
		return ""
	}
	return validation.CleanPhone(phone)
}

// cacheProfile writes through to the profile store. The projector keeps the
// cache correct eventually, so failures are only logged.
func (s *Service) cacheProfile(ctx context.Context, p patient.Profile) {
	if err := s.deps.Profiles.Put(ctx, p); err != nil {
		s.logger.Warn("profile cache write failed", zap.String("rut", rut.Mask(p.RUT)), zap.Error(err))
	}
}

func (s *Service) observeRegistration(outcome string) {
	if s.metrics != nil {
		s.metrics.Registration(outcome)
	}
}

func (s *Service) observeLogin(outcome string) {
	if s.metrics != nil {
		s.metrics.Login(outcome)
	}
}
