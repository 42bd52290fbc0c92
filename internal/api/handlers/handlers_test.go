package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cesfam/portal/internal/domain/patient"
	fhir "github.com/cesfam/portal/internal/fhir/r5"
	"github.com/cesfam/portal/internal/identity"
	"github.com/cesfam/portal/pkg/validation"
)

type countingRUT struct{ statuses map[string]int }

func (c *countingRUT) RUTValidated(status string) { c.statuses[status]++ }

type testServer struct {
	router http.Handler
	store  *identity.MemoryStore
	svc    *identity.Service
	rut    *countingRUT
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := identity.NewMemoryStore()
	tokens := identity.NewTokenIssuer("test-signing-key", "cesfam-portal", time.Hour)
	svc := identity.NewService(store.Dependencies(), tokens, identity.PasswordHasher{Cost: bcrypt.MinCost}, nil, nil)
	obs := &countingRUT{statuses: map[string]int{}}

	r := chi.NewRouter()
	r.Mount("/rut", NewIdentifierHandler(obs, nil).Routes())
	r.Mount("/patients", NewPatientHandler(svc, "CESFAM Los Aromos", nil).Routes())
	r.Mount("/sessions", NewSessionHandler(svc, nil).Routes())
	return &testServer{router: r, store: store, svc: svc, rut: obs}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) register(t *testing.T) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/patients", RegisterRequest{
		RUT:      "12.345.678-5",
		Email:    "paciente@cesfam.cl",
		Password: "secreto1",
		Name:     "María José Pérez Soto",
		Phone:    "912345678",
		Address:  "Av. Siempre Viva 742",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) bearer(t *testing.T) http.Header {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/sessions", LoginRequest{RUT: "12345678-5", Password: "secreto1"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return http.Header{"Authorization": {"Bearer " + resp.AccessToken}}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestValidate(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		input      string
		normalized string
		valid      bool
		status     string
		message    string
	}{
		{"formatted", "12.345.678-5", "123456785", true, "valid", "RUT válido"},
		{"lower k", "12.345.670-k", "12345670K", true, "valid", "RUT válido"},
		{"wrong digit", "12345678-9", "123456789", false, "invalid_check_digit", "RUT inválido. Revisa dígitos y DV."},
		{"too short", "1234", "1234", false, "invalid_format", "Ingresa RUT sin guion. Ej: 19875613K"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/rut/validate", ValidateRequest{RUT: tt.input}, nil)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp ValidateResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.input, resp.Input)
			assert.Equal(t, tt.normalized, resp.Normalized)
			assert.Equal(t, tt.valid, resp.Valid)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.message, resp.Message)
			if tt.valid {
				assert.NotEmpty(t, resp.Formatted)
			} else {
				assert.Empty(t, resp.Formatted)
			}
			assert.Equal(t, tt.status == "invalid_format", resp.Reason != "")
		})
	}

	assert.Equal(t, 2, s.rut.statuses["valid"])
	assert.Equal(t, 1, s.rut.statuses["invalid_check_digit"])
	assert.Equal(t, 1, s.rut.statuses["invalid_format"])
}

func TestValidateRejectsBadBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/rut/validate", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeInvalidBody, decodeError(t, rec).Error)
}

func TestCheckDigit(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/rut/12345670/check-digit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CheckDigitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, CheckDigitResponse{
		Body:       "12345670",
		CheckDigit: "K",
		RUT:        "12345670K",
		Formatted:  "12.345.670-K",
	}, resp)

	rec = s.do(t, http.MethodGet, "/rut/7654321/check-digit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "6", resp.CheckDigit)

	for _, body := range []string{"12ab", "123", "123456789"} {
		rec = s.do(t, http.MethodGet, "/rut/"+body+"/check-digit", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		e := decodeError(t, rec)
		assert.Equal(t, validation.CodeRUTFormat, e.Error)
		assert.Equal(t, "body", e.Field)
	}
}

func TestRegister(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/patients", RegisterRequest{
		RUT:      "12.345.678-5",
		Email:    "Paciente@CESFAM.cl",
		Password: "secreto1",
		Name:     "María José",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/v1/patients/me", rec.Header().Get("Location"))

	var profile patient.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, "123456785", profile.RUT)
	assert.Equal(t, "paciente@cesfam.cl", profile.Email)
	assert.Equal(t, 1, profile.Version)

	rec = s.do(t, http.MethodPost, "/patients", RegisterRequest{
		RUT:      "123456785",
		Email:    "otro@cesfam.cl",
		Password: "secreto1",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeAlreadyRegistered, decodeError(t, rec).Error)
}

func TestRegisterFieldErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		req   RegisterRequest
		field string
		code  string
	}{
		{"bad check digit", RegisterRequest{RUT: "12345678-9", Email: "a@b.cl", Password: "secreto1"}, "rut", validation.CodeInvalidRUT},
		{"bad shape", RegisterRequest{RUT: "12-3", Email: "a@b.cl", Password: "secreto1"}, "rut", validation.CodeRUTFormat},
		{"no email", RegisterRequest{RUT: "123456785", Password: "secreto1"}, "email", validation.CodeEmailRequired},
		{"bad email", RegisterRequest{RUT: "123456785", Email: "nope", Password: "secreto1"}, "email", validation.CodeInvalidEmail},
		{"short password", RegisterRequest{RUT: "123456785", Email: "a@b.cl", Password: "123"}, "password", validation.CodePasswordTooShort},
		{"bad phone", RegisterRequest{RUT: "123456785", Email: "a@b.cl", Password: "secreto1", Phone: "12"}, "phone", validation.CodeInvalidPhone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/patients", tt.req, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			e := decodeError(t, rec)
			assert.Equal(t, tt.code, e.Error)
			assert.Equal(t, tt.field, e.Field)
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)
	s.register(t)

	rec := s.do(t, http.MethodPost, "/sessions", LoginRequest{RUT: "12.345.678-5", Password: "secreto1"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.True(t, resp.ExpiresAt.After(time.Now()))
	assert.Equal(t, "Inicio de sesión correcto", resp.Message)

	rec = s.do(t, http.MethodPost, "/sessions", LoginRequest{RUT: "123456785", Password: "equivocada"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeInvalidCredentials, decodeError(t, rec).Error)

	rec = s.do(t, http.MethodPost, "/sessions", LoginRequest{RUT: "11111111-1", Password: "secreto1"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, CodeRUTNotRegistered, e.Error)
	assert.Equal(t, "rut", e.Field)
	assert.Equal(t, "RUT no registrado. Contacte CESFAM.", e.Message)

	rec = s.do(t, http.MethodPost, "/sessions", LoginRequest{RUT: "12345678-9", Password: "secreto1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, validation.CodeInvalidRUT, decodeError(t, rec).Error)
}

func TestLoginEnglish(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/sessions",
		LoginRequest{RUT: "11111111-1", Password: "secreto1"},
		http.Header{"Accept-Language": {"en-US,en;q=0.9"}})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "RUT not registered. Contact your CESFAM.", decodeError(t, rec).Message)
}

func TestMe(t *testing.T) {
	s := newTestServer(t)
	s.register(t)
	auth := s.bearer(t)

	rec := s.do(t, http.MethodGet, "/patients/me", nil, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var profile patient.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, "123456785", profile.RUT)
	assert.Equal(t, "María José Pérez Soto", profile.Name)

	rec = s.do(t, http.MethodGet, "/patients/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeInvalidToken, decodeError(t, rec).Error)

	rec = s.do(t, http.MethodGet, "/patients/me", nil, http.Header{"Authorization": {"Bearer forged"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeFallsBackWithoutProfile(t *testing.T) {
	s := newTestServer(t)
	token, err := s.svc.Tokens().Issue("111111111", "antiguo@cesfam.cl")
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/patients/me", nil, http.Header{"Authorization": {"Bearer " + token.AccessToken}})
	require.Equal(t, http.StatusOK, rec.Code)
	var profile patient.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, patient.Fallback("111111111", "antiguo@cesfam.cl"), profile)
}

func TestUpdateContact(t *testing.T) {
	s := newTestServer(t)
	s.register(t)
	auth := s.bearer(t)

	rec := s.do(t, http.MethodPatch, "/patients/me/contact",
		ContactRequest{Phone: "+56 9 8765 4321", Address: "Calle Nueva 10"}, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var profile patient.Profile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, "Calle Nueva 10", profile.Address)
	assert.Equal(t, 2, profile.Version)
	assert.Len(t, s.store.Events("123456785"), 2)

	rec = s.do(t, http.MethodPatch, "/patients/me/contact", ContactRequest{Phone: "12"}, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "phone", decodeError(t, rec).Field)
}

func TestUpdateContactUnknownPatient(t *testing.T) {
	s := newTestServer(t)
	token, err := s.svc.Tokens().Issue("111111111", "antiguo@cesfam.cl")
	require.NoError(t, err)

	rec := s.do(t, http.MethodPatch, "/patients/me/contact", ContactRequest{Address: "x"},
		http.Header{"Authorization": {"Bearer " + token.AccessToken}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFHIRExport(t *testing.T) {
	s := newTestServer(t)
	s.register(t)

	rec := s.do(t, http.MethodGet, "/patients/me/fhir", nil, s.bearer(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, fhir.ContentType, rec.Header().Get("Content-Type"))

	var p fhir.Patient
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "Patient", p.ResourceType)
	require.NotEmpty(t, p.Identifier)
	assert.Equal(t, "12.345.678-5", p.Identifier[0].Value)
	assert.Equal(t, "123456785", p.GetRUT())
	require.NotNil(t, p.ManagingOrganization)
	assert.Equal(t, "CESFAM Los Aromos", p.ManagingOrganization.Display)
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler(
		Check{Name: "postgres", Fn: func(context.Context) error { return nil }},
		Check{Name: "redis", Fn: func(context.Context) error { return errors.New("connection refused") }},
	)

	rec := httptest.NewRecorder()
	h.Live(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"not_ready","checks":{"postgres":"ok","redis":"connection refused"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NewHealthHandler().Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
		field  string
	}{
		{validation.NewFieldError("email", validation.CodeInvalidEmail), http.StatusBadRequest, validation.CodeInvalidEmail, "email"},
		{identity.ErrInvalidCredentials, http.StatusUnauthorized, CodeInvalidCredentials, ""},
		{identity.ErrInvalidToken, http.StatusUnauthorized, CodeInvalidToken, ""},
		{identity.ErrRUTNotRegistered, http.StatusNotFound, CodeRUTNotRegistered, "rut"},
		{identity.ErrAlreadyRegistered, http.StatusConflict, CodeAlreadyRegistered, ""},
		{identity.ErrConflict, http.StatusConflict, CodeConflict, ""},
		{fmt.Errorf("%w: pool closed", identity.ErrUnavailable), http.StatusServiceUnavailable, CodeUnavailable, ""},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal, ""},
	}

	for _, tt := range tests {
		status, code, field := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.field, field, tt.err.Error())
	}
}

func TestMessageFallsBack(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "fr-FR")
	assert.Equal(t, "Error inesperado. Intenta nuevamente.", Message(Language(req), "no_such_code"))
}
