package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cesfam/portal/internal/api/middleware"
	"github.com/cesfam/portal/internal/domain/patient"
	fhir "github.com/cesfam/portal/internal/fhir/r5"
	"github.com/cesfam/portal/internal/identity"
)

// PatientHandler handles registration and the caller's own profile
type PatientHandler struct {
	svc          *identity.Service
	organization string
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewPatientHandler creates a new handler. organization is shown as the
// managing organization in FHIR exports.
func NewPatientHandler(svc *identity.Service, organization string, logger *zap.Logger) *PatientHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientHandler{
		svc:          svc,
		organization: organization,
		logger:       logger,
		tracer:       otel.Tracer("patient-handler"),
	}
}

// Routes returns the handler routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Register)
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(h.svc.Tokens(), Unauthorized))
		r.Get("/me", h.Me)
		r.Patch("/me/contact", h.UpdateContact)
		r.Get("/me/fhir", h.FHIR)
	})
	return r
}

// RegisterRequest is the body of POST /patients
type RegisterRequest struct {
	RUT      string `json:"rut"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Address  string `json:"address,omitempty"`
}

// Register handles POST /patients
func (h *PatientHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "register_patient")
	defer span.End()

	var req RegisterRequest
	if err := decode(w, r, &req); err != nil {
		jsonError(w, r, http.StatusBadRequest, CodeInvalidBody, "")
		return
	}

	profile, err := h.svc.Register(ctx, identity.RegisterRequest{
		RUT:           req.RUT,
		Email:         req.Email,
		Password:      req.Password,
		Name:          req.Name,
		Phone:         req.Phone,
		Address:       req.Address,
		CorrelationID: middleware.GetRequestID(ctx),
	})
	if err != nil {
		span.RecordError(err)
		serviceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Location", "/api/v1/patients/me")
	writeJSON(w, http.StatusCreated, profile)
}

// Me handles GET /patients/me
func (h *PatientHandler) Me(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.profile(w, r, "get_profile")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// ContactRequest is the body of PATCH /patients/me/contact
type ContactRequest struct {
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// UpdateContact handles PATCH /patients/me/contact
func (h *PatientHandler) UpdateContact(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "update_contact")
	defer span.End()

	principal, ok := identity.PrincipalFrom(ctx)
	if !ok {
		Unauthorized(w, r, identity.ErrInvalidToken)
		return
	}

	var req ContactRequest
	if err := decode(w, r, &req); err != nil {
		jsonError(w, r, http.StatusBadRequest, CodeInvalidBody, "")
		return
	}

	profile, err := h.svc.UpdateContact(ctx, principal, req.Phone, req.Address, middleware.GetRequestID(ctx))
	if err != nil {
		span.RecordError(err)
		serviceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// FHIR handles GET /patients/me/fhir
func (h *PatientHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.profile(w, r, "export_fhir")
	if !ok {
		return
	}

	w.Header().Set("Content-Type", fhir.ContentType)
	w.WriteHeader(http.StatusOK)
	_ = jsonEncoder(w).Encode(fhir.PatientFromProfile(profile, h.organization))
}

func (h *PatientHandler) profile(w http.ResponseWriter, r *http.Request, op string) (patient.Profile, bool) {
	ctx, span := h.tracer.Start(r.Context(), op)
	defer span.End()

	principal, ok := identity.PrincipalFrom(ctx)
	if !ok {
		Unauthorized(w, r, identity.ErrInvalidToken)
		return patient.Profile{}, false
	}

	profile, err := h.svc.Profile(ctx, principal)
	if err != nil {
		span.RecordError(err)
		serviceError(w, r, h.logger, err)
		return patient.Profile{}, false
	}
	return profile, true
}
