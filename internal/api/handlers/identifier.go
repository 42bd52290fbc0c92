package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cesfam/portal/pkg/rut"
	"github.com/cesfam/portal/pkg/validation"
)

// RUTObserver counts validations by status. Optional.
type RUTObserver interface {
	RUTValidated(status string)
}

// IdentifierHandler exposes the RUT validator
type IdentifierHandler struct {
	metrics RUTObserver
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewIdentifierHandler creates a new handler
func NewIdentifierHandler(m RUTObserver, logger *zap.Logger) *IdentifierHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentifierHandler{
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("identifier-handler"),
	}
}

// Routes returns the handler routes
func (h *IdentifierHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/validate", h.Validate)
	r.Get("/{body}/check-digit", h.CheckDigit)
	return r
}

// ValidateRequest is the body of POST /rut/validate
type ValidateRequest struct {
	RUT string `json:"rut"`
}

// ValidateResponse describes a validation outcome. Formatted is set only for
// valid identifiers.
type ValidateResponse struct {
	Input      string `json:"input"`
	Normalized string `json:"normalized"`
	Formatted  string `json:"formatted,omitempty"`
	Valid      bool   `json:"valid"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message"`
}

// Validate handles POST /rut/validate. Invalid identifiers are a normal
// outcome and answer 200.
func (h *IdentifierHandler) Validate(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "validate_rut")
	defer span.End()

	var req ValidateRequest
	if err := decode(w, r, &req); err != nil {
		jsonError(w, r, http.StatusBadRequest, CodeInvalidBody, "")
		return
	}

	normalized := rut.Normalize(req.RUT)
	result := rut.Validate(normalized)
	span.SetAttributes(attribute.String("rut.status", result.Status.String()))
	if h.metrics != nil {
		h.metrics.RUTValidated(result.Status.String())
	}

	code := CodeRUTValid
	switch result.Status {
	case rut.InvalidFormat:
		code = validation.CodeRUTFormat
	case rut.InvalidCheckDigit:
		code = validation.CodeInvalidRUT
	}

	resp := ValidateResponse{
		Input:      req.RUT,
		Normalized: normalized,
		Valid:      result.OK(),
		Status:     result.Status.String(),
		Reason:     result.Reason,
		Message:    Message(Language(r), code),
	}
	if result.OK() {
		resp.Formatted = rut.Format(normalized)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CheckDigitResponse carries a computed check digit
type CheckDigitResponse struct {
	Body       string `json:"body"`
	CheckDigit string `json:"check_digit"`
	RUT        string `json:"rut"`
	Formatted  string `json:"formatted"`
}

// CheckDigit handles GET /rut/{body}/check-digit
func (h *IdentifierHandler) CheckDigit(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "compute_check_digit")
	defer span.End()

	body := rut.Normalize(chi.URLParam(r, "body"))
	dv := rut.CheckDigit(body)
	if dv == 0 || len(body) < rut.MinBodyLen || len(body) > rut.MaxBodyLen {
		jsonError(w, r, http.StatusBadRequest, validation.CodeRUTFormat, "body")
		return
	}

	full := body + string(dv)
	writeJSON(w, http.StatusOK, CheckDigitResponse{
		Body:       body,
		CheckDigit: string(dv),
		RUT:        full,
		Formatted:  rut.Format(full),
	})
}
