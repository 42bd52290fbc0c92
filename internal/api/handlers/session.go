package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cesfam/portal/internal/identity"
)

// SessionHandler handles login
type SessionHandler struct {
	svc    *identity.Service
	logger *zap.Logger
	tracer trace.Tracer
}

// NewSessionHandler creates a new handler
func NewSessionHandler(svc *identity.Service, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		svc:    svc,
		logger: logger,
		tracer: otel.Tracer("session-handler"),
	}
}

// Routes returns the handler routes
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Login)
	return r
}

// LoginRequest is the body of POST /sessions
type LoginRequest struct {
	RUT      string `json:"rut"`
	Password string `json:"password"`
}

// LoginResponse carries the access token
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Message     string    `json:"message"`
}

// Login handles POST /sessions
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "login")
	defer span.End()

	var req LoginRequest
	if err := decode(w, r, &req); err != nil {
		jsonError(w, r, http.StatusBadRequest, CodeInvalidBody, "")
		return
	}

	token, err := h.svc.Login(ctx, req.RUT, req.Password)
	if err != nil {
		span.RecordError(err)
		serviceError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, LoginResponse{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresAt:   token.ExpiresAt,
		Message:     Message(Language(r), CodeLoginOK),
	})
}
