// Package handlers provides the HTTP handlers of the portal API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/cesfam/portal/internal/api/middleware"
	"github.com/cesfam/portal/internal/identity"
	"github.com/cesfam/portal/pkg/validation"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonEncoder(w).Encode(v)
}

// jsonEncoder leaves &, < and > unescaped in addresses and names
func jsonEncoder(w http.ResponseWriter) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

func jsonError(w http.ResponseWriter, r *http.Request, status int, code, field string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Field:   field,
		Message: Message(Language(r), code),
	})
}

// classify maps a service error to status, code and field
func classify(err error) (int, string, string) {
	var fe *validation.FieldError
	switch {
	case errors.As(err, &fe):
		return http.StatusBadRequest, fe.Code, fe.Field
	case errors.Is(err, identity.ErrInvalidCredentials):
		return http.StatusUnauthorized, CodeInvalidCredentials, ""
	case errors.Is(err, identity.ErrInvalidToken):
		return http.StatusUnauthorized, CodeInvalidToken, ""
	case errors.Is(err, identity.ErrRUTNotRegistered):
		return http.StatusNotFound, CodeRUTNotRegistered, "rut"
	case errors.Is(err, identity.ErrAlreadyRegistered):
		return http.StatusConflict, CodeAlreadyRegistered, ""
	case errors.Is(err, identity.ErrConflict):
		return http.StatusConflict, CodeConflict, ""
	case errors.Is(err, identity.ErrUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable, ""
	default:
		return http.StatusInternalServerError, CodeInternal, ""
	}
}

// serviceError writes the reply for err, logging anything that is not the caller's fault
func serviceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status, code, field := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("code", code),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	jsonError(w, r, status, code, field)
}

// Unauthorized is the BearerAuth reject function
func Unauthorized(w http.ResponseWriter, r *http.Request, _ error) {
	jsonError(w, r, http.StatusUnauthorized, CodeInvalidToken, "")
}

// maxBodyBytes bounds request bodies
const maxBodyBytes = 64 << 10

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
