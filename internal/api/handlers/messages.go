package handlers

import (
	"net/http"

	"golang.org/x/text/language"

	"github.com/cesfam/portal/pkg/validation"
)

// Error and status codes that have a user-facing message
const (
	CodeInvalidBody        = "invalid_body"
	CodeInvalidCredentials = "invalid_credentials"
	CodeRUTNotRegistered   = "rut_not_registered"
	CodeAlreadyRegistered  = "already_registered"
	CodeConflict           = "conflict"
	CodeInvalidToken       = "invalid_token"
	CodeUnavailable        = "unavailable"
	CodeInternal           = "internal"
	CodeLoginOK            = "login_ok"
	CodeRUTValid           = "valid"
)

// Spanish comes first so it wins when nothing matches
var supported = []language.Tag{language.Spanish, language.English}

var matcher = language.NewMatcher(supported)

var catalog = map[language.Tag]map[string]string{
	language.Spanish: {
		validation.CodeInvalidRUT:       "RUT inválido. Revisa dígitos y DV.",
		validation.CodeRUTFormat:        "Ingresa RUT sin guion. Ej: 19875613K",
		validation.CodeEmailRequired:    "Correo es obligatorio",
		validation.CodeInvalidEmail:     "El correo electrónico no es válido",
		validation.CodePasswordTooShort: "La contraseña es muy débil. Debe tener al menos 6 caracteres",
		validation.CodeInvalidName:      "Nombre inválido. Usa solo letras y espacios",
		validation.CodeInvalidPhone:     "Teléfono inválido. Usa 9 dígitos, con o sin +56",
		CodeInvalidBody:                 "Error al procesar los datos",
		CodeInvalidCredentials:          "Credenciales incorrectas. Verifica tu RUT y contraseña",
		CodeRUTNotRegistered:            "RUT no registrado. Contacte CESFAM.",
		CodeAlreadyRegistered:           "Este registro ya existe",
		CodeConflict:                    "La operación no se puede completar en este momento",
		CodeInvalidToken:                "Debes iniciar sesión para realizar esta acción",
		CodeUnavailable:                 "Servicio no disponible. Intenta más tarde",
		CodeInternal:                    "Error inesperado. Intenta nuevamente.",
		CodeLoginOK:                     "Inicio de sesión correcto",
		CodeRUTValid:                    "RUT válido",
	},
	language.English: {
		validation.CodeInvalidRUT:       "Invalid RUT. Check the digits and the check digit.",
		validation.CodeRUTFormat:        "Enter the RUT without a hyphen. E.g. 19875613K",
		validation.CodeEmailRequired:    "Email is required",
		validation.CodeInvalidEmail:     "The email address is not valid",
		validation.CodePasswordTooShort: "The password is too weak. It must have at least 6 characters",
		validation.CodeInvalidName:      "Invalid name. Use letters and spaces only",
		validation.CodeInvalidPhone:     "Invalid phone. Use 9 digits, with or without +56",
		CodeInvalidBody:                 "The request could not be processed",
		CodeInvalidCredentials:          "Wrong credentials. Check your RUT and password",
		CodeRUTNotRegistered:            "RUT not registered. Contact your CESFAM.",
		CodeAlreadyRegistered:           "This account already exists",
		CodeConflict:                    "The operation cannot be completed right now",
		CodeInvalidToken:                "You must sign in to do this",
		CodeUnavailable:                 "Service unavailable. Try again later",
		CodeInternal:                    "Unexpected error. Please try again.",
		CodeLoginOK:                     "Signed in",
		CodeRUTValid:                    "Valid RUT",
	},
}

// Language picks the response language from Accept-Language
func Language(r *http.Request) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return supported[0]
	}
	_, idx, _ := matcher.Match(tags...)
	return supported[idx]
}

// Message returns the localized text for code, falling back to the generic error
func Message(tag language.Tag, code string) string {
	msgs, ok := catalog[tag]
	if !ok {
		msgs = catalog[supported[0]]
	}
	if m, ok := msgs[code]; ok {
		return m
	}
	return msgs[CodeInternal]
}
