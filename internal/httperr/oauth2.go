package httperr

import (
	"encoding/json"
	"net/http"
	"net/url"
)

// OAuth2Error modela los códigos de error del protocolo (RFC 6749 §4.1.2.1,
// §5.2) independientemente del AppError interno de infraestructura.
type OAuth2Error struct {
	Kind        string // invalid_request | invalid_scope | login_required | access_denied | server_error | invalid_client | invalid_grant | unsupported_grant_type | unauthorized_client
	Description string
	HTTPStatus  int
}

func (e *OAuth2Error) Error() string { return e.Kind + ": " + e.Description }

func NewOAuth2Error(kind, description string, status int) *OAuth2Error {
	return &OAuth2Error{Kind: kind, Description: description, HTTPStatus: status}
}

// WithDescription devuelve una copia con una descripción más específica,
// preservando Kind y HTTPStatus.
func (e *OAuth2Error) WithDescription(description string) *OAuth2Error {
	c := *e
	c.Description = description
	return &c
}

// WithDetail es un alias de WithDescription para que el código que maneja
// tanto AppError como OAuth2Error pueda usar el mismo nombre de método.
func (e *OAuth2Error) WithDetail(detail string) *OAuth2Error {
	return e.WithDescription(detail)
}

// WithCause adjunta la causa subyacente a la descripción, igual que
// AppError.WithCause, para código que maneja ambos tipos uniformemente.
func (e *OAuth2Error) WithCause(err error) *OAuth2Error {
	if err == nil {
		return e
	}
	return e.WithDescription(err.Error())
}

var (
	ErrInvalidRequest       = NewOAuth2Error("invalid_request", "la solicitud contiene sintaxis inválida o falta un parámetro requerido", http.StatusBadRequest)
	ErrInvalidScope         = NewOAuth2Error("invalid_scope", "el scope solicitado es inválido o desconocido", http.StatusBadRequest)
	ErrLoginRequired        = NewOAuth2Error("login_required", "se requiere autenticación interactiva del usuario", http.StatusOK)
	ErrAccessDenied         = NewOAuth2Error("access_denied", "el usuario o el servidor denegaron la solicitud", http.StatusOK)
	ErrServerError          = NewOAuth2Error("server_error", "error inesperado del servidor de autorización", http.StatusInternalServerError)
	ErrInvalidClient        = NewOAuth2Error("invalid_client", "autenticación de cliente fallida", http.StatusUnauthorized)
	ErrInvalidGrant         = NewOAuth2Error("invalid_grant", "la concesión, credencial o código es inválido, expiró o ya fue usado", http.StatusBadRequest)
	ErrUnsupportedGrantType = NewOAuth2Error("unsupported_grant_type", "grant_type no soportado", http.StatusBadRequest)
	ErrUnauthorizedClient   = NewOAuth2Error("unauthorized_client", "el cliente no está autorizado para usar este grant_type", http.StatusBadRequest)
)

// WriteJSON serializa el error OAuth2 como JSON, usado en el endpoint /token.
func (e *OAuth2Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             e.Kind,
		"error_description": e.Description,
	})
}

// RedirectURL construye la URL de retorno con error/error_description/state
// añadidos como query params, usada cuando ya se conoce un redirect_uri
// validado (fallas en /authorize tras resolver el cliente).
func (e *OAuth2Error) RedirectURL(redirectURI, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", e.Kind)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
