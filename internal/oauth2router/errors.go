package oauth2router

import (
	"context"
	"fmt"
	"net/http"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/session"
)

// writeTokenError implementa el tramo "si es flujo de token" del
// manejador de errores local del Router: siempre JSON, nunca HTML.
func writeTokenError(w http.ResponseWriter, e *httperr.OAuth2Error) {
	e.WriteJSON(w)
}

// writeAuthorizeError implementa el resto del manejador de errores local:
// si la sesión tiene un redirect_uri conocido, 302 con error/error_description;
// si no, se recuerda el error en sesión y se renderiza la página de fallo.
func writeAuthorizeError(w http.ResponseWriter, r *http.Request, sessions *session.Store, authMethodID, sid string, rec *model.SessionRecord, e *httperr.OAuth2Error) {
	redirectURI := ""
	state := ""
	if rec.AuthRequest != nil {
		redirectURI = rec.AuthRequest.RedirectURI
		state = rec.AuthRequest.State
	}
	if redirectURI != "" {
		http.Redirect(w, r, e.RedirectURL(redirectURI, state), http.StatusFound)
		return
	}

	rec.LastError = &model.FlowError{Kind: e.Kind, Description: e.Description, HTTPStatus: e.HTTPStatus}
	if sid != "" {
		_ = saveSession(r.Context(), sessions, authMethodID, sid, rec)
	}
	renderFailurePage(w, rec.LastError)
}

func renderFailurePage(w http.ResponseWriter, fe *model.FlowError) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	status := http.StatusInternalServerError
	if fe != nil && fe.HTTPStatus != 0 {
		status = fe.HTTPStatus
	}
	w.WriteHeader(status)
	kind, desc := "server_error", "error inesperado"
	if fe != nil {
		kind, desc = fe.Kind, fe.Description
	}
	fmt.Fprintf(w, "<html><body><h1>%s</h1><p>%s</p></body></html>", kind, desc)
}

// globalErrorHandler cubre errores de infraestructura que no se originan
// en el Flow Orchestrator (p.ej. sesión no encontrada, parseo de form).
func globalErrorHandler(ctx context.Context, w http.ResponseWriter, err error) {
	httperr.WriteError(w, err)
}
