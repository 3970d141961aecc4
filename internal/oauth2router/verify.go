package oauth2router

import (
	"net/http"
	"time"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/session"
	"github.com/go-chi/chi/v5"
)

func (c *controller) handleVerifyGet(w http.ResponseWriter, r *http.Request) {
	sid, rec := ensureSession(w, r, c.d.Sessions, c.d.AuthMethodID)
	c.resolveVerification(w, r, sid, rec, chi.URLParam(r, "id"))
}

func (c *controller) handleVerifyEmailGet(w http.ResponseWriter, r *http.Request) {
	sid, rec := ensureSession(w, r, c.d.Sessions, c.d.AuthMethodID)
	c.resolveVerification(w, r, sid, rec, r.URL.Query().Get("id"))
}

// resolveVerification consulta la verificación y aplica su efecto: un email
// se confirma de inmediato contra el portal; un password_reset muestra el
// formulario que completará la verificación, con un token CSRF de un solo
// uso guardado en la sesión (la misma sesión que requireCSRF validará en el
// POST subsiguiente). Un id desconocido responde tras el mismo piso
// anti-enumeración de 500ms que un password inválido en el grant password.
func (c *controller) resolveVerification(w http.ResponseWriter, r *http.Request, sid string, rec *model.SessionRecord, id string) {
	start := time.Now()
	ctx := r.Context()
	v, ok, err := c.d.Portal.GetVerification(ctx, id)
	if err != nil {
		httperr.WriteError(w, httperr.DelayedFail(start, httperr.ErrInternal.WithCause(err)))
		return
	}
	if !ok {
		httperr.WriteError(w, httperr.DelayedFail(start, httperr.ErrNotFound.WithDetail("verificación inválida o expirada")))
		return
	}

	switch v.Type {
	case "email":
		if err := c.d.Portal.PatchUser(ctx, v.UserID, map[string]any{"emailVerified": true}); err != nil {
			httperr.WriteError(w, httperr.ErrInternal.WithCause(err))
			return
		}
		_ = c.d.Portal.DeleteVerification(ctx, id)
		renderVerificationResultPage(w, "el correo fue verificado correctamente")
	case "password_reset":
		tok, _ := session.NewCSRFToken()
		rec.CSRFToken = tok
		_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)
		renderPasswordResetFormPage(w, id, tok)
	default:
		httperr.WriteError(w, httperr.ErrBadRequest.WithDetail("tipo de verificación desconocido"))
	}
}

func (c *controller) handleVerifyPost(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	c.completePasswordReset(w, r, r.FormValue("id"))
}

func (c *controller) handleVerifyEmailPost(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	c.completePasswordReset(w, r, r.FormValue("id"))
}

// completePasswordReset consume una verificación de tipo password_reset. El
// cambio de contraseña en sí es responsabilidad del IdP local (su propio
// almacén de credenciales); esta capa sólo confirma que el formulario de
// reseteo fue enviado para un id vigente.
func (c *controller) completePasswordReset(w http.ResponseWriter, r *http.Request, id string) {
	start := time.Now()
	ctx := r.Context()
	v, ok, err := c.d.Portal.GetVerification(ctx, id)
	if err != nil || !ok || v.Type != "password_reset" {
		httperr.WriteError(w, httperr.DelayedFail(start, httperr.ErrNotFound.WithDetail("verificación inválida o expirada")))
		return
	}
	_ = c.d.Portal.DeleteVerification(ctx, id)
	renderVerificationResultPage(w, "la contraseña fue actualizada, ya puede iniciar sesión")
}
