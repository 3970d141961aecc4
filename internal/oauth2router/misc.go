package oauth2router

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/model"
)

// handlePlainLogin implementa GET /login: autentica contra el IdP montado
// sin participación de ninguna API ni del gateway, y redirige directo a
// redirect_uri -- el modo Plain de RegistrationDecide.
func (c *controller) handlePlainLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	redirectURI := r.URL.Query().Get("redirect_uri")
	if redirectURI == "" {
		httperr.WriteError(w, httperr.ErrBadRequest.WithDetail("falta redirect_uri"))
		return
	}

	sid, rec := ensureSession(w, r, c.d.Sessions, c.d.AuthMethodID)
	req := &model.AuthRequest{Plain: true, RedirectURI: redirectURI}
	rec.AuthRequest = req
	_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)

	if loggedIn(rec) {
		c.proceedPostLogin(ctx, w, r, sid, rec)
		return
	}
	c.driveLoginUI(ctx, w, r, sid, rec)
}

// handleProfile implementa GET /profile: resuelve el perfil asociado al
// access token Bearer vía el Profile Store.
func (c *controller) handleProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authz) <= len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		httperr.WriteError(w, httperr.ErrUnauthorized.WithDetail("falta encabezado Authorization: Bearer"))
		return
	}
	token := strings.TrimSpace(authz[len(prefix):])
	profile, _, ok := c.d.Profiles.Retrieve(ctx, token)
	if !ok {
		httperr.WriteError(w, httperr.ErrUnauthorized.WithDetail("token inválido o expirado"))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(profile)
}

// handleLogout implementa GET /logout: destruye la sesión y, si se dio
// redirect_uri, vuelve ahí; de otro modo renderiza una página de cierre.
func (c *controller) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid, _, ok := loadSessionFromRequest(r, c.d.Sessions, c.d.AuthMethodID)
	if ok {
		_ = c.d.Sessions.Destroy(ctx, c.d.AuthMethodID, sid)
	}
	c.d.Sessions.DeleteCookie(w)

	if redirectURI := r.URL.Query().Get("redirect_uri"); redirectURI != "" {
		http.Redirect(w, r, redirectURI, http.StatusFound)
		return
	}
	renderVerificationResultPage(w, "sesión finalizada")
}

// handleFailure implementa GET /failure: renderiza el último FlowError
// recordado en sesión cuando /authorize falló sin un redirect_uri conocido.
func (c *controller) handleFailure(w http.ResponseWriter, r *http.Request) {
	_, rec, ok := loadSessionFromRequest(r, c.d.Sessions, c.d.AuthMethodID)
	if !ok || rec.LastError == nil {
		renderFailurePage(w, nil)
		return
	}
	renderFailurePage(w, rec.LastError)
}
