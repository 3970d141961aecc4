package oauth2router

import (
	"context"
	"net/http"
	"strings"

	"github.com/authzrelay/authzrelay/internal/flow"
	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/portal"
	"github.com/authzrelay/authzrelay/internal/session"
)

// appErrToOAuth2 traduce un AppError de infraestructura (el que devuelve
// ResolveRegistration) al vocabulario OAuth2 del router; sólo ErrForbidden
// es alcanzable hoy (DisableRegister), de ahí el default conservador.
func appErrToOAuth2(ae *httperr.AppError) *httperr.OAuth2Error {
	if ae.Code == "forbidden" {
		return httperr.ErrAccessDenied.WithDescription(ae.Message)
	}
	return httperr.ErrServerError.WithDescription(ae.Error())
}

// runRegistrationFlow cubre el State de RegistrationFlow del §4.1: consulta
// el pool y las registraciones del usuario, y reacciona a ResolveRegistration
// mostrando el formulario de registro, el de selección de namespace, o
// avanzando directo a AuthorizeDecide.
func (c *controller) runRegistrationFlow(ctx context.Context, w http.ResponseWriter, r *http.Request, sid string, rec *model.SessionRecord, apiCfg model.CachedAPIConfig, namespaceParam string) {
	req := rec.AuthRequest
	resp := rec.AuthResponse

	pool, err := c.d.Portal.GetPool(ctx, apiCfg.RegistrationPool)
	if err != nil {
		c.fail(w, r, sid, rec, httperr.ErrServerError.WithDescription(err.Error()))
		return
	}
	regs, err := c.d.Portal.RegistrationsForUser(ctx, apiCfg.RegistrationPool, resp.UserID)
	if err != nil {
		c.fail(w, r, sid, rec, httperr.ErrServerError.WithDescription(err.Error()))
		return
	}

	result, aerr := flow.ResolveRegistration(pool, regs, namespaceParam)
	if aerr != nil {
		c.fail(w, r, sid, rec, appErrToOAuth2(aerr))
		return
	}

	switch result.Next {
	case flow.StateRegisterUi:
		tok, _ := session.NewCSRFToken()
		rec.CSRFToken = tok
		_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)
		renderRegisterPage(w, tok)
	case flow.StateSelectNamespace:
		tok, _ := session.NewCSRFToken()
		rec.CSRFToken = tok
		_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)
		renderSelectNamespacePage(w, result.Namespaces, tok)
	case flow.StateAuthorizeDecide:
		req.Namespace = result.Namespace
		_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)
		c.authorizeDecideAndMint(ctx, w, r, sid, rec, apiCfg)
	}
}

// handleRegister implementa POST /register: crea la membresía del usuario
// en el pool de registro con el namespace elegido (si aplica) y reintenta
// RegistrationFlow con esa membresía ya persistida.
func (c *controller) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid, rec := sessionFromCSRFContext(r)
	req, resp := rec.AuthRequest, rec.AuthResponse
	if req == nil || resp == nil {
		httperr.WriteError(w, httperr.ErrBadRequest.WithDetail("no hay autorización en curso"))
		return
	}
	apiCfg, err := c.d.Gateway.ConfigFor(ctx, req.APIID)
	if err != nil {
		c.fail(w, r, sid, rec, httperr.ErrServerError.WithDescription(err.Error()))
		return
	}

	_ = r.ParseForm()
	namespace := r.FormValue("namespace")
	if err := c.d.Portal.PutRegistration(ctx, portal.Registration{
		Pool: apiCfg.RegistrationPool, UserID: resp.UserID, Namespace: namespace,
	}); err != nil {
		c.fail(w, r, sid, rec, httperr.ErrServerError.WithDescription(err.Error()))
		return
	}
	c.runRegistrationFlow(ctx, w, r, sid, rec, apiCfg, namespace)
}

// handleSelectNamespace implementa POST /selectnamespace: valida el
// namespace elegido contra el pool antes de reentrar RegistrationFlow.
func (c *controller) handleSelectNamespace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid, rec := sessionFromCSRFContext(r)
	req, resp := rec.AuthRequest, rec.AuthResponse
	if req == nil || resp == nil {
		httperr.WriteError(w, httperr.ErrBadRequest.WithDetail("no hay autorización en curso"))
		return
	}
	apiCfg, err := c.d.Gateway.ConfigFor(ctx, req.APIID)
	if err != nil {
		c.fail(w, r, sid, rec, httperr.ErrServerError.WithDescription(err.Error()))
		return
	}

	_ = r.ParseForm()
	namespace := r.FormValue("namespace")
	ok, err := c.d.Portal.ValidNamespace(ctx, apiCfg.RegistrationPool, namespace)
	if err != nil {
		c.fail(w, r, sid, rec, httperr.ErrServerError.WithDescription(err.Error()))
		return
	}
	if !ok {
		c.fail(w, r, sid, rec, httperr.ErrInvalidRequest.WithDescription("namespace inválido"))
		return
	}
	c.runRegistrationFlow(ctx, w, r, sid, rec, apiCfg, namespace)
}

// handleGrant implementa POST /grant: aplica la decisión de consentimiento
// (otorgar los scopes faltantes, o denegar) y reentra ScopeConsent, que al
// no encontrar nada pendiente avanza directo a MintWithGateway.
func (c *controller) handleGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sid, rec := sessionFromCSRFContext(r)
	req, resp := rec.AuthRequest, rec.AuthResponse
	if req == nil || resp == nil {
		httperr.WriteError(w, httperr.ErrBadRequest.WithDetail("no hay autorización en curso"))
		return
	}

	_ = r.ParseForm()
	if r.FormValue("decision") == "deny" {
		c.fail(w, r, sid, rec, httperr.ErrAccessDenied)
		return
	}

	approved := strings.Fields(r.FormValue("scope"))
	var existing []model.ScopeGrant
	if rec.GrantInfo != nil {
		if len(approved) == 0 {
			approved = rec.GrantInfo.MissingGrants
		}
		existing = rec.GrantInfo.ExistingGrants
	}
	if err := c.d.Orchestrator.ApplyConsent(ctx, resp.UserID, req.AppID, req.APIID, existing, approved); err != nil {
		c.fail(w, r, sid, rec, httperr.ErrServerError.WithDescription(err.Error()))
		return
	}

	apiCfg, err := c.d.Gateway.ConfigFor(ctx, req.APIID)
	if err != nil {
		c.fail(w, r, sid, rec, httperr.ErrServerError.WithDescription(err.Error()))
		return
	}
	rec.GrantInfo = nil
	c.authorizeDecideAndMint(ctx, w, r, sid, rec, apiCfg)
}

// sessionFromCSRFContext recupera el sid/SessionRecord que requireCSRF ya
// validó y dejó en el contexto de la request.
func sessionFromCSRFContext(r *http.Request) (string, *model.SessionRecord) {
	sid, _ := r.Context().Value(ctxKeySID).(string)
	rec, _ := r.Context().Value(ctxKeyRec).(*model.SessionRecord)
	return sid, rec
}
