package oauth2router

import (
	"context"
	"net/http"
	"strings"

	"github.com/authzrelay/authzrelay/internal/flow"
	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/idp"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/session"
)

func toOAuth2Err(err error) *httperr.OAuth2Error {
	if oe, ok := err.(*httperr.OAuth2Error); ok {
		return oe
	}
	return httperr.ErrServerError.WithDescription(err.Error())
}

// handleAuthorize implementa GET /api/:apiId/authorize: AuthorizeStart →
// ValidateScope → CheckSession, y de ahí a UserReconcile directo (sesión ya
// logueada) o a la UI del IdP.
func (c *controller) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	apiID := apiIDFromPath(r)
	q := r.URL.Query()
	clientID := q.Get("client_id")

	sub, err := c.d.Portal.SubscriptionByClientID(ctx, clientID)
	if err != nil {
		c.fail(w, r, "", &model.SessionRecord{}, toOAuth2Err(err))
		return
	}
	if sub.APIID != apiID {
		c.fail(w, r, "", &model.SessionRecord{}, httperr.ErrUnauthorizedClient.WithDescription("client_id no pertenece a esta api"))
		return
	}

	apiCfg, err := c.d.Gateway.ConfigFor(ctx, apiID)
	if err != nil {
		c.fail(w, r, "", &model.SessionRecord{}, httperr.ErrServerError.WithDescription(err.Error()))
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		redirectURI = sub.RedirectURI
	}

	req := &model.AuthRequest{
		APIID:        apiID,
		ClientID:     clientID,
		AppID:        sub.AppID,
		ResponseType: q.Get("response_type"),
		RedirectURI:  redirectURI,
		State:        q.Get("state"),
		Scope:        strings.Fields(q.Get("scope")),
		Prompt:       q.Get("prompt"),
		Namespace:    q.Get("namespace"),
	}

	sid, rec := ensureSession(w, r, c.d.Sessions, c.d.AuthMethodID)
	wasLoggedIn := loggedIn(rec)
	if req.Prompt == "login" {
		rec.AuthResponse = nil
	}
	rec.AuthRequest = req
	rec.RedirectURIOnFail = redirectURI

	if oe := c.d.Orchestrator.ValidateScope(ctx, c.d.AuthMethodID, req, apiCfg.PortalScopes, sub.Trusted); oe != nil {
		_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)
		c.fail(w, r, sid, rec, oe)
		return
	}

	state, oe := c.d.Orchestrator.CheckSession(ctx, c.d.AuthMethodID, req, wasLoggedIn && req.Prompt != "login")
	if oe != nil {
		_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)
		c.fail(w, r, sid, rec, oe)
		return
	}
	_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)

	if state == flow.StateUserReconcile {
		c.proceedPostLogin(ctx, w, r, sid, rec)
		return
	}

	c.driveLoginUI(ctx, w, r, sid, rec)
}

// driveLoginUI delega en la capacidad de UI del IdP montado. done=false
// significa que el adaptador ya escribió la respuesta (formulario o
// redirect upstream) y el router no debe escribir nada más en esta request.
func (c *controller) driveLoginUI(ctx context.Context, w http.ResponseWriter, r *http.Request, sid string, rec *model.SessionRecord) {
	ui, ok := c.d.Provider.(idp.UIAuthenticator)
	if !ok {
		c.fail(w, r, sid, rec, httperr.ErrServerError.WithDescription("el idp configurado no soporta login interactivo"))
		return
	}
	result, done, err := ui.AuthorizeWithUI(ctx, w, r)
	if err != nil {
		c.fail(w, r, sid, rec, httperr.ErrAccessDenied.WithDescription(err.Error()))
		return
	}
	if !done {
		return
	}
	c.continueAfterLogin(w, r, sid, rec, result)
}

// continueAfterLogin retoma el flujo una vez que el IdP produjo un
// LoginResult, ya sea sincrónicamente (AuthorizeWithUI) o vía el callback
// de un IdP redirect-based capturado por wrapIdPEndpoint.
func (c *controller) continueAfterLogin(w http.ResponseWriter, r *http.Request, sid string, rec *model.SessionRecord, result idp.LoginResult) {
	ctx := r.Context()
	if !result.Authenticated {
		c.fail(w, r, sid, rec, httperr.ErrAccessDenied.WithDescription(result.FailureReason))
		return
	}
	req := rec.AuthRequest
	if req == nil {
		httperr.WriteError(w, httperr.ErrBadRequest.WithDetail("no hay autorización en curso"))
		return
	}

	var apiCfg model.CachedAPIConfig
	if !req.Plain {
		var err error
		apiCfg, err = c.d.Gateway.ConfigFor(ctx, req.APIID)
		if err != nil {
			c.fail(w, r, sid, rec, httperr.ErrServerError.WithDescription(err.Error()))
			return
		}
	}

	resp, oe := c.d.Orchestrator.UserReconcile(ctx, c.d.AuthMethodID, apiCfg, c.d.Provider.GetType(), result)
	if oe != nil {
		c.fail(w, r, sid, rec, oe)
		return
	}
	rec.AuthResponse = resp
	_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)
	c.proceedPostLogin(ctx, w, r, sid, rec)
}

// proceedPostLogin cubre RegistrationDecide en adelante, una vez que
// rec.AuthResponse ya está poblado (por UserReconcile o por una sesión que
// ya estaba logueada).
func (c *controller) proceedPostLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, sid string, rec *model.SessionRecord) {
	req := rec.AuthRequest
	resp := rec.AuthResponse

	var apiCfg model.CachedAPIConfig
	if !req.Plain {
		var err error
		apiCfg, err = c.d.Gateway.ConfigFor(ctx, req.APIID)
		if err != nil {
			c.fail(w, r, sid, rec, httperr.ErrServerError.WithDescription(err.Error()))
			return
		}
	}

	state := c.d.Orchestrator.RegistrationDecide(ctx, c.d.AuthMethodID, apiCfg, req, resp)
	switch state {
	case flow.StateMintWithGateway: // req.Plain: redirigir directo, sin gateway
		_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)
		http.Redirect(w, r, req.RedirectURI, http.StatusFound)
	case flow.StateRegistrationFlow:
		c.runRegistrationFlow(ctx, w, r, sid, rec, apiCfg, "")
	case flow.StateAuthorizeDecide:
		_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)
		c.authorizeDecideAndMint(ctx, w, r, sid, rec, apiCfg)
	}
}

// authorizeDecideAndMint cubre AuthorizeDecide, PassthroughScope y
// ScopeConsent hasta llegar a MintWithGateway.
func (c *controller) authorizeDecideAndMint(ctx context.Context, w http.ResponseWriter, r *http.Request, sid string, rec *model.SessionRecord, apiCfg model.CachedAPIConfig) {
	req := rec.AuthRequest
	resp := rec.AuthResponse

	scope := req.Scope
	if len(resp.Groups) > 0 {
		scope = flow.MergeScopesWithGroups(scope, resp.Groups)
	}

	switch c.d.Orchestrator.AuthorizeDecide(ctx, c.d.AuthMethodID, apiCfg, req) {
	case flow.StateMintWithGateway:
		c.mintAndRespond(ctx, w, r, sid, rec, apiCfg, flow.BuildAuthenticatedUserID(resp.UserID, req.Namespace, nil), scope)
	case flow.StatePassthroughScope:
		decision, oe := c.d.Orchestrator.PassthroughScope(ctx, c.d.AuthMethodID, apiCfg.PassthroughScopeURL, resp.Profile, req.Scope)
		if oe != nil {
			c.fail(w, r, sid, rec, oe)
			return
		}
		if !decision.Allow {
			c.fail(w, r, sid, rec, httperr.ErrAccessDenied)
			return
		}
		c.mintAndRespond(ctx, w, r, sid, rec, apiCfg, decision.AuthenticatedUserID, decision.Scope)
	case flow.StateScopeConsent:
		info, oe := c.d.Orchestrator.ScopeConsent(ctx, c.d.AuthMethodID, resp.UserID, req.AppID, req.APIID, scope)
		if oe != nil {
			c.fail(w, r, sid, rec, oe)
			return
		}
		if len(info.MissingGrants) == 0 {
			c.mintAndRespond(ctx, w, r, sid, rec, apiCfg, flow.BuildAuthenticatedUserID(resp.UserID, req.Namespace, nil), scope)
			return
		}
		rec.GrantInfo = info
		tok, _ := session.NewCSRFToken()
		rec.CSRFToken = tok
		_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)
		renderConsentPage(w, info, tok)
	}
}

func (c *controller) mintAndRespond(ctx context.Context, w http.ResponseWriter, r *http.Request, sid string, rec *model.SessionRecord, apiCfg model.CachedAPIConfig, authenticatedUserID string, scope []string) {
	req := rec.AuthRequest
	result, oe := c.d.Orchestrator.MintWithGateway(ctx, c.d.AuthMethodID, req.APIID, apiCfg, req, rec.AuthResponse, authenticatedUserID, scope)
	if oe != nil {
		c.fail(w, r, sid, rec, oe)
		return
	}
	_ = saveSession(ctx, c.d.Sessions, c.d.AuthMethodID, sid, rec)
	http.Redirect(w, r, result.RedirectURI, http.StatusFound)
}
