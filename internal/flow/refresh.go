package flow

import (
	"context"
	"strings"

	"github.com/authzrelay/authzrelay/internal/gateway"
	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/idp"
	"github.com/authzrelay/authzrelay/internal/model"
)

// RefreshGrantInput son los parámetros de un POST /token con
// grant_type=refresh_token (spec.md §4.8).
type RefreshGrantInput struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// ParseSub extrae el userId de un authenticated_userid con forma
// "sub=<id>" o "sub=<id>;namespace=..." (inverso de BuildAuthenticatedUserID).
func ParseSub(authenticatedUserID string) string {
	parts := strings.SplitN(authenticatedUserID, ";", 2)
	return strings.TrimPrefix(parts[0], "sub=")
}

// RefreshGrant implementa la especialización de §4.8: recupera la entrada de
// token por refresh token, resuelve la API y despacha según el modo de la
// API (passthroughUsers × passthroughScopeUrl), los 4 sub-casos descritos.
func (o *Orchestrator) RefreshGrant(ctx context.Context, authMethod string, p idp.Provider, in RefreshGrantInput) (MintResult, *httperr.OAuth2Error) {
	profile, apiID, authenticatedUserID, siblingAccessToken, ok := o.Profiles.RetrieveTokenInfo(ctx, in.RefreshToken)
	if !ok {
		return MintResult{}, o.fail(ctx, authMethod, httperr.ErrInvalidGrant.WithDescription("refresh token desconocido o expirado"))
	}

	apiCfg, err := o.Gateway.ConfigFor(ctx, apiID)
	if err != nil {
		return MintResult{}, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription(err.Error()))
	}

	switch {
	case !apiCfg.PassthroughUsers && apiCfg.PassthroughScopeURL == "":
		return o.refreshManagedUser(ctx, authMethod, p, in, apiID, apiCfg, profile, authenticatedUserID)
	case apiCfg.PassthroughUsers && apiCfg.PassthroughScopeURL == "":
		return MintResult{}, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription("refresh de usuarios passthrough sin passthrough scope url no está soportado"))
	case !apiCfg.PassthroughUsers && apiCfg.PassthroughScopeURL != "":
		return MintResult{}, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription("refresh con passthrough scope url sin passthrough users no está soportado"))
	default: // PassthroughUsers && PassthroughScopeURL != ""
		return o.refreshPassthroughScope(ctx, authMethod, in, apiID, apiCfg, profile, siblingAccessToken)
	}
}

// refreshManagedUser cubre el sub-caso 1 de §4.8: usuario administrado por
// el portal, sin passthrough scope url. Verifica con el IdP que la sesión
// sigue vigente y que el usuario no fue borrado, luego re-emite.
func (o *Orchestrator) refreshManagedUser(ctx context.Context, authMethod string, p idp.Provider, in RefreshGrantInput, apiID string, apiCfg model.CachedAPIConfig, profile model.OidcProfile, authenticatedUserID string) (MintResult, *httperr.OAuth2Error) {
	userID := ParseSub(authenticatedUserID)

	if rc, ok := p.(idp.RefreshChecker); ok {
		valid, err := rc.CheckRefreshToken(ctx, userID)
		if err != nil || !valid {
			return MintResult{}, o.fail(ctx, authMethod, httperr.ErrInvalidRequest.WithDescription("la sesión del usuario ya no es válida"))
		}
	}

	_, exists, err := o.Portal.UserByID(ctx, userID)
	if err != nil {
		return MintResult{}, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription(err.Error()))
	}
	if !exists {
		return MintResult{}, o.fail(ctx, authMethod, httperr.ErrInvalidRequest.WithDescription("el usuario asociado al refresh token ya no existe"))
	}

	tok, terr := o.Gateway.Token(ctx, apiID, gateway.TokenParams{
		GrantType:    "refresh_token",
		ClientID:     in.ClientID,
		ClientSecret: in.ClientSecret,
		RefreshToken: in.RefreshToken,
	})
	if terr != nil {
		oe, ok := terr.(*httperr.OAuth2Error)
		if !ok {
			oe = httperr.ErrServerError.WithDescription(terr.Error())
		}
		return MintResult{}, o.fail(ctx, authMethod, oe)
	}
	if perr := o.Profiles.RegisterToken(ctx, tok.AccessToken, tok.RefreshToken, apiID, authenticatedUserID, profile); perr != nil {
		return MintResult{}, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription(perr.Error()))
	}
	return MintResult{Token: tok}, nil
}

// refreshPassthroughScope cubre el sub-caso 4 de §4.8: re-resuelve el scope
// externamente y remintea como si fuera un grant password con el nuevo
// authenticated_userid; borra (best effort) el access token previo.
func (o *Orchestrator) refreshPassthroughScope(ctx context.Context, authMethod string, in RefreshGrantInput, apiID string, apiCfg model.CachedAPIConfig, profile model.OidcProfile, previousAccessToken string) (MintResult, *httperr.OAuth2Error) {
	catalogue := StripWickedScopes(apiCfg.PortalScopes)
	decision, derr := o.PassthroughScope(ctx, authMethod, apiCfg.PassthroughScopeURL, profile, catalogue)
	if derr != nil {
		return MintResult{}, derr
	}
	if !decision.Allow {
		return MintResult{}, o.fail(ctx, authMethod, httperr.ErrAccessDenied)
	}

	req := &model.AuthRequest{APIID: apiID, ClientID: in.ClientID, ResponseType: "token", Scope: decision.Scope, Trusted: true}
	resp := &model.AuthResponse{Profile: profile, DefaultProfile: profile}
	result, merr := o.mintForGrant(ctx, authMethod, apiID, apiCfg, req, resp, decision.AuthenticatedUserID, decision.Scope)
	if merr != nil {
		return MintResult{}, merr
	}
	if previousAccessToken != "" {
		_ = o.Profiles.DeleteTokenOrCode(ctx, previousAccessToken)
	}
	return result, nil
}
