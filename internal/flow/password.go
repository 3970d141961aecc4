package flow

import (
	"context"
	"time"

	"github.com/authzrelay/authzrelay/internal/gateway"
	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/idp"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/observability/logger"
)

// PasswordGrantInput son los parámetros de un POST /token con
// grant_type=password (spec.md §4.7).
type PasswordGrantInput struct {
	APIID        string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	Scope        []string
}

// PasswordGrant implementa la especialización de §4.7: precondiciones de
// confianza/secreto de cliente, autenticación del IdP, reconciliación de
// usuario, resolución de namespaces sobre todas las registraciones del pool,
// y minteo. Toda falla de autenticación se retrasa ≥500ms (§4.7, §8) para
// resistir enumeración por timing.
func (o *Orchestrator) PasswordGrant(ctx context.Context, authMethod string, p idp.Provider, apiCfg model.CachedAPIConfig, sub model.Subscription, in PasswordGrantInput) (MintResult, *httperr.OAuth2Error) {
	start := time.Now()

	if !sub.Trusted {
		return MintResult{}, o.failDelayed(ctx, authMethod, start, httperr.ErrInvalidRequest.WithDescription("la suscripción debe ser confiable para usar el grant password"))
	}
	if sub.Confidential && in.ClientSecret != sub.ClientSecret {
		return MintResult{}, o.failDelayed(ctx, authMethod, start, httperr.NewOAuth2Error("invalid_client", "client_secret inválido", 401))
	}
	if !sub.Confidential && in.ClientSecret != "" {
		return MintResult{}, o.failDelayed(ctx, authMethod, start, httperr.NewOAuth2Error("invalid_client", "una aplicación no confidencial no debe enviar client_secret", 401))
	}

	upa, ok := p.(idp.UserPassAuthenticator)
	if !ok {
		return MintResult{}, o.failDelayed(ctx, authMethod, start, httperr.ErrUnsupportedGrantType.WithDescription("el idp configurado no soporta el grant password"))
	}
	result, err := upa.AuthorizeByUserPass(ctx, in.Username, in.Password)
	if err != nil || !result.Authenticated {
		logger.From(ctx).Warn("password grant: autenticación fallida", logger.AuthMethodID(authMethod))
		return MintResult{}, o.failDelayed(ctx, authMethod, start, httperr.ErrAccessDenied.WithDescription("credenciales inválidas"))
	}

	resp, oerr := o.UserReconcile(ctx, authMethod, apiCfg, p.GetType(), result)
	if oerr != nil {
		return MintResult{}, o.failDelayed(ctx, authMethod, start, oerr)
	}

	namespace, namespaces := "", []string(nil)
	if apiCfg.RegistrationPool != "" && resp.UserID != "" {
		regs, rerr := o.Portal.RegistrationsForUser(ctx, apiCfg.RegistrationPool, resp.UserID)
		if rerr != nil {
			return MintResult{}, o.failDelayed(ctx, authMethod, start, httperr.ErrServerError.WithDescription(rerr.Error()))
		}
		pool, perr := o.Portal.GetPool(ctx, apiCfg.RegistrationPool)
		if perr != nil {
			return MintResult{}, o.failDelayed(ctx, authMethod, start, httperr.ErrServerError.WithDescription(perr.Error()))
		}
		if pool.RequiresNamespace {
			for _, r := range regs {
				if r.Namespace != "" {
					namespaces = append(namespaces, r.Namespace)
				}
			}
		}
	}

	authenticatedUserID := BuildAuthenticatedUserID(resp.UserID, namespace, namespaces)
	scope, _, verr := ValidateScope(in.Scope, apiCfg.PortalScopes, sub.Trusted)
	if verr != nil {
		return MintResult{}, o.failDelayed(ctx, authMethod, start, httperr.ErrInvalidScope.WithDescription(verr.Error()))
	}
	if len(resp.Groups) > 0 {
		scope = MergeScopesWithGroups(scope, resp.Groups)
	}

	req := &model.AuthRequest{APIID: in.APIID, ClientID: in.ClientID, ResponseType: "token", Scope: scope, Trusted: true}
	return o.mintForGrant(ctx, authMethod, in.APIID, apiCfg, req, resp, authenticatedUserID, scope)
}

// mintForGrant es el minteo compartido por password/refresh grants, que no
// pasan por un redirect_uri: llama al Gateway Client vía token_grant en vez
// de authorize, y registra en el Profile Store igual que MintWithGateway.
func (o *Orchestrator) mintForGrant(ctx context.Context, authMethod, apiID string, apiCfg model.CachedAPIConfig, req *model.AuthRequest, resp *model.AuthResponse, authenticatedUserID string, scope []string) (MintResult, *httperr.OAuth2Error) {
	o.transition(ctx, authMethod, StateMintWithGateway)
	tok, err := o.Gateway.Token(ctx, apiID, gateway.TokenParams{
		GrantType:           "password",
		ClientID:            req.ClientID,
		ProvisionKey:        apiCfg.GatewayPlugin.ProvisionKey,
		AuthenticatedUserID: authenticatedUserID,
		Scope:               scope,
	})
	if err != nil {
		oe, ok := err.(*httperr.OAuth2Error)
		if !ok {
			oe = httperr.ErrServerError.WithDescription(err.Error())
		}
		return MintResult{}, o.fail(ctx, authMethod, oe)
	}
	if perr := o.Profiles.RegisterToken(ctx, tok.AccessToken, tok.RefreshToken, apiID, authenticatedUserID, resp.Profile); perr != nil {
		return MintResult{}, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription(perr.Error()))
	}
	return MintResult{Token: tok}, nil
}

func (o *Orchestrator) failDelayed(ctx context.Context, authMethod string, start time.Time, e *httperr.OAuth2Error) *httperr.OAuth2Error {
	o.fail(ctx, authMethod, e)
	if elapsed := time.Since(start); elapsed < httperr.MinFailureDelay {
		time.Sleep(httperr.MinFailureDelay - elapsed)
	}
	return e
}
