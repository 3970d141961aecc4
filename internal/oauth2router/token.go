package oauth2router

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/authzrelay/authzrelay/internal/flow"
	"github.com/authzrelay/authzrelay/internal/gateway"
	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/model"
)

// handleToken implementa POST /api/:apiId/token: autentica el cliente y
// despacha por grant_type. A diferencia de /authorize, toda respuesta (éxito
// o error) es JSON, nunca redirect ni HTML.
func (c *controller) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	apiID := apiIDFromPath(r)
	_ = r.ParseForm()
	grantType := r.FormValue("grant_type")
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")

	sub, err := c.d.Portal.SubscriptionByClientID(ctx, clientID)
	if err != nil {
		c.failToken(w, toOAuth2Err(err))
		return
	}
	if sub.APIID != apiID {
		c.failToken(w, httperr.ErrInvalidClient.WithDescription("client_id no pertenece a esta api"))
		return
	}
	if sub.Confidential && clientSecret != sub.ClientSecret {
		c.failToken(w, httperr.ErrInvalidClient.WithDescription("client_secret inválido"))
		return
	}

	apiCfg, err := c.d.Gateway.ConfigFor(ctx, apiID)
	if err != nil {
		c.failToken(w, httperr.ErrServerError.WithDescription(err.Error()))
		return
	}

	switch grantType {
	case "client_credentials":
		c.tokenClientCredentials(ctx, w, apiID, clientID, clientSecret, strings.Fields(r.FormValue("scope")))
	case "authorization_code":
		c.tokenAuthorizationCode(ctx, w, apiID, clientID, clientSecret, r.FormValue("code"), r.FormValue("redirect_uri"))
	case "password":
		c.tokenPassword(ctx, w, apiID, apiCfg, sub, clientID, clientSecret, r.FormValue("username"), r.FormValue("password"), strings.Fields(r.FormValue("scope")))
	case "refresh_token":
		c.tokenRefresh(ctx, w, r.FormValue("refresh_token"), clientID, clientSecret)
	default:
		c.failToken(w, httperr.ErrUnsupportedGrantType)
	}
}

func writeTokenJSON(w http.ResponseWriter, tok model.TokenInfo) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(tok)
}

func (c *controller) tokenClientCredentials(ctx context.Context, w http.ResponseWriter, apiID, clientID, clientSecret string, scope []string) {
	tok, err := c.d.Gateway.Token(ctx, apiID, gateway.TokenParams{
		GrantType: "client_credentials", ClientID: clientID, ClientSecret: clientSecret, Scope: scope,
	})
	if err != nil {
		c.failToken(w, toOAuth2Err(err))
		return
	}
	writeTokenJSON(w, tok)
}

// tokenAuthorizationCode intercambia el code contra el gateway; el perfil
// que el authorize guardó bajo ese code (Profile Store) no vuelve a validarse
// aquí, el gateway es quien hace cumplir que el code sea válido y no haya
// sido usado ya.
func (c *controller) tokenAuthorizationCode(ctx context.Context, w http.ResponseWriter, apiID, clientID, clientSecret, code, redirectURI string) {
	if _, _, ok := c.d.Profiles.Retrieve(ctx, code); !ok {
		c.failToken(w, httperr.ErrInvalidGrant.WithDescription("código inválido o expirado"))
		return
	}
	tok, err := c.d.Gateway.Token(ctx, apiID, gateway.TokenParams{
		GrantType: "authorization_code", ClientID: clientID, ClientSecret: clientSecret,
		Code: code, RedirectURI: redirectURI,
	})
	if err != nil {
		c.failToken(w, toOAuth2Err(err))
		return
	}
	// authenticatedUserId no se propaga desde RegisterCode (sólo guarda
	// profile/apiId): un refresh sobre un token emitido por authorization_code
	// queda sin sub recuperable. Ver nota en DESIGN.md.
	_, _ = c.d.Profiles.ExchangeCode(ctx, code, tok.AccessToken, tok.RefreshToken, apiID, "")
	writeTokenJSON(w, tok)
}

func (c *controller) tokenPassword(ctx context.Context, w http.ResponseWriter, apiID string, apiCfg model.CachedAPIConfig, sub model.Subscription, clientID, clientSecret, username, password string, scope []string) {
	result, oe := c.d.Orchestrator.PasswordGrant(ctx, c.d.AuthMethodID, c.d.Provider, apiCfg, sub, flow.PasswordGrantInput{
		APIID: apiID, ClientID: clientID, ClientSecret: clientSecret,
		Username: username, Password: password, Scope: scope,
	})
	if oe != nil {
		c.failToken(w, oe)
		return
	}
	writeTokenJSON(w, result.Token)
}

func (c *controller) tokenRefresh(ctx context.Context, w http.ResponseWriter, refreshToken, clientID, clientSecret string) {
	result, oe := c.d.Orchestrator.RefreshGrant(ctx, c.d.AuthMethodID, c.d.Provider, flow.RefreshGrantInput{
		RefreshToken: refreshToken, ClientID: clientID, ClientSecret: clientSecret,
	})
	if oe != nil {
		c.failToken(w, oe)
		return
	}
	writeTokenJSON(w, result.Token)
}
