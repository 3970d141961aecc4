// Package gateway implementa el Gateway Client: un cliente típico sobre el
// /oauth2/authorize y /oauth2/token del gateway upstream, con caché per-API
// de su configuración del plugin oauth2 y de sus URIs. El patrón de cliente
// REST tipado con caché de descubrimiento concurrency-safe está tomado del
// cliente OIDC de referencia (descubrimiento + JWKS cacheados con
// singleflight).
package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/restclient"
	"golang.org/x/sync/singleflight"
)

// ConfigFetcher resuelve, para un API id, todo lo que el caché per-API
// necesita mantener: el plugin oauth2 y los URIs del gateway, más el
// descriptor de API del portal (scopes, pool de registro, passthrough).
// En producción implementado contra el portal/gateway reales; en tests
// puede ser un stub.
type ConfigFetcher interface {
	FetchAPIConfig(ctx context.Context, apiID string) (model.CachedAPIConfig, error)
}

// Client es el Gateway Client. Resuelve self-signed TLS local e inyecta
// X-Forwarded-Proto cuando el gateway corre en http local, como exige el
// contrato del componente.
type Client struct {
	rc      *restclient.Client
	fetcher ConfigFetcher
	mu      sync.RWMutex
	cache   map[string]model.CachedAPIConfig
	sf      singleflight.Group
}

// forwardedProtoTransport inyecta X-Forwarded-Proto: https en cada request,
// usado cuando el gateway corre en http local detrás de un terminador TLS.
type forwardedProtoTransport struct {
	base http.RoundTripper
}

func (t forwardedProtoTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("X-Forwarded-Proto", "https")
	return t.base.RoundTrip(req)
}

// New crea un Gateway Client. baseURL es la URL base del gateway; localTLS
// acepta certificados self-signed del gateway en despliegues de desarrollo;
// localHTTP inyecta X-Forwarded-Proto cuando el gateway corre en http plano
// detrás de un proxy TLS.
func New(baseURL string, timeout time.Duration, fetcher ConfigFetcher, localTLS, localHTTP bool) *Client {
	rc := restclient.New("gateway", baseURL, timeout)
	var base http.RoundTripper = http.DefaultTransport
	if localTLS {
		base = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	if localHTTP {
		base = forwardedProtoTransport{base: base}
	}
	rc.HTTP.Transport = base
	return &Client{
		rc:      rc,
		fetcher: fetcher,
		cache:   make(map[string]model.CachedAPIConfig),
	}
}

// ConfigFor devuelve la configuración cacheada para apiID, llenándola bajo
// singleflight en el primer acceso concurrente. El caché es efectivamente
// inmutable durante la vida del proceso salvo invalidación explícita.
func (c *Client) ConfigFor(ctx context.Context, apiID string) (model.CachedAPIConfig, error) {
	c.mu.RLock()
	if cfg, ok := c.cache[apiID]; ok {
		c.mu.RUnlock()
		return cfg, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.sf.Do(apiID, func() (interface{}, error) {
		cfg, err := c.fetcher.FetchAPIConfig(ctx, apiID)
		if err != nil {
			return model.CachedAPIConfig{}, err
		}
		if cfg.GatewayPlugin.ProvisionKey == "" || len(cfg.GatewayURIs) == 0 {
			return model.CachedAPIConfig{}, httperr.ErrServerError.WithDetail("gateway config missing provision_key or uris")
		}
		c.mu.Lock()
		c.cache[apiID] = cfg
		c.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		return model.CachedAPIConfig{}, err
	}
	return v.(model.CachedAPIConfig), nil
}

// Invalidate limpia la entrada cacheada de apiID (invocado solo por un
// comando explícito de invalidación, nunca automáticamente).
func (c *Client) Invalidate(apiID string) {
	c.mu.Lock()
	delete(c.cache, apiID)
	c.mu.Unlock()
}

func (c *Client) apiURI(apiID string) (string, error) {
	cfg, ok := c.cache[apiID]
	if !ok || len(cfg.GatewayURIs) == 0 {
		return "", httperr.ErrServerError.WithDetail("no uris cached for api " + apiID)
	}
	return cfg.GatewayURIs[0], nil
}

// AuthorizeParams agrupa los inputs de /oauth2/authorize.
type AuthorizeParams struct {
	ResponseType         string // code | token
	ProvisionKey         string
	ClientID             string
	RedirectURI          string
	AuthenticatedUserID  string
	Scope                []string
}

// Authorize llama a POST <apiUrl>/<apiUri>/oauth2/authorize.
func (c *Client) Authorize(ctx context.Context, apiID string, p AuthorizeParams) (string, error) {
	c.mu.RLock()
	cfg, ok := c.cache[apiID]
	c.mu.RUnlock()
	if !ok {
		return "", httperr.ErrServerError.WithDetail("api config not cached: " + apiID)
	}
	if p.ResponseType == "token" && !cfg.GatewayPlugin.EnableImplicitGrant {
		return "", httperr.ErrUnauthorizedClient
	}
	if p.ResponseType == "code" && !cfg.GatewayPlugin.EnableAuthorizationCode {
		return "", httperr.ErrUnauthorizedClient
	}

	uri, err := c.apiURI(apiID)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"response_type":         p.ResponseType,
		"provision_key":         p.ProvisionKey,
		"client_id":             p.ClientID,
		"redirect_uri":          p.RedirectURI,
		"authenticated_userid":  p.AuthenticatedUserID,
	}
	if len(p.Scope) > 0 {
		body["scope"] = strings.Join(p.Scope, " ")
	}

	var out struct {
		RedirectURI      string `json:"redirect_uri"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	resp, err := c.rc.DoJSON(ctx, "authorize", http.MethodPost, "/"+strings.TrimPrefix(uri, "/")+"/oauth2/authorize", body, &out)
	if err != nil {
		return "", httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 {
		return "", mapGatewayError(out.Error, out.ErrorDescription, resp.StatusCode)
	}
	return out.RedirectURI, nil
}

// TokenParams agrupa los inputs de /oauth2/token, cuya forma depende de
// GrantType.
type TokenParams struct {
	GrantType           string
	ClientID            string
	ClientSecret        string
	Code                string
	RedirectURI         string
	ProvisionKey        string
	AuthenticatedUserID string
	RefreshToken        string
	Scope               []string
}

func (c *Client) grantEnabled(cfg model.CachedAPIConfig, grantType string) bool {
	switch grantType {
	case "client_credentials":
		return cfg.GatewayPlugin.EnableClientCredentials
	case "authorization_code":
		return cfg.GatewayPlugin.EnableAuthorizationCode
	case "password":
		return cfg.GatewayPlugin.EnablePasswordGrant
	case "refresh_token":
		return cfg.GatewayPlugin.EnableRefreshToken
	}
	return false
}

// Token llama a POST <apiUrl>/<apiUri>/oauth2/token con el cuerpo adecuado
// al grant type.
func (c *Client) Token(ctx context.Context, apiID string, p TokenParams) (model.TokenInfo, error) {
	c.mu.RLock()
	cfg, ok := c.cache[apiID]
	c.mu.RUnlock()
	if !ok {
		return model.TokenInfo{}, httperr.ErrServerError.WithDetail("api config not cached: " + apiID)
	}
	if !c.grantEnabled(cfg, p.GrantType) {
		return model.TokenInfo{}, httperr.ErrUnauthorizedClient
	}
	uri, err := c.apiURI(apiID)
	if err != nil {
		return model.TokenInfo{}, err
	}

	body := map[string]any{
		"grant_type": p.GrantType,
		"client_id":  p.ClientID,
	}
	if p.ClientSecret != "" {
		body["client_secret"] = p.ClientSecret
	}
	switch p.GrantType {
	case "authorization_code":
		body["code"] = p.Code
		body["redirect_uri"] = p.RedirectURI
	case "password":
		body["provision_key"] = p.ProvisionKey
		body["authenticated_userid"] = p.AuthenticatedUserID
		if len(p.Scope) > 0 {
			body["scope"] = strings.Join(p.Scope, " ")
		}
	case "refresh_token":
		body["refresh_token"] = p.RefreshToken
	case "client_credentials":
		if len(p.Scope) > 0 {
			body["scope"] = strings.Join(p.Scope, " ")
		}
	}

	var out struct {
		model.TokenInfo
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	resp, err := c.rc.DoJSON(ctx, "token", http.MethodPost, "/"+strings.TrimPrefix(uri, "/")+"/oauth2/token", body, &out)
	if err != nil {
		return model.TokenInfo{}, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 {
		return model.TokenInfo{}, mapGatewayError(out.Error, out.ErrorDescription, resp.StatusCode)
	}
	return out.TokenInfo, nil
}

func mapGatewayError(code, desc string, status int) *httperr.OAuth2Error {
	if code == "" {
		code = "server_error"
	}
	if desc == "" {
		desc = fmt.Sprintf("gateway respondió %d", status)
	}
	return httperr.NewOAuth2Error(code, desc, status)
}
