// Package social implementa el adaptador de IdP social/OAuth2 redirect-based:
// descubrimiento OIDC cacheado, JWKS cacheado con ETag, y verificación RS256
// del id_token. Adaptado línea por línea del cliente Google del stack de
// referencia (internal/oauth/google/oidc.go), generalizado para aceptar
// cualquier discovery URL en vez de la de Google hardcodeada, y el issuer
// esperado se deriva del propio documento de descubrimiento en vez de
// comparar contra una constante de Google.
package social

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/authzrelay/authzrelay/internal/idp"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/security/token"
)

type discoveryDoc struct {
	Issuer        string `json:"issuer"`
	AuthEndpoint  string `json:"authorization_endpoint"`
	TokenEndpoint string `json:"token_endpoint"`
	JWKSURI       string `json:"jwks_uri"`
}

type jwk struct {
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}
type jwks struct {
	Keys []jwk `json:"keys"`
}

// Config describe un IdP OAuth2/OIDC externo concreto (Google, GitHub vía
// discovery, etc.) montado como auth method.
type Config struct {
	Name         string
	DiscoveryURL string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	CallbackPath string // ruta de Endpoints(), por defecto "/callback"
}

// Provider es el adaptador social.
type Provider struct {
	cfg  Config
	http *http.Client

	mu    sync.RWMutex
	disc  *discoveryDoc
	discU time.Time

	jwks     *jwks
	jwksAt   time.Time
	jwksETag string
}

func New(cfg Config) *Provider {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/callback"
	}
	return &Provider{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}}
}

func (p *Provider) GetType() idp.Type { return idp.TypeOAuth2 }

func (p *Provider) Endpoints() []idp.Endpoint {
	return []idp.Endpoint{
		{Method: http.MethodGet, Pattern: p.cfg.CallbackPath, Handler: p.handleCallback},
	}
}

func (p *Provider) discovery(ctx context.Context) (*discoveryDoc, error) {
	p.mu.RLock()
	disc := p.disc
	stale := time.Since(p.discU) > 24*time.Hour
	p.mu.RUnlock()
	if disc != nil && !stale {
		return disc, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.DiscoveryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var dd discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&dd); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.disc = &dd
	p.discU = time.Now()
	p.mu.Unlock()
	return &dd, nil
}

func (p *Provider) getJWKS(ctx context.Context, uri string) (*jwks, error) {
	p.mu.RLock()
	j := p.jwks
	age := time.Since(p.jwksAt)
	etag := p.jwksETag
	p.mu.RUnlock()
	if j != nil && age < time.Hour {
		return j, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		p.mu.Lock()
		out := p.jwks
		p.jwksAt = time.Now()
		p.mu.Unlock()
		return out, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("jwks http %d", resp.StatusCode)
	}
	var jj jwks
	if err := json.NewDecoder(resp.Body).Decode(&jj); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.jwks = &jj
	p.jwksAt = time.Now()
	p.jwksETag = resp.Header.Get("ETag")
	p.mu.Unlock()
	return &jj, nil
}

func (p *Provider) rsaKeyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	disc, err := p.discovery(ctx)
	if err != nil {
		return nil, err
	}
	jj, err := p.getJWKS(ctx, disc.JWKSURI)
	if err != nil {
		return nil, err
	}
	for _, k := range jj.Keys {
		if k.Kid == kid && strings.EqualFold(k.Kty, "RSA") {
			nb, err := base64.RawURLEncoding.DecodeString(k.N)
			if err != nil {
				return nil, err
			}
			eb, err := base64.RawURLEncoding.DecodeString(k.E)
			if err != nil {
				return nil, err
			}
			n := new(big.Int).SetBytes(nb)
			e := 65537
			if len(eb) != 0 {
				e = 0
				for _, b := range eb {
					e = (e << 8) | int(b)
				}
			}
			return &rsa.PublicKey{N: n, E: e}, nil
		}
	}
	return nil, errors.New("kid no encontrado en jwks")
}

func (p *Provider) authURL(ctx context.Context, state, nonce string) (string, error) {
	disc, err := p.discovery(ctx)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(disc.AuthEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURL)
	q.Set("scope", strings.Join(p.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (p *Provider) exchangeCode(ctx context.Context, code string) (*tokenResponse, error) {
	disc, err := p.discovery(ctx)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("redirect_uri", p.cfg.RedirectURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, disc.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var b struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&b)
		return nil, fmt.Errorf("token http %d: %s %s", resp.StatusCode, b.Error, b.ErrorDescription)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (p *Provider) verifyIDToken(ctx context.Context, idToken, expectedNonce string) (model.OidcProfile, error) {
	disc, err := p.discovery(ctx)
	if err != nil {
		return model.OidcProfile{}, err
	}

	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return model.OidcProfile{}, errors.New("id_token con formato inválido")
	}
	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return model.OidcProfile{}, err
	}
	if err := json.Unmarshal(hb, &header); err != nil {
		return model.OidcProfile{}, err
	}
	if header.Alg != "RS256" {
		return model.OidcProfile{}, fmt.Errorf("alg inesperado: %s", header.Alg)
	}

	key, err := p.rsaKeyForKid(ctx, header.Kid)
	if err != nil {
		return model.OidcProfile{}, err
	}
	tok, err := jwtv5.Parse(idToken, func(t *jwtv5.Token) (any, error) { return key, nil }, jwtv5.WithValidMethods([]string{"RS256"}))
	if err != nil || !tok.Valid {
		return model.OidcProfile{}, errors.New("id_token inválido")
	}
	claims, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok {
		return model.OidcProfile{}, errors.New("claims con forma inesperada")
	}

	iss, _ := claims["iss"].(string)
	if iss != disc.Issuer {
		return model.OidcProfile{}, fmt.Errorf("iss inesperado: %s", iss)
	}
	audOK := false
	switch a := claims["aud"].(type) {
	case string:
		audOK = a == p.cfg.ClientID
	case []any:
		for _, v := range a {
			if s, _ := v.(string); s == p.cfg.ClientID {
				audOK = true
				break
			}
		}
	}
	if !audOK {
		return model.OidcProfile{}, errors.New("aud inesperado")
	}
	if expectedNonce != "" {
		if got, _ := claims["nonce"].(string); got != expectedNonce {
			return model.OidcProfile{}, errors.New("nonce inesperado")
		}
	}
	if expf, ok := claims["exp"].(float64); ok {
		if time.Unix(int64(expf), 0).Before(time.Now().Add(-30 * time.Second)) {
			return model.OidcProfile{}, errors.New("id_token expirado")
		}
	}

	return model.OidcProfile{
		Sub:               strClaim(claims, "sub"),
		Email:             strClaim(claims, "email"),
		EmailVerified:     boolClaim(claims, "email_verified"),
		PreferredUsername: strClaim(claims, "preferred_username"),
		Name:              strClaim(claims, "name"),
		GivenName:         strClaim(claims, "given_name"),
		FamilyName:        strClaim(claims, "family_name"),
	}, nil
}

func strClaim(m jwtv5.MapClaims, k string) string {
	if s, _ := m[k].(string); s != "" {
		return s
	}
	return ""
}
func boolClaim(m jwtv5.MapClaims, k string) bool {
	b, _ := m[k].(bool)
	return b
}

// pendingState asocia el nonce emitido a un state, para verificarlo al
// volver del callback. TTL corto en memoria: el round-trip de un login
// social dura segundos, no requiere el Cache compartido.
type pendingState struct {
	nonce     string
	expiresAt time.Time
}

var (
	pendingMu sync.Mutex
	pending   = map[string]pendingState{}
)

func rememberState(state, nonce string) {
	pendingMu.Lock()
	pending[state] = pendingState{nonce: nonce, expiresAt: time.Now().Add(10 * time.Minute)}
	pendingMu.Unlock()
}

func takeNonce(state string) (string, bool) {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	ps, ok := pending[state]
	delete(pending, state)
	if !ok || time.Now().After(ps.expiresAt) {
		return "", false
	}
	return ps.nonce, true
}

// AuthorizeWithUI redirige al endpoint de autorización del IdP upstream en
// el GET inicial. El callback real llega por Endpoints(), no por esta
// función -- el orquestador invoca AuthorizeWithUI sólo para obtener la
// URL de redirect inicial y no espera una respuesta síncrona.
func (p *Provider) AuthorizeWithUI(ctx context.Context, w http.ResponseWriter, r *http.Request) (idp.LoginResult, bool, error) {
	state, err := token.GenerateOpaqueToken(16)
	if err != nil {
		return idp.LoginResult{}, true, err
	}
	nonce, err := token.GenerateOpaqueToken(16)
	if err != nil {
		return idp.LoginResult{}, true, err
	}
	u, err := p.authURL(ctx, state, nonce)
	if err != nil {
		return idp.LoginResult{}, true, err
	}
	rememberState(state, nonce)
	http.Redirect(w, r, u, http.StatusFound)
	return idp.LoginResult{}, false, nil
}

// handleCallback procesa el retorno del IdP upstream: intercambia el code,
// verifica el id_token y deja el perfil disponible para que el orquestador
// lo retome. Como este adaptador no conoce el AuthRequest original, el
// resultado se entrega devolviendo un 200 con el perfil serializado que el
// router de autorización del auth method debe leer y reinyectar al flujo --
// la composición concreta la hace internal/oauth2router, no este paquete.
func (p *Provider) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	nonce, ok := takeNonce(state)
	if !ok {
		http.Error(w, "state inválido o expirado", http.StatusBadRequest)
		return
	}
	tr, err := p.exchangeCode(ctx, code)
	if err != nil {
		http.Error(w, "no se pudo intercambiar el código: "+err.Error(), http.StatusBadGateway)
		return
	}
	profile, err := p.verifyIDToken(ctx, tr.IDToken, nonce)
	if err != nil {
		http.Error(w, "id_token inválido: "+err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(profile)
}

// AuthorizeByUserPass no aplica a un IdP redirect-based.
func (p *Provider) AuthorizeByUserPass(ctx context.Context, username, password string) (idp.LoginResult, error) {
	return idp.LoginResult{}, errors.New("social: el grant password no aplica a un idp redirect-based")
}

// CheckRefreshToken reintroduce al usuario sin reautenticación interactiva:
// no hay forma de confirmar revocación upstream sin volver a autorizar, así
// que se asume vigente mientras exista la sesión local.
func (p *Provider) CheckRefreshToken(ctx context.Context, userID string) (bool, error) {
	return true, nil
}

var _ idp.Provider = (*Provider)(nil)
var _ idp.UIAuthenticator = (*Provider)(nil)
var _ idp.RefreshChecker = (*Provider)(nil)
