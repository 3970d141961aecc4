// Package portal implementa el Portal Client: el colaborador REST sobre
// usuarios, aplicaciones, suscripciones, pools de registro, grants y
// verificaciones que posee todo el estado durable del sistema.
package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/restclient"
)

type Client struct {
	rc *restclient.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{rc: restclient.New("portal", baseURL, timeout)}
}

// SubscriptionByClientID resuelve {subscription, application} por client_id.
func (c *Client) SubscriptionByClientID(ctx context.Context, clientID string) (model.Subscription, error) {
	var sub model.Subscription
	resp, err := c.rc.DoJSON(ctx, "subscription.get", http.MethodGet, "/subscriptions/"+url.PathEscape(clientID), nil, &sub)
	if err != nil {
		return sub, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return sub, httperr.ErrInvalidClient
	}
	if resp.StatusCode > 299 {
		return sub, httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return sub, nil
}

// UserByID obtiene un usuario por id.
func (c *Client) UserByID(ctx context.Context, id string) (model.User, bool, error) {
	return c.userByQuery(ctx, "/users/"+url.PathEscape(id))
}

// UserByEmail busca un usuario por email.
func (c *Client) UserByEmail(ctx context.Context, email string) (model.User, bool, error) {
	return c.userByQuery(ctx, "/users?email="+url.QueryEscape(email))
}

// UserByCustomID busca un usuario por customId (usado por IdPs sociales).
func (c *Client) UserByCustomID(ctx context.Context, customID string) (model.User, bool, error) {
	return c.userByQuery(ctx, "/users?customId="+url.QueryEscape(customID))
}

func (c *Client) userByQuery(ctx context.Context, path string) (model.User, bool, error) {
	var u model.User
	resp, err := c.rc.DoJSON(ctx, "user.get", http.MethodGet, path, nil, &u)
	if err != nil {
		return u, false, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return u, false, nil
	}
	if resp.StatusCode > 299 {
		return u, false, httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return u, true, nil
}

// CreateUser crea un usuario; un 409 por email duplicado se traduce a un
// error humano-legible específico, no a un server_error genérico.
func (c *Client) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	var out model.User
	resp, err := c.rc.DoJSON(ctx, "user.create", http.MethodPost, "/users", u, &out)
	if err != nil {
		return out, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode == http.StatusConflict {
		return out, httperr.New("email_in_use", "ya existe un usuario con ese email", http.StatusConflict)
	}
	if resp.StatusCode > 299 {
		return out, httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return out, nil
}

// PatchUser aplica cambios parciales a un usuario (ej. marcar el email como
// verificado al resolver una verificación).
func (c *Client) PatchUser(ctx context.Context, id string, patch map[string]any) error {
	resp, err := c.rc.DoJSON(ctx, "user.patch", http.MethodPatch, "/users/"+url.PathEscape(id), patch, nil)
	if err != nil {
		return httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 {
		return httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return nil
}

// APIDescriptor describe una API del portal.
type APIDescriptor struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name,omitempty"`
	URIs                []string `json:"uris"`
	AuthMethods         []string `json:"authMethods"`
	Scopes              []string `json:"scopes"`
	RegistrationPool    string   `json:"registrationPool,omitempty"`
	PassthroughUsers    bool     `json:"passthroughUsers"`
	PassthroughScopeURL string   `json:"passthroughScopeUrl,omitempty"`
}

// GetAPI devuelve el descriptor de una API del portal.
func (c *Client) GetAPI(ctx context.Context, apiID string) (APIDescriptor, error) {
	var d APIDescriptor
	resp, err := c.rc.DoJSON(ctx, "api.get", http.MethodGet, "/apis/"+url.PathEscape(apiID), nil, &d)
	if err != nil {
		return d, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 {
		return d, httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return d, nil
}

// Application describe una aplicación cliente del portal.
type Application struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// GetApplication devuelve el descriptor de una aplicación, usado por el
// Grant Manager para enriquecer cada concesión con un nombre legible.
func (c *Client) GetApplication(ctx context.Context, appID string) (Application, error) {
	var a Application
	resp, err := c.rc.DoJSON(ctx, "application.get", http.MethodGet, "/applications/"+url.PathEscape(appID), nil, &a)
	if err != nil {
		return a, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 {
		return a, httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return a, nil
}

// ListAuthMethods devuelve los auth methods configurados para apiID según
// el descriptor de la API. El Dispatcher no lo llama: monta los auth
// methods a partir de la configuración local.
func (c *Client) ListAuthMethods(ctx context.Context, apiID string) ([]string, error) {
	d, err := c.GetAPI(ctx, apiID)
	if err != nil {
		return nil, err
	}
	return d.AuthMethods, nil
}

// Registration es la membresía de un usuario en un pool de registro.
type Registration struct {
	Pool      string `json:"pool"`
	UserID    string `json:"userId"`
	Namespace string `json:"namespace,omitempty"`
}

// RegistrationsForUser lista las registraciones de un usuario en un pool.
func (c *Client) RegistrationsForUser(ctx context.Context, pool, userID string) ([]Registration, error) {
	var regs []Registration
	resp, err := c.rc.DoJSON(ctx, "registration.list", http.MethodGet,
		fmt.Sprintf("/registrations/pools/%s/users/%s", url.PathEscape(pool), url.PathEscape(userID)), nil, &regs)
	if err != nil {
		return nil, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode > 299 {
		return nil, httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return regs, nil
}

// PutRegistration crea o actualiza la membresía de un usuario en un pool.
// Idempotente por (pool,user): seguro ante reintentos tras una cancelación.
func (c *Client) PutRegistration(ctx context.Context, reg Registration) error {
	resp, err := c.rc.DoJSON(ctx, "registration.put", http.MethodPut,
		fmt.Sprintf("/registrations/pools/%s/users/%s", url.PathEscape(reg.Pool), url.PathEscape(reg.UserID)), reg, nil)
	if err != nil {
		return httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 {
		return httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return nil
}

// Pool describe un pool de registro.
type Pool struct {
	ID                string `json:"id"`
	RequiresNamespace bool   `json:"requiresNamespace"`
	DisableRegister   bool   `json:"disableRegister"`
}

func (c *Client) GetPool(ctx context.Context, pool string) (Pool, error) {
	var p Pool
	resp, err := c.rc.DoJSON(ctx, "pool.get", http.MethodGet, "/pools/"+url.PathEscape(pool), nil, &p)
	if err != nil {
		return p, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 {
		return p, httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return p, nil
}

// ValidNamespace verifica si ns es una partición válida del pool.
func (c *Client) ValidNamespace(ctx context.Context, pool, ns string) (bool, error) {
	resp, err := c.rc.DoJSON(ctx, "pool.namespace.get", http.MethodGet,
		fmt.Sprintf("/pools/%s/namespaces/%s", url.PathEscape(pool), url.PathEscape(ns)), nil, nil)
	if err != nil {
		return false, httperr.ErrServerError.WithCause(err)
	}
	return resp.StatusCode == http.StatusOK, nil
}

// UserGrant es una concesión de scopes de un usuario para una (app, api)
// particular, tal como las agrupa GET /grants/<user>.
type UserGrant struct {
	AppID string   `json:"appId"`
	APIID string   `json:"apiId"`
	Scope []string `json:"scope"`
}

// GrantsForUser lista todas las concesiones de scope de un usuario,
// agrupadas por aplicación y API.
func (c *Client) GrantsForUser(ctx context.Context, userID string) ([]UserGrant, error) {
	var grants []UserGrant
	resp, err := c.rc.DoJSON(ctx, "grants.list", http.MethodGet, "/grants/"+url.PathEscape(userID), nil, &grants)
	if err != nil {
		return nil, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 {
		return nil, httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return grants, nil
}

// GrantsForApplicationAPI lista las concesiones de un usuario para una
// (app, api) particular.
func (c *Client) GrantsForApplicationAPI(ctx context.Context, userID, appID, apiID string) ([]model.ScopeGrant, error) {
	var grants []model.ScopeGrant
	path := fmt.Sprintf("/grants/%s/applications/%s/apis/%s", url.PathEscape(userID), url.PathEscape(appID), url.PathEscape(apiID))
	resp, err := c.rc.DoJSON(ctx, "grants.get", http.MethodGet, path, nil, &grants)
	if err != nil {
		return nil, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode > 299 {
		return nil, httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return grants, nil
}

// PutGrants persiste el conjunto de scopes concedidos para (user,app,api).
func (c *Client) PutGrants(ctx context.Context, userID, appID, apiID string, grants []model.ScopeGrant) error {
	path := fmt.Sprintf("/grants/%s/applications/%s/apis/%s", url.PathEscape(userID), url.PathEscape(appID), url.PathEscape(apiID))
	resp, err := c.rc.DoJSON(ctx, "grants.put", http.MethodPut, path, grants, nil)
	if err != nil {
		return httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 {
		return httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return nil
}

// RevokeGrant revoca atómicamente la concesión de (user,app,api).
func (c *Client) RevokeGrant(ctx context.Context, userID, appID, apiID string) error {
	path := fmt.Sprintf("/grants/%s/applications/%s/apis/%s", url.PathEscape(userID), url.PathEscape(appID), url.PathEscape(apiID))
	resp, err := c.rc.DoJSON(ctx, "grants.delete", http.MethodDelete, path, nil, nil)
	if err != nil {
		return httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 && resp.StatusCode != http.StatusNotFound {
		return httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return nil
}

// Verification es una verificación de email o de reseteo de password.
type Verification struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	Type   string `json:"type"` // email | password_reset
}

func (c *Client) CreateVerification(ctx context.Context, v Verification) (Verification, error) {
	var out Verification
	resp, err := c.rc.DoJSON(ctx, "verification.create", http.MethodPost, "/verifications", v, &out)
	if err != nil {
		return out, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 {
		return out, httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return out, nil
}

// GetVerification busca una verificación por id. Un 404 se traduce por el
// llamador en "invalid verification id" con el retraso anti-enumeración
// de 500 ms, no aquí.
func (c *Client) GetVerification(ctx context.Context, id string) (Verification, bool, error) {
	var v Verification
	resp, err := c.rc.DoJSON(ctx, "verification.get", http.MethodGet, "/verifications/"+url.PathEscape(id), nil, &v)
	if err != nil {
		return v, false, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return v, false, nil
	}
	if resp.StatusCode > 299 {
		return v, false, httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return v, true, nil
}

func (c *Client) DeleteVerification(ctx context.Context, id string) error {
	resp, err := c.rc.DoJSON(ctx, "verification.delete", http.MethodDelete, "/verifications/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 && resp.StatusCode != http.StatusNotFound {
		return httperr.ErrServerError.WithDetail(fmt.Sprintf("portal returned %d", resp.StatusCode))
	}
	return nil
}
