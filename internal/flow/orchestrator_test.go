package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/authzrelay/authzrelay/internal/cache"
	"github.com/authzrelay/authzrelay/internal/gateway"
	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/idp"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/portal"
	"github.com/authzrelay/authzrelay/internal/profilestore"
	"github.com/go-chi/chi/v5"
)

// fixedFetcher implementa gateway.ConfigFetcher devolviendo siempre el mismo
// CachedAPIConfig, sin llegar a la red.
type fixedFetcher struct{ cfg model.CachedAPIConfig }

func (f fixedFetcher) FetchAPIConfig(ctx context.Context, apiID string) (model.CachedAPIConfig, error) {
	return f.cfg, nil
}

func TestResolveRegistration_NoNamespace_NoExistingRegistrations(t *testing.T) {
	got, aerr := ResolveRegistration(portal.Pool{RequiresNamespace: false}, nil, "")
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if got.Next != StateRegisterUi {
		t.Fatalf("got %v, want StateRegisterUi", got.Next)
	}
}

func TestResolveRegistration_NoNamespace_DisableRegister(t *testing.T) {
	_, aerr := ResolveRegistration(portal.Pool{RequiresNamespace: false, DisableRegister: true}, nil, "")
	if aerr == nil {
		t.Fatalf("expected forbidden error when registration disabled")
	}
}

func TestResolveRegistration_NoNamespace_AlreadyRegistered(t *testing.T) {
	got, aerr := ResolveRegistration(portal.Pool{RequiresNamespace: false}, []portal.Registration{{UserID: "u1"}}, "")
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if got.Next != StateAuthorizeDecide {
		t.Fatalf("got %v, want StateAuthorizeDecide", got.Next)
	}
}

func TestResolveRegistration_RequiresNamespace_ParamProvided(t *testing.T) {
	got, aerr := ResolveRegistration(portal.Pool{RequiresNamespace: true}, nil, "acme")
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if got.Next != StateAuthorizeDecide || got.Namespace != "acme" {
		t.Fatalf("got %+v", got)
	}
}

func TestResolveRegistration_RequiresNamespace_SingleExisting(t *testing.T) {
	got, aerr := ResolveRegistration(portal.Pool{RequiresNamespace: true}, []portal.Registration{{Namespace: "acme"}}, "")
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if got.Next != StateAuthorizeDecide || got.Namespace != "acme" {
		t.Fatalf("got %+v", got)
	}
}

func TestResolveRegistration_RequiresNamespace_MultipleExisting(t *testing.T) {
	got, aerr := ResolveRegistration(portal.Pool{RequiresNamespace: true},
		[]portal.Registration{{Namespace: "acme"}, {Namespace: "beta"}}, "")
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if got.Next != StateSelectNamespace || len(got.Namespaces) != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestResolveRegistration_RequiresNamespace_NoneExisting_DisableRegister(t *testing.T) {
	_, aerr := ResolveRegistration(portal.Pool{RequiresNamespace: true, DisableRegister: true}, nil, "")
	if aerr == nil {
		t.Fatalf("expected forbidden error")
	}
}

func newTestOrchestrator(t *testing.T, portalURL string, apiCfg model.CachedAPIConfig) (*Orchestrator, *gateway.Client) {
	t.Helper()
	gw := gateway.New(portalURL, 5*time.Second, fixedFetcher{cfg: apiCfg}, false, false)
	if _, err := gw.ConfigFor(context.Background(), "api-1"); err != nil {
		t.Fatalf("ConfigFor: %v", err)
	}
	pc := portal.New(portalURL, 5*time.Second)
	profiles := profilestore.New(cache.NewMemory("test"), time.Hour)
	return New(gw, pc, profiles), gw
}

func TestOrchestrator_CheckSession(t *testing.T) {
	o := &Orchestrator{}
	ctx := context.Background()

	if state, aerr := o.CheckSession(ctx, "local", &model.AuthRequest{Prompt: "none"}, false); state != StateFail || aerr == nil {
		t.Fatalf("expected Fail for prompt=none without session, got state=%v err=%v", state, aerr)
	}
	if state, _ := o.CheckSession(ctx, "local", &model.AuthRequest{Prompt: "login"}, true); state != StateLoginUi {
		t.Fatalf("got %v, want StateLoginUi for prompt=login", state)
	}
	if state, aerr := o.CheckSession(ctx, "local", &model.AuthRequest{}, true); state != StateUserReconcile || aerr != nil {
		t.Fatalf("got state=%v err=%v, want StateUserReconcile", state, aerr)
	}
	if state, _ := o.CheckSession(ctx, "local", &model.AuthRequest{}, false); state != StateLoginUi {
		t.Fatalf("got %v, want StateLoginUi for no existing session", state)
	}
}

func TestOrchestrator_RegistrationDecide_PlainSkipsToMint(t *testing.T) {
	o := &Orchestrator{}
	req := &model.AuthRequest{Plain: true}
	state := o.RegistrationDecide(context.Background(), "local", model.CachedAPIConfig{}, req, &model.AuthResponse{})
	if state != StateMintWithGateway {
		t.Fatalf("got %v", state)
	}
}

func TestOrchestrator_RegistrationDecide_NoPoolUsesDefaultProfile(t *testing.T) {
	o := &Orchestrator{}
	resp := &model.AuthResponse{
		UserID:         "u1",
		DefaultProfile: model.OidcProfile{Sub: "original-sub"},
	}
	state := o.RegistrationDecide(context.Background(), "local", model.CachedAPIConfig{}, &model.AuthRequest{}, resp)
	if state != StateAuthorizeDecide {
		t.Fatalf("got %v", state)
	}
	if resp.Profile.Sub != "u1" {
		t.Fatalf("expected profile.sub overridden with portal user id, got %q", resp.Profile.Sub)
	}
}

func TestOrchestrator_RegistrationDecide_WithPoolGoesToRegistrationFlow(t *testing.T) {
	o := &Orchestrator{}
	resp := &model.AuthResponse{}
	state := o.RegistrationDecide(context.Background(), "local",
		model.CachedAPIConfig{RegistrationPool: "pool-1"}, &model.AuthRequest{}, resp)
	if state != StateRegistrationFlow {
		t.Fatalf("got %v", state)
	}
	if resp.RegistrationPool != "pool-1" {
		t.Fatalf("expected RegistrationPool set on response, got %+v", resp)
	}
}

func TestOrchestrator_AuthorizeDecide(t *testing.T) {
	o := &Orchestrator{}
	ctx := context.Background()

	if state := o.AuthorizeDecide(ctx, "local", model.CachedAPIConfig{}, &model.AuthRequest{Trusted: true}); state != StateMintWithGateway {
		t.Fatalf("trusted: got %v", state)
	}
	if state := o.AuthorizeDecide(ctx, "local", model.CachedAPIConfig{}, &model.AuthRequest{}); state != StateMintWithGateway {
		t.Fatalf("no scope, no passthrough url: got %v", state)
	}
	if state := o.AuthorizeDecide(ctx, "local", model.CachedAPIConfig{PassthroughScopeURL: "https://x"}, &model.AuthRequest{Scope: []string{"read"}}); state != StatePassthroughScope {
		t.Fatalf("passthrough configured: got %v", state)
	}
	if state := o.AuthorizeDecide(ctx, "local", model.CachedAPIConfig{}, &model.AuthRequest{Scope: []string{"read"}}); state != StateScopeConsent {
		t.Fatalf("untrusted with scope: got %v", state)
	}
}

func TestOrchestrator_UserReconcile_PassthroughSkipsPortal(t *testing.T) {
	o := &Orchestrator{}
	resp, aerr := o.UserReconcile(context.Background(), "local",
		model.CachedAPIConfig{PassthroughUsers: true}, idp.TypeLocal,
		idp.LoginResult{Authenticated: true, Profile: model.OidcProfile{Sub: "u1"}})
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if resp.UserID != "" {
		t.Fatalf("expected no portal user id for passthrough api, got %q", resp.UserID)
	}
}

func TestOrchestrator_UserReconcile_CreatesUserWhenAbsent(t *testing.T) {
	mux := chi.NewRouter()
	var created bool
	mux.Get("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.Post("/users", func(w http.ResponseWriter, r *http.Request) {
		created = true
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.User{ID: "portal-u1", CustomID: "sub-1", Email: "a@b.com"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o, _ := newTestOrchestrator(t, srv.URL, model.CachedAPIConfig{
		GatewayPlugin: model.GatewayOAuth2Config{ProvisionKey: "pk", EnableAuthorizationCode: true},
		GatewayURIs:   []string{"/gw"},
	})

	resp, aerr := o.UserReconcile(context.Background(), "local", model.CachedAPIConfig{}, idp.TypeLocal,
		idp.LoginResult{Authenticated: true, Profile: model.OidcProfile{Sub: "sub-1", Email: "a@b.com"}})
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if !created {
		t.Fatalf("expected CreateUser to be called when no existing user found")
	}
	if resp.UserID != "portal-u1" {
		t.Fatalf("got %+v", resp)
	}
}

func TestOrchestrator_ScopeConsent_ComputesMissing(t *testing.T) {
	mux := chi.NewRouter()
	mux.Get("/grants/{userID}/applications/{appID}/apis/{apiID}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]model.ScopeGrant{{Scope: "read"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o, _ := newTestOrchestrator(t, srv.URL, model.CachedAPIConfig{
		GatewayPlugin: model.GatewayOAuth2Config{ProvisionKey: "pk", EnableAuthorizationCode: true},
		GatewayURIs:   []string{"/gw"},
	})

	info, aerr := o.ScopeConsent(context.Background(), "local", "u1", "app-1", "api-1", []string{"read", "write"})
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if len(info.MissingGrants) != 1 || info.MissingGrants[0] != "write" {
		t.Fatalf("got %+v", info)
	}
}

func TestOrchestrator_MintWithGateway_CodeFlow_RegistersProfile(t *testing.T) {
	mux := chi.NewRouter()
	mux.Post("/gw/oauth2/authorize", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"redirect_uri": "https://app.example.com/cb?code=abc123"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o, _ := newTestOrchestrator(t, srv.URL, model.CachedAPIConfig{
		GatewayPlugin: model.GatewayOAuth2Config{ProvisionKey: "pk", EnableAuthorizationCode: true},
		GatewayURIs:   []string{"/gw"},
	})

	req := &model.AuthRequest{ResponseType: "code", State: "xyz"}
	resp := &model.AuthResponse{Profile: model.OidcProfile{Sub: "u1"}}
	result, aerr := o.MintWithGateway(context.Background(), "local", "api-1", model.CachedAPIConfig{}, req, resp, "u1", nil)
	if aerr != nil {
		t.Fatalf("unexpected error: %v", aerr)
	}
	if result.RedirectURI == "" {
		t.Fatalf("expected a redirect uri")
	}

	profile, apiID, ok := o.Profiles.Retrieve(context.Background(), "abc123")
	if !ok {
		t.Fatalf("expected profile registered under emitted code")
	}
	if apiID != "api-1" || profile.Sub != "u1" {
		t.Fatalf("got profile=%+v apiID=%q", profile, apiID)
	}
}

func TestOrchestrator_ApplyConsent_UnionsExistingAndApproved(t *testing.T) {
	var received []model.ScopeGrant
	mux := chi.NewRouter()
	mux.Put("/grants/{userID}/applications/{appID}/apis/{apiID}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o, _ := newTestOrchestrator(t, srv.URL, model.CachedAPIConfig{
		GatewayPlugin: model.GatewayOAuth2Config{ProvisionKey: "pk", EnableAuthorizationCode: true},
		GatewayURIs:   []string{"/gw"},
	})

	err := o.ApplyConsent(context.Background(), "u1", "app-1", "api-1",
		[]model.ScopeGrant{{Scope: "read"}}, []string{"read", "write"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(received) != 2 {
		t.Fatalf("got %d grants, want 2 (deduplicated union), got %+v", len(received), received)
	}
}

func TestOrchestrator_MintWithGateway_UnauthorizedResponseTypePropagatesOAuth2Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("gateway should not be called when response_type is disabled")
	}))
	defer srv.Close()

	o, _ := newTestOrchestrator(t, srv.URL, model.CachedAPIConfig{
		GatewayPlugin: model.GatewayOAuth2Config{ProvisionKey: "pk"}, // implicit grant disabled
		GatewayURIs:   []string{"/gw"},
	})

	req := &model.AuthRequest{ResponseType: "token"}
	_, aerr := o.MintWithGateway(context.Background(), "local", "api-1", model.CachedAPIConfig{}, req, &model.AuthResponse{}, "u1", nil)
	if aerr == nil {
		t.Fatalf("expected an OAuth2Error")
	}
	if aerr.Kind != httperr.ErrUnauthorizedClient.Kind {
		t.Fatalf("got kind %q", aerr.Kind)
	}
}
