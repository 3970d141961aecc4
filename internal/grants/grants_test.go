package grants

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/authzrelay/authzrelay/internal/cache"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/portal"
	"github.com/authzrelay/authzrelay/internal/session"
	"github.com/go-chi/chi/v5"
)

// fakePortal sirve un backend mínimo de /grants, /applications/{id} y
// /apis/{id} equivalente al que expone el Portal API real.
func fakePortal(t *testing.T) *httptest.Server {
	t.Helper()
	mux := chi.NewRouter()
	mux.Get("/grants/{userID}", func(w http.ResponseWriter, r *http.Request) {
		out := []portal.UserGrant{
			{AppID: "app-1", APIID: "api-1", Scope: []string{"read", "write"}},
			{AppID: "app-missing", APIID: "api-missing", Scope: []string{"read"}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.Get("/applications/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "app-missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(portal.Application{ID: id, Name: "Aplicación Uno"})
	})
	mux.Get("/apis/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "api-missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(portal.APIDescriptor{ID: id, Name: "API Uno"})
	})
	mux.Delete("/grants/{userID}/applications/{appID}/apis/{apiID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return httptest.NewServer(mux)
}

func newTestDeps(t *testing.T, portalURL string) (Deps, *session.Store) {
	t.Helper()
	sessions := session.New(cache.NewMemory("test"), session.Config{
		CookieName: "authzrelay_session",
		Secret:     "test-secret",
		TTL:        time.Hour,
	})
	return Deps{
		AuthMethodID: "local",
		Portal:       portal.New(portalURL, 5*time.Second),
		Sessions:     sessions,
	}, sessions
}

// loggedInRequest construye una request con una sesión válida ya guardada
// en el store, con la cookie firmada de esa sesión.
func loggedInRequest(t *testing.T, method, path, body string, sessions *session.Store, rec *model.SessionRecord) *http.Request {
	t.Helper()
	sid, signed, err := sessions.NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	if err := sessions.Save(context.Background(), "local", sid, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.AddCookie(&http.Cookie{Name: sessions.CookieName(), Value: signed})
	return req
}

func TestHandleList_Unauthorized_NoSession(t *testing.T) {
	portalSrv := fakePortal(t)
	defer portalSrv.Close()
	deps, _ := newTestDeps(t, portalSrv.URL)
	r := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandleList_EnrichesNamesAndFallsBackOnMissing(t *testing.T) {
	portalSrv := fakePortal(t)
	defer portalSrv.Close()
	deps, sessions := newTestDeps(t, portalSrv.URL)
	r := NewRouter(deps)

	req := loggedInRequest(t, http.MethodGet, "/", "", sessions, &model.SessionRecord{
		AuthResponse: &model.AuthResponse{UserID: "u1"},
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}

	var out []Grant
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d grants, want 2", len(out))
	}
	if out[0].AppName != "Aplicación Uno" || out[0].APIName != "API Uno" {
		t.Fatalf("expected enriched names, got %+v", out[0])
	}
	if out[1].AppName != "app-missing" || out[1].APIName != "api-missing" {
		t.Fatalf("expected fallback to raw id on missing resource, got %+v", out[1])
	}
}

func TestHandleRevoke_RequiresValidCSRFToken(t *testing.T) {
	portalSrv := fakePortal(t)
	defer portalSrv.Close()
	deps, sessions := newTestDeps(t, portalSrv.URL)
	r := NewRouter(deps)

	form := url.Values{"appId": {"app-1"}, "apiId": {"api-1"}, "csrf_token": {"wrong"}}
	req := loggedInRequest(t, http.MethodPost, "/", form.Encode(), sessions, &model.SessionRecord{
		AuthResponse: &model.AuthResponse{UserID: "u1"},
		CSRFToken:    "expected-token",
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestHandleRevoke_Success(t *testing.T) {
	portalSrv := fakePortal(t)
	defer portalSrv.Close()
	deps, sessions := newTestDeps(t, portalSrv.URL)
	r := NewRouter(deps)

	form := url.Values{"appId": {"app-1"}, "apiId": {"api-1"}, "csrf_token": {"expected-token"}}
	req := loggedInRequest(t, http.MethodPost, "/", form.Encode(), sessions, &model.SessionRecord{
		AuthResponse: &model.AuthResponse{UserID: "u1"},
		CSRFToken:    "expected-token",
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("got status %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRevoke_MissingFields(t *testing.T) {
	portalSrv := fakePortal(t)
	defer portalSrv.Close()
	deps, sessions := newTestDeps(t, portalSrv.URL)
	r := NewRouter(deps)

	form := url.Values{"csrf_token": {"expected-token"}}
	req := loggedInRequest(t, http.MethodPost, "/", form.Encode(), sessions, &model.SessionRecord{
		AuthResponse: &model.AuthResponse{UserID: "u1"},
		CSRFToken:    "expected-token",
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
