package httperr

import (
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestOAuth2Error_RedirectURL_AppendsErrorAndState(t *testing.T) {
	e := ErrAccessDenied.WithDescription("el usuario canceló")
	got := e.RedirectURL("https://app.example.com/cb?foo=bar", "xyz")

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("redirect url no parseable: %v", err)
	}
	q := u.Query()
	if q.Get("foo") != "bar" {
		t.Fatalf("expected pre-existing query param preserved, got %v", q)
	}
	if q.Get("error") != "access_denied" {
		t.Fatalf("got error=%q", q.Get("error"))
	}
	if q.Get("error_description") != "el usuario canceló" {
		t.Fatalf("got error_description=%q", q.Get("error_description"))
	}
	if q.Get("state") != "xyz" {
		t.Fatalf("got state=%q", q.Get("state"))
	}
}

func TestOAuth2Error_WithDescription_DoesNotMutateShared(t *testing.T) {
	base := ErrInvalidScope
	specific := base.WithDescription("scope 'delete' fuera de catálogo")
	if base.Description == specific.Description {
		t.Fatalf("WithDescription must return a copy, base error was mutated")
	}
}

func TestOAuth2Error_WriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrInvalidGrant.WriteJSON(rec)

	if rec.Code != 400 {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Fatalf("got content-type %q", ct)
	}
}
