package local

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/authzrelay/authzrelay/internal/idp"
)

func seededProvider(t *testing.T) *Provider {
	t.Helper()
	p := New()
	if err := p.Seed("u1", "alice@example.com", "correcthorse", "Alice"); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return p
}

func TestAuthorizeByUserPass_ValidCredentials(t *testing.T) {
	p := seededProvider(t)
	result, err := p.AuthorizeByUserPass(context.Background(), "alice@example.com", "correcthorse")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Authenticated {
		t.Fatalf("expected authenticated result")
	}
	if result.Profile.Sub != "u1" || result.Profile.Email != "alice@example.com" {
		t.Fatalf("unexpected profile: %+v", result.Profile)
	}
}

func TestAuthorizeByUserPass_WrongPassword(t *testing.T) {
	p := seededProvider(t)
	result, err := p.AuthorizeByUserPass(context.Background(), "alice@example.com", "wrong")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Authenticated {
		t.Fatalf("expected unauthenticated result for wrong password")
	}
	if result.FailureReason != "invalid_credentials" {
		t.Fatalf("got failure reason %q", result.FailureReason)
	}
}

func TestAuthorizeByUserPass_UnknownUser(t *testing.T) {
	p := seededProvider(t)
	result, err := p.AuthorizeByUserPass(context.Background(), "nobody@example.com", "anything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Authenticated {
		t.Fatalf("expected unauthenticated result for unknown user")
	}
}

func TestAuthorizeWithUI_GET_ServesForm(t *testing.T) {
	p := seededProvider(t)
	req := httptest.NewRequest(http.MethodGet, "/local/login", nil)
	rec := httptest.NewRecorder()

	result, handled, err := p.AuthorizeWithUI(context.Background(), rec, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handled {
		t.Fatalf("GET should not be reported as a terminal result")
	}
	if result.Authenticated {
		t.Fatalf("GET should not authenticate")
	}
	if !strings.Contains(rec.Body.String(), "<form") {
		t.Fatalf("expected login form in response body")
	}
}

func TestAuthorizeWithUI_POST_ValidCredentials(t *testing.T) {
	p := seededProvider(t)
	form := url.Values{"email": {"alice@example.com"}, "password": {"correcthorse"}}
	req := httptest.NewRequest(http.MethodPost, "/local/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	result, handled, err := p.AuthorizeWithUI(context.Background(), rec, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handled {
		t.Fatalf("expected POST to be a terminal result")
	}
	if !result.Authenticated {
		t.Fatalf("expected authenticated result")
	}
}

func TestAuthorizeWithUI_POST_InvalidCredentials_DelaysAndRerendersForm(t *testing.T) {
	p := seededProvider(t)
	form := url.Values{"email": {"alice@example.com"}, "password": {"wrong"}}
	req := httptest.NewRequest(http.MethodPost, "/local/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	_, handled, err := p.AuthorizeWithUI(context.Background(), rec, req)
	if !handled {
		t.Fatalf("expected POST to be a terminal result even on failure")
	}
	if err == nil {
		t.Fatalf("expected an error for invalid credentials")
	}
	if !strings.Contains(rec.Body.String(), "credenciales inválidas") {
		t.Fatalf("expected error message rendered in form, got: %s", rec.Body.String())
	}
}

func TestCheckRefreshToken(t *testing.T) {
	p := seededProvider(t)
	ok, err := p.CheckRefreshToken(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("expected known user to check out, ok=%v err=%v", ok, err)
	}

	ok, err = p.CheckRefreshToken(context.Background(), "no-such-user")
	if ok || err == nil {
		t.Fatalf("expected unknown user to fail, ok=%v err=%v", ok, err)
	}
}

func TestGetType(t *testing.T) {
	p := New()
	if p.GetType() != idp.TypeLocal {
		t.Fatalf("got %v", p.GetType())
	}
}
