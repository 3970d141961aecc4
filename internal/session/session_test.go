package session

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/authzrelay/authzrelay/internal/cache"
	"github.com/authzrelay/authzrelay/internal/model"
)

func newTestStore() *Store {
	return New(cache.NewMemory("test"), Config{
		CookieName: "authzrelay_session",
		Secret:     "top-secret-test-key",
		TTL:        time.Hour,
		Secure:     true,
		Domain:     "example.com",
	})
}

func TestStore_NewSessionID_SignedCookieRoundTrips(t *testing.T) {
	s := newTestStore()
	sid, signed, err := s.NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}
	if sid == "" || signed == "" {
		t.Fatalf("expected non-empty sid and signed cookie")
	}

	gotSID, ok := s.SIDFromCookieValue(signed)
	if !ok {
		t.Fatalf("expected signed cookie to verify")
	}
	if gotSID != sid {
		t.Fatalf("got sid %q, want %q", gotSID, sid)
	}
}

func TestStore_SIDFromCookieValue_RejectsTamperedOrForeignSignature(t *testing.T) {
	s := newTestStore()
	other := New(cache.NewMemory("test"), Config{
		CookieName: "authzrelay_session",
		Secret:     "a-different-secret",
		TTL:        time.Hour,
	})

	_, signed, err := other.NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID: %v", err)
	}

	if _, ok := s.SIDFromCookieValue(signed); ok {
		t.Fatalf("expected cookie signed with a different secret to fail verification")
	}
	if _, ok := s.SIDFromCookieValue("not-even-a-jwt"); ok {
		t.Fatalf("expected garbage input to fail verification")
	}
}

func TestStore_NewSessionID_UniqueIDsPerCall(t *testing.T) {
	s := newTestStore()
	sid1, _, _ := s.NewSessionID()
	sid2, _, _ := s.NewSessionID()
	if sid1 == sid2 {
		t.Fatalf("expected distinct session ids across calls")
	}
}

func TestStore_CookieName(t *testing.T) {
	s := newTestStore()
	if s.CookieName() != "authzrelay_session" {
		t.Fatalf("got %q", s.CookieName())
	}
}

func TestStore_SetCookie_WritesExpectedAttributes(t *testing.T) {
	s := newTestStore()
	rec := httptest.NewRecorder()
	s.SetCookie(rec, "signed-value")

	resp := rec.Result()
	cookies := resp.Cookies()
	if len(cookies) != 1 {
		t.Fatalf("got %d cookies, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != "authzrelay_session" || c.Value != "signed-value" {
		t.Fatalf("unexpected cookie name/value: %+v", c)
	}
	if !c.HttpOnly || !c.Secure {
		t.Fatalf("expected HttpOnly and Secure cookie flags")
	}
	if c.Domain != "example.com" {
		t.Fatalf("got domain %q", c.Domain)
	}
}

func TestStore_DeleteCookie_NegativeMaxAge(t *testing.T) {
	s := newTestStore()
	rec := httptest.NewRecorder()
	s.DeleteCookie(rec)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("got %d cookies, want 1", len(cookies))
	}
	if cookies[0].MaxAge >= 0 {
		t.Fatalf("got MaxAge %d, want negative", cookies[0].MaxAge)
	}
}

func TestStore_LoadMissing_ReturnsEmptyRecordNoError(t *testing.T) {
	s := newTestStore()
	rec, err := s.Load(context.Background(), "local", "no-such-sid")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec == nil || rec.CSRFToken != "" {
		t.Fatalf("expected empty record for missing session, got %+v", rec)
	}
}

func TestStore_SaveThenLoad_RoundTrips(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	rec := &model.SessionRecord{CSRFToken: "csrf-abc"}

	if err := s.Save(ctx, "local", "sid-1", rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx, "local", "sid-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CSRFToken != "csrf-abc" {
		t.Fatalf("got %+v", got)
	}
}

func TestStore_Destroy_RemovesRecord(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	_ = s.Save(ctx, "local", "sid-1", &model.SessionRecord{CSRFToken: "csrf-abc"})

	if err := s.Destroy(ctx, "local", "sid-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	got, err := s.Load(ctx, "local", "sid-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CSRFToken != "" {
		t.Fatalf("expected empty record after destroy, got %+v", got)
	}
}

func TestNewCSRFToken_UniqueAndNonEmpty(t *testing.T) {
	a, err := NewCSRFToken()
	if err != nil {
		t.Fatalf("NewCSRFToken: %v", err)
	}
	b, err := NewCSRFToken()
	if err != nil {
		t.Fatalf("NewCSRFToken: %v", err)
	}
	if a == "" || b == "" {
		t.Fatalf("expected non-empty tokens")
	}
	if a == b {
		t.Fatalf("expected distinct tokens across calls")
	}
}
