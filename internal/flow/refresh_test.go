package flow

import (
	"context"
	"testing"
	"time"

	"github.com/authzrelay/authzrelay/internal/cache"
	"github.com/authzrelay/authzrelay/internal/gateway"
	"github.com/authzrelay/authzrelay/internal/portal"
	"github.com/authzrelay/authzrelay/internal/profilestore"
)

func TestParseSub(t *testing.T) {
	cases := []struct{ in, want string }{
		{"sub=u1", "u1"},
		{"sub=u1;namespace=acme", "u1"},
		{"sub=u1;namespaces=acme,beta", "u1"},
	}
	for _, tc := range cases {
		if got := ParseSub(tc.in); got != tc.want {
			t.Fatalf("ParseSub(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRefreshGrant_UnknownToken_FailsInvalidGrant(t *testing.T) {
	gw := gateway.New("http://unused.invalid", 5*time.Second, fixedFetcher{}, false, false)
	pc := portal.New("http://unused.invalid", 5*time.Second)
	profiles := profilestore.New(cache.NewMemory("test"), time.Hour)
	o := New(gw, pc, profiles)

	_, aerr := o.RefreshGrant(context.Background(), "local", nil, RefreshGrantInput{RefreshToken: "no-such-token"})
	if aerr == nil {
		t.Fatalf("expected invalid_grant for unknown refresh token")
	}
}
