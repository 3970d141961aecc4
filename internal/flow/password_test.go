package flow

import (
	"context"
	"testing"
	"time"

	"github.com/authzrelay/authzrelay/internal/cache"
	"github.com/authzrelay/authzrelay/internal/gateway"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/portal"
	"github.com/authzrelay/authzrelay/internal/profilestore"
)

func newUnusedOrchestrator() *Orchestrator {
	gw := gateway.New("http://unused.invalid", time.Second, fixedFetcher{}, false, false)
	pc := portal.New("http://unused.invalid", time.Second)
	profiles := profilestore.New(cache.NewMemory("test"), time.Hour)
	return New(gw, pc, profiles)
}

func TestPasswordGrant_UntrustedSubscription_Rejected(t *testing.T) {
	o := newUnusedOrchestrator()
	start := time.Now()
	_, aerr := o.PasswordGrant(context.Background(), "local", nil, model.CachedAPIConfig{}, model.Subscription{Trusted: false}, PasswordGrantInput{})
	if aerr == nil {
		t.Fatalf("expected rejection for untrusted subscription")
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("expected failure delay of at least 500ms, got %v", elapsed)
	}
}

func TestPasswordGrant_ConfidentialClientSecretMismatch_Rejected(t *testing.T) {
	o := newUnusedOrchestrator()
	sub := model.Subscription{Trusted: true, Confidential: true, ClientSecret: "correct"}
	_, aerr := o.PasswordGrant(context.Background(), "local", nil, model.CachedAPIConfig{}, sub,
		PasswordGrantInput{ClientSecret: "wrong"})
	if aerr == nil || aerr.Kind != "invalid_client" {
		t.Fatalf("expected invalid_client rejection, got %v", aerr)
	}
}

func TestPasswordGrant_PublicClientMustNotSendSecret(t *testing.T) {
	o := newUnusedOrchestrator()
	sub := model.Subscription{Trusted: true, Confidential: false}
	_, aerr := o.PasswordGrant(context.Background(), "local", nil, model.CachedAPIConfig{}, sub,
		PasswordGrantInput{ClientSecret: "should-not-be-sent"})
	if aerr == nil || aerr.Kind != "invalid_client" {
		t.Fatalf("expected invalid_client rejection, got %v", aerr)
	}
}
