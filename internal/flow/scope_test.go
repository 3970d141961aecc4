package flow

import (
	"reflect"
	"testing"
)

func TestValidateScope_Trusted_IgnoresRequestedReturnsFullCatalogue(t *testing.T) {
	catalogue := []string{"read", "write", "admin"}
	scope, differs, err := ValidateScope([]string{"read"}, catalogue, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !differs {
		t.Fatalf("expected scopesDiffer=true when requested differs from catalogue")
	}
	if !sameSet(scope, catalogue) {
		t.Fatalf("expected full catalogue, got %v", scope)
	}
}

func TestValidateScope_Untrusted_UnknownScopeFails(t *testing.T) {
	_, _, err := ValidateScope([]string{"read", "delete-everything"}, []string{"read", "write"}, false)
	if err == nil {
		t.Fatalf("expected error for scope outside catalogue")
	}
}

func TestValidateScope_Untrusted_NormalizesAndDedupes(t *testing.T) {
	scope, differs, err := ValidateScope([]string{"write", "read", "read", ""}, []string{"read", "write"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if differs {
		t.Fatalf("scopesDiffer should always be false for untrusted subscriptions")
	}
	want := []string{"read", "write"}
	if !reflect.DeepEqual(scope, want) {
		t.Fatalf("got %v, want %v", scope, want)
	}
}

func TestMergeScopesWithGroups(t *testing.T) {
	got := MergeScopesWithGroups([]string{"read"}, []string{"admins", "admins", ""})
	want := []string{"read", "wicked:admins"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStripWickedScopes(t *testing.T) {
	got := StripWickedScopes([]string{"read", "wicked:admins", "write"})
	want := []string{"read", "write"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
