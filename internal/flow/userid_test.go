package flow

import "testing"

func TestBuildAuthenticatedUserID(t *testing.T) {
	cases := []struct {
		name       string
		userID     string
		namespace  string
		namespaces []string
		want       string
	}{
		{"no namespace", "u1", "", nil, "sub=u1"},
		{"single namespace wins over list", "u1", "acme", []string{"ignored"}, "sub=u1;namespace=acme"},
		{"namespace list, no single namespace", "u1", "", []string{"acme", "beta"}, "sub=u1;namespaces=acme,beta"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := BuildAuthenticatedUserID(tc.userID, tc.namespace, tc.namespaces)
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
