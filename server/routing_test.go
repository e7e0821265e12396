package server

import (
	"context"
	"strings"
	"testing"

	"github.com/fjellauth/oidcbroker/internal/testutil"
	"github.com/fjellauth/oidcbroker/providers"
	"github.com/fjellauth/oidcbroker/providers/mock"
	"github.com/fjellauth/oidcbroker/storage/memory"
)

// newRoutingEnv builds a service with three named providers and an ACR
// routing rule mapping the high assurance level to feide.
func newRoutingEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	idporten := mock.New()
	idporten.ProviderName = "idporten"
	feide := mock.New()
	feide.ProviderName = "feide"
	testidp := mock.New()
	testidp.ProviderName = "testidp"

	minter := &stubMinter{}
	svc, err := New(store, []providers.Provider{idporten, feide, testidp}, minter, testHasher(t), &Config{
		Issuer: "https://broker.example.com",
		ProviderACRRouting: map[string]string{
			"urn:edu:acr:high": "feide",
		},
	}, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.SaveClient(context.Background(), testutil.TestClient()); err != nil {
		t.Fatal(err)
	}
	return &testEnv{svc: svc, store: store, idp: idporten, minter: minter}
}

// routedProvider reports which provider the request was routed to. All
// mocks render the same host, so the transaction row is the source of truth.
func routedProvider(t *testing.T, env *testEnv, out AuthorizeOutcome) string {
	t.Helper()
	up, ok := out.(*RedirectUpstream)
	if !ok {
		t.Fatalf("Authorize() = %T (%+v), want *RedirectUpstream", out, out)
	}
	state := upstreamStateFrom(t, up.URL)
	utx, err := env.store.GetUpstreamForCallbackByState(context.Background(), state)
	if err != nil {
		t.Fatalf("no upstream transaction for state: %v", err)
	}
	return utx.Provider
}

func TestRouting_Default(t *testing.T) {
	env := newRoutingEnv(t)
	req, _ := validAuthorizeRequest("test-client")
	if got := routedProvider(t, env, env.svc.Authorize(context.Background(), req)); got != "idporten" {
		t.Errorf("routed to %q, want idporten", got)
	}
}

func TestRouting_ACRMapping(t *testing.T) {
	env := newRoutingEnv(t)
	req, _ := validAuthorizeRequest("test-client")
	req.ACRValues = "urn:edu:acr:high"
	if got := routedProvider(t, env, env.svc.Authorize(context.Background(), req)); got != "feide" {
		t.Errorf("routed to %q, want feide via ACR rule", got)
	}
}

func TestRouting_ACRNamesProviderDirectly(t *testing.T) {
	env := newRoutingEnv(t)
	req, _ := validAuthorizeRequest("test-client")
	req.ACRValues = "feide"
	if got := routedProvider(t, env, env.svc.Authorize(context.Background(), req)); got != "feide" {
		t.Errorf("routed to %q, want feide by name", got)
	}
}

func TestRouting_ScopePrefix(t *testing.T) {
	env := newRoutingEnv(t)
	client := testutil.TestClient()
	client.AllowedScopes = append(client.AllowedScopes, "feide:groups")
	if err := env.store.SaveClient(context.Background(), client); err != nil {
		t.Fatal(err)
	}

	req, _ := validAuthorizeRequest("test-client")
	req.Scope = "openid feide:groups"
	if got := routedProvider(t, env, env.svc.Authorize(context.Background(), req)); got != "feide" {
		t.Errorf("routed to %q, want feide via scope prefix", got)
	}
}

func TestRouting_TestIDPGated(t *testing.T) {
	env := newRoutingEnv(t)
	ctx := context.Background()

	// Flagged client may route to the test IdP.
	req, _ := validAuthorizeRequest("test-client")
	req.ACRValues = "testidp"
	if got := routedProvider(t, env, env.svc.Authorize(ctx, req)); got != "testidp" {
		t.Errorf("flagged client routed to %q, want testidp", got)
	}

	// Unflagged client is refused, even when the request asks explicitly.
	plain := testutil.TestClient()
	plain.ClientID = "plain-client"
	plain.AllowTestIDP = false
	if err := env.store.SaveClient(ctx, plain); err != nil {
		t.Fatal(err)
	}
	req2, _ := validAuthorizeRequest("plain-client")
	req2.ACRValues = "testidp"
	out := env.svc.Authorize(ctx, req2)
	redirect, ok := out.(*ErrorRedirectToClient)
	if !ok {
		t.Fatalf("Authorize() = %T, want *ErrorRedirectToClient", out)
	}
	if redirect.ErrorCode != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", redirect.ErrorCode)
	}
	if !strings.Contains(redirect.ErrorDescription, "identity provider") {
		t.Errorf("description = %q", redirect.ErrorDescription)
	}
}

func TestRouting_UnknownACRFallsThrough(t *testing.T) {
	env := newRoutingEnv(t)
	req, _ := validAuthorizeRequest("test-client")
	req.ACRValues = "urn:unknown:acr"
	if got := routedProvider(t, env, env.svc.Authorize(context.Background(), req)); got != "idporten" {
		t.Errorf("routed to %q, want the default provider", got)
	}
}
