package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/fjellauth/oidcbroker/storage"
)

func newAppFlowEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.svc.Config.GoToAllowedHosts = []string{"app.example.com"}
	return env
}

func TestStartAppLogin_Disabled(t *testing.T) {
	env := newTestEnv(t) // no allowlist configured

	out := env.svc.StartAppLogin(context.Background(), "myapp", "https://app.example.com/start", "", storage.Diagnostics{})
	lerr, ok := out.(*LocalError)
	if !ok {
		t.Fatalf("StartAppLogin() = %T, want *LocalError", out)
	}
	if lerr.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", lerr.Status)
	}
}

func TestStartAppLogin_GoToValidation(t *testing.T) {
	env := newAppFlowEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		goTo string
		ok   bool
	}{
		{"allowed host", "https://app.example.com/dashboard", true},
		{"allowed host with query", "https://app.example.com/start?tab=1", true},
		{"other host", "https://evil.example.com/", false},
		{"http scheme", "http://app.example.com/", false},
		{"relative", "/dashboard", false},
		{"host suffix trick", "https://app.example.com.evil.example/", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := env.svc.StartAppLogin(ctx, "myapp", tt.goTo, "", storage.Diagnostics{})
			_, redirected := out.(*RedirectUpstream)
			if redirected != tt.ok {
				t.Errorf("StartAppLogin(%q) = %T, want redirect=%v", tt.goTo, out, tt.ok)
			}
		})
	}
}

func TestStartAppLogin_UnknownProvider(t *testing.T) {
	env := newAppFlowEnv(t)

	out := env.svc.StartAppLogin(context.Background(), "myapp", "https://app.example.com/", "nope", storage.Diagnostics{})
	if _, ok := out.(*LocalError); !ok {
		t.Fatalf("StartAppLogin() = %T, want *LocalError", out)
	}
}

func TestAppFlow_Completes(t *testing.T) {
	env := newAppFlowEnv(t)
	ctx := context.Background()

	out := env.svc.StartAppLogin(ctx, "myapp", "https://app.example.com/dashboard", "", storage.Diagnostics{})
	up, ok := out.(*RedirectUpstream)
	if !ok {
		t.Fatalf("StartAppLogin() = %T (%+v), want *RedirectUpstream", out, out)
	}

	cb := env.svc.HandleUpstreamCallback(ctx, &UpstreamCallbackInput{
		Code:  "upstream-code-1",
		State: upstreamStateFrom(t, up.URL),
	})
	goTo, ok := cb.(*RedirectToGoTo)
	if !ok {
		t.Fatalf("HandleUpstreamCallback() = %T (%+v), want *RedirectToGoTo", cb, cb)
	}
	if goTo.URL != "https://app.example.com/dashboard" {
		t.Errorf("URL = %q", goTo.URL)
	}

	var handle string
	for _, c := range goTo.Cookies {
		if c.Name == "ob_session" {
			handle = c.Value
		}
	}
	if handle == "" {
		t.Fatal("no session cookie on go-to redirect")
	}
	if _, err := env.store.GetSessionByHandleHash(ctx, env.svc.hasher.HashSessionHandle(handle)); err != nil {
		t.Errorf("session not established: %v", err)
	}
}

func TestAppFlow_AllowlistRevokedBeforeCompletion(t *testing.T) {
	env := newAppFlowEnv(t)
	ctx := context.Background()

	out := env.svc.StartAppLogin(ctx, "myapp", "https://app.example.com/dashboard", "", storage.Diagnostics{})
	up := out.(*RedirectUpstream)

	// Allowlist changes while the user is at the identity provider.
	env.svc.Config.GoToAllowedHosts = nil

	cb := env.svc.HandleUpstreamCallback(ctx, &UpstreamCallbackInput{
		Code:  "upstream-code-1",
		State: upstreamStateFrom(t, up.URL),
	})
	if _, ok := cb.(*LocalError); !ok {
		t.Fatalf("HandleUpstreamCallback() = %T, want *LocalError after allowlist change", cb)
	}
}

func TestAppFlow_UpstreamErrorIsLocal(t *testing.T) {
	env := newAppFlowEnv(t)
	ctx := context.Background()

	out := env.svc.StartAppLogin(ctx, "myapp", "https://app.example.com/dashboard", "", storage.Diagnostics{})
	up := out.(*RedirectUpstream)

	// No downstream client exists, so the error renders locally.
	cb := env.svc.HandleUpstreamCallback(ctx, &UpstreamCallbackInput{
		State: upstreamStateFrom(t, up.URL),
		Error: "access_denied",
	})
	lerr, ok := cb.(*LocalError)
	if !ok {
		t.Fatalf("HandleUpstreamCallback() = %T, want *LocalError", cb)
	}
	if lerr.ErrorCode != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", lerr.ErrorCode)
	}
}
