package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/fjellauth/oidcbroker/internal/testutil"
)

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, verifier := validAuthorizeRequest("test-client")
	out := env.svc.Authorize(ctx, req)
	up, ok := out.(*RedirectUpstream)
	if !ok {
		t.Fatalf("Authorize() = %T, want *RedirectUpstream", out)
	}
	if !strings.HasPrefix(up.URL, "https://mock.idp.example/authorize?") {
		t.Errorf("upstream URL = %q", up.URL)
	}
	if len(up.Cookies) != 1 || up.Cookies[0].Name != "ob_flow" {
		t.Fatalf("expected a single ob_flow cookie, got %+v", up.Cookies)
	}
	if !up.Cookies[0].HttpOnly || !up.Cookies[0].Secure {
		t.Error("flow cookie must be HttpOnly and Secure")
	}

	cb := env.svc.HandleUpstreamCallback(ctx, &UpstreamCallbackInput{
		Code:  "upstream-code-1",
		State: upstreamStateFrom(t, up.URL),
	})
	redirect, ok := cb.(*RedirectToClient)
	if !ok {
		t.Fatalf("HandleUpstreamCallback() = %T (%+v), want *RedirectToClient", cb, cb)
	}
	if redirect.RedirectURI != "https://rp.example.com/callback" {
		t.Errorf("RedirectURI = %q", redirect.RedirectURI)
	}
	if redirect.State != "client-state-123" {
		t.Errorf("State = %q, want the original client state", redirect.State)
	}
	if redirect.Code == "" {
		t.Fatal("no authorization code issued")
	}
	if got := env.idp.Calls; len(got) != 1 || got[0] != "upstream-code-1" {
		t.Errorf("upstream Exchange calls = %v", got)
	}

	loc := redirect.Location()
	if !strings.Contains(loc, "code=") || !strings.Contains(loc, "state=client-state-123") {
		t.Errorf("Location() = %q", loc)
	}

	// The session cookie carries the raw handle; the flow cookie is cleared.
	var sawSession, sawFlowClear bool
	for _, c := range redirect.Cookies {
		switch c.Name {
		case "ob_session":
			sawSession = c.Value != ""
		case "ob_flow":
			sawFlowClear = c.MaxAge < 0
		}
	}
	if !sawSession || !sawFlowClear {
		t.Errorf("cookies = %+v, want session set and flow cleared", redirect.Cookies)
	}

	resp, terr := redeemCode(env, redirect.Code, verifier)
	if terr != nil {
		t.Fatalf("Token() error = %v", terr)
	}
	if resp.AccessToken != "access.mock-subject" {
		t.Errorf("AccessToken = %q", resp.AccessToken)
	}
	if resp.IDToken != "id.mock-subject.client-nonce-456" {
		t.Errorf("IDToken = %q, want the client nonce echoed", resp.IDToken)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q", resp.TokenType)
	}
	if resp.ExpiresIn != 600 {
		t.Errorf("ExpiresIn = %d, want 600", resp.ExpiresIn)
	}
	if resp.Scope != "openid profile" {
		t.Errorf("Scope = %q", resp.Scope)
	}
	if resp.RefreshToken == "" {
		t.Fatal("no refresh token issued")
	}
	if resp.RefreshTokenExpiresIn <= 0 || resp.RefreshTokenExpiresIn > 1800 {
		t.Errorf("RefreshTokenExpiresIn = %d", resp.RefreshTokenExpiresIn)
	}

	principal := env.minter.lastPrincipal()
	if principal == nil {
		t.Fatal("minter saw no principal")
	}
	if principal.Subject != "mock-subject" {
		t.Errorf("principal subject = %q", principal.Subject)
	}
	if principal.ExternalID != "01019012345" {
		t.Errorf("principal external id = %q, want the upstream pid claim", principal.ExternalID)
	}
	if principal.ACR != "idporten-loa-substantial" {
		t.Errorf("principal acr = %q", principal.ACR)
	}
}

func TestAuthorizationCode_SingleUse(t *testing.T) {
	env := newTestEnv(t)

	req, verifier := validAuthorizeRequest("test-client")
	redirect := completeLogin(t, env, req)

	if _, terr := redeemCode(env, redirect.Code, verifier); terr != nil {
		t.Fatalf("first redemption failed: %v", terr)
	}

	_, terr := redeemCode(env, redirect.Code, verifier)
	if terr == nil {
		t.Fatal("second redemption succeeded, want invalid_grant")
	}
	if terr.Code != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want invalid_grant", terr.Code)
	}
	if terr.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", terr.Status)
	}
}

func TestToken_PKCEMismatch(t *testing.T) {
	env := newTestEnv(t)

	req, _ := validAuthorizeRequest("test-client")
	redirect := completeLogin(t, env, req)

	// Well-formed verifier that does not match the challenge.
	_, wrongVerifier := testutil.GeneratePKCEPair()
	_, terr := redeemCode(env, redirect.Code, wrongVerifier)
	if terr == nil || terr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("error = %v, want invalid_grant", terr)
	}
}

func TestToken_MalformedCodeVerifier(t *testing.T) {
	env := newTestEnv(t)

	req, _ := validAuthorizeRequest("test-client")
	redirect := completeLogin(t, env, req)

	_, terr := redeemCode(env, redirect.Code, "too-short")
	if terr == nil || terr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("error = %v, want invalid_request", terr)
	}

	// The malformed verifier was rejected before consumption; the code is
	// still redeemable with the right one.
	preview, err := env.store.GetAuthCode(context.Background(), redirect.Code)
	if err != nil {
		t.Fatalf("code gone after format rejection: %v", err)
	}
	if preview.Used {
		t.Error("code marked used after format rejection")
	}
}

func TestToken_RedirectURIMismatch(t *testing.T) {
	env := newTestEnv(t)

	req, verifier := validAuthorizeRequest("test-client")
	redirect := completeLogin(t, env, req)

	_, terr := env.svc.Token(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         redirect.Code,
		RedirectURI:  "https://rp.example.com/other",
		ClientID:     "test-client",
		ClientSecret: testutil.TestClientSecret,
		CodeVerifier: verifier,
	})
	if terr == nil || terr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("error = %v, want invalid_grant", terr)
	}
}

func TestToken_ClientAuthentication(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name     string
		req      *TokenRequest
		wantCode string
		wantHTTP int
	}{
		{
			name:     "missing client_id",
			req:      &TokenRequest{GrantType: "authorization_code"},
			wantCode: ErrorCodeInvalidClient,
			wantHTTP: http.StatusUnauthorized,
		},
		{
			name:     "unknown client",
			req:      &TokenRequest{GrantType: "authorization_code", ClientID: "nope", ClientSecret: "x"},
			wantCode: ErrorCodeInvalidClient,
			wantHTTP: http.StatusUnauthorized,
		},
		{
			name:     "wrong secret",
			req:      &TokenRequest{GrantType: "authorization_code", ClientID: "test-client", ClientSecret: "wrong"},
			wantCode: ErrorCodeInvalidClient,
			wantHTTP: http.StatusUnauthorized,
		},
		{
			name:     "missing secret",
			req:      &TokenRequest{GrantType: "authorization_code", ClientID: "test-client"},
			wantCode: ErrorCodeInvalidClient,
			wantHTTP: http.StatusUnauthorized,
		},
		{
			name:     "unsupported grant type",
			req:      &TokenRequest{GrantType: "password", ClientID: "test-client", ClientSecret: testutil.TestClientSecret},
			wantCode: ErrorCodeUnsupportedGrantType,
			wantHTTP: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, terr := env.svc.Token(context.Background(), tt.req)
			if terr == nil {
				t.Fatal("Token() error = nil, want error")
			}
			if terr.Code != tt.wantCode {
				t.Errorf("error = %q, want %q", terr.Code, tt.wantCode)
			}
			if terr.Status != tt.wantHTTP {
				t.Errorf("status = %d, want %d", terr.Status, tt.wantHTTP)
			}
		})
	}
}

func TestToken_PublicClientRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.SaveClient(ctx, testutil.TestPublicClient()); err != nil {
		t.Fatal(err)
	}

	// A public client presenting a secret is misconfigured.
	_, terr := env.svc.Token(ctx, &TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "test-public-client",
		ClientSecret: "anything",
	})
	if terr == nil || terr.Code != ErrorCodeInvalidClient {
		t.Fatalf("error = %v, want invalid_client", terr)
	}

	// A public client redeeming a code without a verifier has nothing to
	// authenticate with.
	_, terr = env.svc.Token(ctx, &TokenRequest{
		GrantType: "authorization_code",
		ClientID:  "test-public-client",
		Code:      "some-code",
	})
	if terr == nil || terr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("error = %v, want invalid_request", terr)
	}
}

func TestToken_MinterFailure(t *testing.T) {
	env := newTestEnv(t)

	req, verifier := validAuthorizeRequest("test-client")
	redirect := completeLogin(t, env, req)

	env.minter.failAccess = true
	_, terr := redeemCode(env, redirect.Code, verifier)
	if terr == nil || terr.Code != ErrorCodeServerError {
		t.Fatalf("error = %v, want server_error", terr)
	}
	if terr.Status != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", terr.Status)
	}
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)

	req, verifier := validAuthorizeRequest("test-client")
	redirect := completeLogin(t, env, req)
	first, terr := redeemCode(env, redirect.Code, verifier)
	if terr != nil {
		t.Fatalf("redeem: %v", terr)
	}

	second, terr := refreshToken(env, "test-client", first.RefreshToken)
	if terr != nil {
		t.Fatalf("refresh: %v", terr)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must issue a fresh refresh token")
	}
	if second.AccessToken == "" || second.IDToken == "" {
		t.Error("refresh grant must mint both tokens")
	}
	// ID tokens minted on refresh carry no nonce.
	if !strings.HasSuffix(second.IDToken, ".") {
		t.Errorf("IDToken = %q, want empty nonce suffix", second.IDToken)
	}

	// The chain stays alive across several rotations.
	current := second.RefreshToken
	for i := 0; i < 3; i++ {
		resp, terr := refreshToken(env, "test-client", current)
		if terr != nil {
			t.Fatalf("rotation %d: %v", i, terr)
		}
		current = resp.RefreshToken
	}
}

func TestRefreshReuse_RevokesFamily(t *testing.T) {
	env := newTestEnv(t)

	req, verifier := validAuthorizeRequest("test-client")
	redirect := completeLogin(t, env, req)
	first, terr := redeemCode(env, redirect.Code, verifier)
	if terr != nil {
		t.Fatalf("redeem: %v", terr)
	}

	second, terr := refreshToken(env, "test-client", first.RefreshToken)
	if terr != nil {
		t.Fatalf("refresh: %v", terr)
	}

	// Replaying the rotated predecessor is reuse.
	if _, terr := refreshToken(env, "test-client", first.RefreshToken); terr == nil || terr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("replay error = %v, want invalid_grant", terr)
	}

	// The whole family died with it, including the live successor.
	if _, terr := refreshToken(env, "test-client", second.RefreshToken); terr == nil || terr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("successor after revocation error = %v, want invalid_grant", terr)
	}
}

func TestRefresh_CrossClientUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other := testutil.TestClient()
	other.ClientID = "other-client"
	if err := env.store.SaveClient(ctx, other); err != nil {
		t.Fatal(err)
	}

	req, verifier := validAuthorizeRequest("test-client")
	redirect := completeLogin(t, env, req)
	first, terr := redeemCode(env, redirect.Code, verifier)
	if terr != nil {
		t.Fatalf("redeem: %v", terr)
	}

	// Another client presenting the token is an exfiltration signal.
	if _, terr := refreshToken(env, "other-client", first.RefreshToken); terr == nil || terr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("cross-client error = %v, want invalid_grant", terr)
	}

	// The legitimate owner lost the chain too.
	if _, terr := refreshToken(env, "test-client", first.RefreshToken); terr == nil || terr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("owner after revocation error = %v, want invalid_grant", terr)
	}
}

func TestRefresh_SessionTerminated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, verifier := validAuthorizeRequest("test-client")
	redirect := completeLogin(t, env, req)
	first, terr := redeemCode(env, redirect.Code, verifier)
	if terr != nil {
		t.Fatalf("redeem: %v", terr)
	}

	sids, err := env.store.GetSIDsByUpstream(ctx, "https://mock.idp.example", "mock-upstream-sid")
	if err != nil || len(sids) != 1 {
		t.Fatalf("GetSIDsByUpstream() = %v, %v", sids, err)
	}
	if err := env.store.DeleteSession(ctx, sids[0]); err != nil {
		t.Fatal(err)
	}

	if _, terr := refreshToken(env, "test-client", first.RefreshToken); terr == nil || terr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("refresh after session death error = %v, want invalid_grant", terr)
	}
}

func TestRefresh_UnknownToken(t *testing.T) {
	env := newTestEnv(t)

	if _, terr := refreshToken(env, "test-client", "never-issued-token-value-aaaaaaaaaaaaaaaaaaaa"); terr == nil || terr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("error = %v, want invalid_grant", terr)
	}
	if _, terr := env.svc.Token(context.Background(), &TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     "test-client",
		ClientSecret: testutil.TestClientSecret,
	}); terr == nil || terr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("missing token error = %v, want invalid_request", terr)
	}
}

func TestCallback_Replay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, _ := validAuthorizeRequest("test-client")
	out := env.svc.Authorize(ctx, req)
	up := out.(*RedirectUpstream)
	state := upstreamStateFrom(t, up.URL)

	in := &UpstreamCallbackInput{Code: "upstream-code-1", State: state}
	if _, ok := env.svc.HandleUpstreamCallback(ctx, in).(*RedirectToClient); !ok {
		t.Fatal("first callback did not complete")
	}

	// Replaying the state after completion must never mint a second code.
	replay := env.svc.HandleUpstreamCallback(ctx, in)
	lerr, ok := replay.(*LocalError)
	if !ok {
		t.Fatalf("replay = %T (%+v), want *LocalError", replay, replay)
	}
	if lerr.Status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", lerr.Status)
	}
}

func TestCallback_InputErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   *UpstreamCallbackInput
	}{
		{"missing state", &UpstreamCallbackInput{Code: "x"}},
		{"unknown state", &UpstreamCallbackInput{Code: "x", State: "never-issued"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := env.svc.HandleUpstreamCallback(ctx, tt.in)
			if _, ok := out.(*LocalError); !ok {
				t.Fatalf("HandleUpstreamCallback() = %T, want *LocalError", out)
			}
		})
	}
}

func TestCallback_UpstreamErrorRedirectsToClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, _ := validAuthorizeRequest("test-client")
	up := env.svc.Authorize(ctx, req).(*RedirectUpstream)

	out := env.svc.HandleUpstreamCallback(ctx, &UpstreamCallbackInput{
		State:            upstreamStateFrom(t, up.URL),
		Error:            "access_denied",
		ErrorDescription: "bruker avbrøt innloggingen",
	})
	redirect, ok := out.(*ErrorRedirectToClient)
	if !ok {
		t.Fatalf("HandleUpstreamCallback() = %T, want *ErrorRedirectToClient", out)
	}
	if redirect.ErrorCode != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", redirect.ErrorCode)
	}
	if redirect.State != "client-state-123" {
		t.Errorf("state = %q, want the original client state", redirect.State)
	}
	// Upstream descriptions are never forwarded verbatim.
	if strings.Contains(redirect.ErrorDescription, "avbrøt") {
		t.Errorf("upstream description leaked: %q", redirect.ErrorDescription)
	}
}

func TestCallback_ExchangeFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, _ := validAuthorizeRequest("test-client")
	up := env.svc.Authorize(ctx, req).(*RedirectUpstream)

	env.idp.ExchangeErr = fmt.Errorf("id_token signature invalid")
	out := env.svc.HandleUpstreamCallback(ctx, &UpstreamCallbackInput{
		Code:  "upstream-code-1",
		State: upstreamStateFrom(t, up.URL),
	})
	redirect, ok := out.(*ErrorRedirectToClient)
	if !ok {
		t.Fatalf("HandleUpstreamCallback() = %T, want *ErrorRedirectToClient", out)
	}
	if redirect.ErrorCode != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", redirect.ErrorCode)
	}
}

func TestCallback_IssMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, _ := validAuthorizeRequest("test-client")
	up := env.svc.Authorize(ctx, req).(*RedirectUpstream)

	out := env.svc.HandleUpstreamCallback(ctx, &UpstreamCallbackInput{
		Code:   "upstream-code-1",
		State:  upstreamStateFrom(t, up.URL),
		Issuer: "https://evil.example",
	})
	if _, ok := out.(*ErrorRedirectToClient); !ok {
		t.Fatalf("HandleUpstreamCallback() = %T, want *ErrorRedirectToClient", out)
	}

	// The matching issuer passes on a fresh flow.
	req2, _ := validAuthorizeRequest("test-client")
	req2.State = "client-state-2"
	up2 := env.svc.Authorize(ctx, req2).(*RedirectUpstream)
	out2 := env.svc.HandleUpstreamCallback(ctx, &UpstreamCallbackInput{
		Code:   "upstream-code-2",
		State:  upstreamStateFrom(t, up2.URL),
		Issuer: "https://mock.idp.example",
	})
	if _, ok := out2.(*RedirectToClient); !ok {
		t.Fatalf("matching iss = %T (%+v), want *RedirectToClient", out2, out2)
	}
}

func TestSessionReuse_AcrossLogins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req1, _ := validAuthorizeRequest("test-client")
	completeLogin(t, env, req1)

	req2, _ := validAuthorizeRequest("test-client")
	req2.State = "client-state-2"
	completeLogin(t, env, req2)

	// Same upstream subject: the session row is upserted, not duplicated.
	sids, err := env.store.GetSIDsByUpstream(ctx, "https://mock.idp.example", "mock-upstream-sid")
	if err != nil {
		t.Fatal(err)
	}
	if len(sids) != 1 {
		t.Errorf("sessions for one upstream subject = %d, want 1", len(sids))
	}
}
