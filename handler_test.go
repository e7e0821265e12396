package oidcbroker

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"

	"github.com/fjellauth/oidcbroker/internal/testutil"
	"github.com/fjellauth/oidcbroker/providers"
	"github.com/fjellauth/oidcbroker/providers/mock"
	"github.com/fjellauth/oidcbroker/security"
	"github.com/fjellauth/oidcbroker/server"
	"github.com/fjellauth/oidcbroker/storage/memory"
)

type staticMinter struct{}

func (staticMinter) MintAccessToken(_ context.Context, p *server.Principal, _ string, _ time.Duration) (string, error) {
	return "access." + p.Subject, nil
}

func (staticMinter) MintIDToken(_ context.Context, p *server.Principal, _ string, _ time.Duration) (string, error) {
	return "id." + p.Subject + "." + p.Nonce, nil
}

type staticJWKS struct{}

func (staticJWKS) PublicJWKS() jose.JSONWebKeySet {
	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(bytes.Repeat([]byte{0xAB}, 256)), E: 65537}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: pub, KeyID: "test-key", Algorithm: "RS256", Use: "sig"},
	}}
}

func newTestHandler(t *testing.T) (*Handler, *mock.Provider) {
	t.Helper()

	store := memory.New()
	if err := store.SaveClient(context.Background(), testutil.TestClient()); err != nil {
		t.Fatal(err)
	}
	idp := mock.New()
	idp.ProviderName = "idporten"

	hasher, err := security.NewTokenHasher(bytes.Repeat([]byte("k"), 32), 1000)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := server.New(store, []providers.Provider{idp}, staticMinter{}, hasher, &server.Config{
		Issuer:          "https://broker.example.com",
		SupportedScopes: []string{"openid", "profile"},
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	cfg := defaultConfig()
	return NewHandler(svc, staticJWKS{}, cfg, logger), idp
}

func authorizeQuery(challenge string) url.Values {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", "test-client")
	q.Set("redirect_uri", "https://rp.example.com/callback")
	q.Set("scope", "openid profile")
	q.Set("state", "client-state-123")
	q.Set("nonce", "client-nonce-456")
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	return q
}

func TestHandler_AuthorizeRedirectsUpstream(t *testing.T) {
	h, _ := newTestHandler(t)
	challenge, _ := testutil.GeneratePKCEPair()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/authorize?"+authorizeQuery(challenge).Encode(), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	location := rec.Header().Get("Location")
	if !strings.HasPrefix(location, "https://mock.idp.example/") {
		t.Errorf("Location = %q", location)
	}
	var flowCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "ob_flow" {
			flowCookie = c
		}
	}
	if flowCookie == nil {
		t.Fatal("flow cookie not set")
	}
	if !flowCookie.HttpOnly || !flowCookie.Secure {
		t.Error("flow cookie not HttpOnly+Secure")
	}
}

func TestHandler_AuthorizeLocalErrorIsJSON(t *testing.T) {
	h, _ := newTestHandler(t)
	challenge, _ := testutil.GeneratePKCEPair()

	q := authorizeQuery(challenge)
	q.Set("client_id", "unknown-client")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/authorize?"+q.Encode(), nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body.Error != ErrorCodeInvalidClient {
		t.Errorf("error = %q", body.Error)
	}
}

func TestHandler_AuthorizeProtocolErrorRedirects(t *testing.T) {
	h, _ := newTestHandler(t)
	challenge, _ := testutil.GeneratePKCEPair()

	q := authorizeQuery(challenge)
	q.Set("response_type", "token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/authorize?"+q.Encode(), nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if location.Host != "rp.example.com" {
		t.Errorf("redirect host = %q", location.Host)
	}
	if got := location.Query().Get("error"); got != ErrorCodeUnsupportedResponseType {
		t.Errorf("error = %q", got)
	}
	if got := location.Query().Get("state"); got != "client-state-123" {
		t.Errorf("state = %q", got)
	}
}

func TestHandler_EndToEndCodeFlow(t *testing.T) {
	h, idp := newTestHandler(t)
	challenge, verifier := testutil.GeneratePKCEPair()

	// Authorize: capture the upstream state from the redirect.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/authorize?"+authorizeQuery(challenge).Encode(), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}
	upstream, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	upstreamState := upstream.Query().Get("state")
	if upstreamState == "" {
		t.Fatal("no upstream state in redirect")
	}

	// Upstream callback: the broker redeems the code and redirects back to
	// the client with a fresh downstream code.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET",
		"/upstream/callback?code=upstream-code-1&state="+url.QueryEscape(upstreamState), nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("callback status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(idp.Calls) != 1 || idp.Calls[0] != "upstream-code-1" {
		t.Fatalf("exchanged codes = %v", idp.Calls)
	}
	var sessionCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "ob_session" && c.MaxAge >= 0 {
			sessionCookie = c
		}
	}
	if sessionCookie == nil {
		t.Error("session cookie not set on callback")
	}
	back, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	code := back.Query().Get("code")
	if code == "" {
		t.Fatal("no code in client redirect")
	}
	if got := back.Query().Get("state"); got != "client-state-123" {
		t.Errorf("state = %q", got)
	}

	// Token: redeem the code with PKCE and basic auth.
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", "https://rp.example.com/callback")
	form.Set("code_verifier", verifier)
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("test-client", testutil.TestClientSecret)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}

	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("token body is not JSON: %v", err)
	}
	if resp.AccessToken != "access.mock-subject" {
		t.Errorf("access_token = %q", resp.AccessToken)
	}
	if resp.IDToken != "id.mock-subject.client-nonce-456" {
		t.Errorf("id_token = %q", resp.IDToken)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q", resp.TokenType)
	}
	if resp.RefreshToken == "" {
		t.Error("no refresh token issued")
	}
}

func TestHandler_TokenErrorShape(t *testing.T) {
	h, _ := newTestHandler(t)

	post := func(form url.Values, auth bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if auth {
			req.SetBasicAuth("test-client", testutil.TestClientSecret)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	rec := post(form, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q", body.Error)
	}

	// Bad credentials get a 401 with a challenge.
	form = url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", "whatever")
	form.Set("client_id", "test-client")
	form.Set("client_secret", "wrong")
	rec = post(form, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("WWW-Authenticate missing on 401")
	}
}

func TestHandler_Discovery(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/.well-known/openid-configuration", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age") {
		t.Errorf("Cache-Control = %q", cc)
	}

	var meta ProviderMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Issuer != "https://broker.example.com" {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if meta.AuthorizationEndpoint != "https://broker.example.com/authorize" {
		t.Errorf("authorization_endpoint = %q", meta.AuthorizationEndpoint)
	}
	if meta.TokenEndpoint != "https://broker.example.com/token" {
		t.Errorf("token_endpoint = %q", meta.TokenEndpoint)
	}
	if meta.JWKSURI != "https://broker.example.com/.well-known/jwks.json" {
		t.Errorf("jwks_uri = %q", meta.JWKSURI)
	}
	if len(meta.ResponseTypesSupported) != 1 || meta.ResponseTypesSupported[0] != "code" {
		t.Errorf("response_types_supported = %v", meta.ResponseTypesSupported)
	}
	if len(meta.CodeChallengeMethodsSupported) != 1 || meta.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v", meta.CodeChallengeMethodsSupported)
	}
	if !meta.FrontchannelLogoutSupported {
		t.Error("frontchannel_logout_supported = false")
	}
}

func TestHandler_JWKS(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/.well-known/jwks.json", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatal(err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("keys = %d", len(set.Keys))
	}
	if set.Keys[0]["kid"] != "test-key" {
		t.Errorf("kid = %v", set.Keys[0]["kid"])
	}
	if _, private := set.Keys[0]["d"]; private {
		t.Error("private exponent published")
	}
}

func TestHandler_SecurityHeaders(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	headers := rec.Header()
	if headers.Get("X-Frame-Options") != "DENY" {
		t.Error("X-Frame-Options missing")
	}
	if headers.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("X-Content-Type-Options missing")
	}
	if !strings.Contains(headers.Get("Content-Security-Policy"), "default-src 'none'") {
		t.Errorf("CSP = %q", headers.Get("Content-Security-Policy"))
	}
	// The issuer is https, so HSTS is on.
	if headers.Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing for https issuer")
	}
	if headers.Get("X-Request-Id") == "" {
		t.Error("request id header missing")
	}
}

func TestHandler_InteractionPrompt(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/interaction/req-123", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `action="/interaction/req-123"`) {
		t.Errorf("form action missing: %s", body)
	}

	// Deciding an unknown interaction is a local error.
	req := httptest.NewRequest("POST", "/interaction/req-123", strings.NewReader("decision=allow"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandler_LogoutWithoutSession(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/logout", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Signed out") {
		t.Errorf("body = %s", rec.Body.String())
	}
	// The session and flow cookies are cleared regardless.
	cleared := 0
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			cleared++
		}
	}
	if cleared != 2 {
		t.Errorf("cleared cookies = %d, want 2", cleared)
	}
}

func TestHandler_UpstreamLogout(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/logout/upstream?iss=https://mock.idp.example&sid=unknown", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandler_Health(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q", body["status"])
	}
}
