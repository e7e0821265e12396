package token

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fjellauth/oidcbroker/internal/testutil"
	"github.com/fjellauth/oidcbroker/server"
	"github.com/fjellauth/oidcbroker/storage"
	"github.com/fjellauth/oidcbroker/storage/memory"
)

func newTestMinter(t *testing.T) (*Minter, *memory.Store) {
	t.Helper()
	store := memory.New()
	if err := store.SaveClient(context.Background(), testutil.TestClient()); err != nil {
		t.Fatal(err)
	}
	keys := newTestKeyManager(t)
	m, err := NewMinter("https://broker.example.com", keys, store, testLogger())
	if err != nil {
		t.Fatalf("NewMinter: %v", err)
	}
	return m, store
}

func testPrincipal() *server.Principal {
	return &server.Principal{
		Subject:   "subject-123",
		SessionID: "sid-abc",
		PID:       "01017012345",
		UserName:  "Test Testesen",
		ACR:       "idporten-loa-substantial",
		AMR:       []string{"pwd", "otp"},
		Nonce:     "nonce-789",
		AuthTime:  time.Now().Add(-time.Minute).Truncate(time.Second),
		Scopes:    []string{"openid", "profile"},
	}
}

func parseClaims(t *testing.T, m *Minter, signed string) jwt.MapClaims {
	t.Helper()
	tok, err := jwt.Parse(signed, m.keys.Keyfunc, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	return tok.Claims.(jwt.MapClaims)
}

func TestNewMinter_Validation(t *testing.T) {
	keys := newTestKeyManager(t)
	store := memory.New()

	if _, err := NewMinter("", keys, store, nil); err == nil {
		t.Error("empty issuer accepted")
	}
	if _, err := NewMinter("https://broker.example.com", nil, store, nil); err == nil {
		t.Error("nil key manager accepted")
	}
	if _, err := NewMinter("https://broker.example.com", keys, nil, nil); err == nil {
		t.Error("nil client store accepted")
	}

	// A trailing slash on the issuer is normalized away.
	m, err := NewMinter("https://broker.example.com/", keys, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.issuer != "https://broker.example.com" {
		t.Errorf("issuer = %q", m.issuer)
	}
}

func TestMintAccessToken_Claims(t *testing.T) {
	m, _ := newTestMinter(t)
	ctx := context.Background()

	signed, err := m.MintAccessToken(ctx, testPrincipal(), "test-client", 10*time.Minute)
	testutil.AssertNoError(t, err)

	claims := parseClaims(t, m, signed)
	testutil.AssertEqual(t, claims["iss"], "https://broker.example.com")
	testutil.AssertEqual(t, claims["sub"], "subject-123")
	testutil.AssertEqual(t, claims["client_id"], "test-client")
	testutil.AssertEqual(t, claims["scope"], "openid profile")
	testutil.AssertEqual(t, claims["sid"], "sid-abc")
	testutil.AssertEqual(t, claims["acr"], "idporten-loa-substantial")
	testutil.AssertEqual(t, claims["pid"], "01017012345")
	if claims["jti"] == "" {
		t.Error("jti missing")
	}

	exp, _ := claims.GetExpirationTime()
	if exp == nil {
		t.Fatal("exp missing")
	}
	testutil.AssertTimeEqual(t, exp.Time, time.Now().Add(10*time.Minute), 5*time.Second)

	aud, _ := claims.GetAudience()
	testutil.AssertEqual(t, len(aud), 1)
	testutil.AssertEqual(t, aud[0], "test-client")
}

func TestMintIDToken_Claims(t *testing.T) {
	m, _ := newTestMinter(t)
	ctx := context.Background()

	principal := testPrincipal()
	signed, err := m.MintIDToken(ctx, principal, "test-client", 10*time.Minute)
	testutil.AssertNoError(t, err)

	claims := parseClaims(t, m, signed)
	testutil.AssertEqual(t, claims["iss"], "https://broker.example.com")
	testutil.AssertEqual(t, claims["sub"], "subject-123")
	testutil.AssertEqual(t, claims["aud"], "test-client")
	testutil.AssertEqual(t, claims["nonce"], "nonce-789")
	testutil.AssertEqual(t, claims["acr"], "idporten-loa-substantial")
	testutil.AssertEqual(t, claims["sid"], "sid-abc")
	testutil.AssertEqual(t, claims["name"], "Test Testesen")
	testutil.AssertEqual(t, claims["pid"], "01017012345")
	testutil.AssertEqual(t, int64(claims["auth_time"].(float64)), principal.AuthTime.Unix())

	amr, ok := claims["amr"].([]any)
	if !ok || len(amr) != 2 {
		t.Fatalf("amr = %v", claims["amr"])
	}
	testutil.AssertEqual(t, amr[0], "pwd")
}

func TestMintIDToken_OptionalClaimsOmitted(t *testing.T) {
	m, _ := newTestMinter(t)
	ctx := context.Background()

	// Refresh mints carry no nonce and may lack optional identity claims.
	principal := &server.Principal{Subject: "subject-123", Scopes: []string{"openid"}}
	signed, err := m.MintIDToken(ctx, principal, "test-client", 10*time.Minute)
	testutil.AssertNoError(t, err)

	claims := parseClaims(t, m, signed)
	for _, absent := range []string{"nonce", "acr", "amr", "sid", "name", "pid", "auth_time"} {
		if _, ok := claims[absent]; ok {
			t.Errorf("claim %q present, want omitted", absent)
		}
	}
}

func TestMintIDToken_ProviderClaims(t *testing.T) {
	m, _ := newTestMinter(t)
	ctx := context.Background()

	principal := testPrincipal()
	principal.ProviderClaims = map[string][]string{
		"locale": {"nb"},
		"groups": {"employees", "admins"},
		// Collides with a broker-set claim and must not overwrite it.
		"pid": {"spoofed"},
	}
	signed, err := m.MintIDToken(ctx, principal, "test-client", 10*time.Minute)
	testutil.AssertNoError(t, err)

	claims := parseClaims(t, m, signed)
	testutil.AssertEqual(t, claims["locale"], "nb")
	testutil.AssertEqual(t, claims["pid"], "01017012345")
	groups, ok := claims["groups"].([]any)
	if !ok || len(groups) != 2 {
		t.Fatalf("groups = %v", claims["groups"])
	}
}

func TestMint_UnknownClient(t *testing.T) {
	m, _ := newTestMinter(t)
	ctx := context.Background()

	if _, err := m.MintAccessToken(ctx, testPrincipal(), "missing-client", time.Minute); err == nil {
		t.Error("mint for unknown client succeeded")
	}
	if _, err := m.MintIDToken(ctx, testPrincipal(), "missing-client", time.Minute); err == nil {
		t.Error("mint for unknown client succeeded")
	}
}

func TestPairwiseSubjects(t *testing.T) {
	m, store := newTestMinter(t)
	ctx := context.Background()

	pairwise := func(id, sector, salt string) *storage.Client {
		c := testutil.TestClient()
		c.ClientID = id
		c.SubjectType = storage.SubjectTypePairwise
		c.SectorIdentifierURI = sector
		c.PairwiseSalt = salt
		return c
	}
	for _, c := range []*storage.Client{
		pairwise("rp-a", "https://sector.example.com/redirects.json", "salt-1"),
		pairwise("rp-b", "https://sector.example.com/redirects.json", "salt-1"),
		pairwise("rp-c", "https://other-sector.example.com/redirects.json", "salt-1"),
		pairwise("rp-d", "", "salt-1"),
	} {
		if err := store.SaveClient(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	subFor := func(clientID string) string {
		signed, err := m.MintIDToken(ctx, testPrincipal(), clientID, time.Minute)
		testutil.AssertNoError(t, err)
		return parseClaims(t, m, signed)["sub"].(string)
	}

	a := subFor("rp-a")
	if a == "subject-123" {
		t.Error("pairwise sub equals the local subject id")
	}
	// Same sector and salt renders the same sub, deterministically.
	testutil.AssertEqual(t, subFor("rp-b"), a)
	testutil.AssertEqual(t, subFor("rp-a"), a)

	// A different sector cannot correlate.
	if subFor("rp-c") == a {
		t.Error("distinct sectors share a sub")
	}
	// Without a sector URI the client id is the sector.
	if subFor("rp-d") == a {
		t.Error("client-scoped sub matches sector-scoped sub")
	}

	// Public subject type passes the local id through.
	testutil.AssertEqual(t, subFor("test-client"), "subject-123")

	// Access and ID tokens agree on the rendered sub.
	access, err := m.MintAccessToken(ctx, testPrincipal(), "rp-a", time.Minute)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, parseClaims(t, m, access)["sub"], a)
}
