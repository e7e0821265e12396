package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fjellauth/oidcbroker/providers"
	"github.com/fjellauth/oidcbroker/security"
	"github.com/fjellauth/oidcbroker/storage"
)

// TestClientSecret is the secret matching TestClient's SecretHash.
const TestClientSecret = "secret"

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// GenerateRandomString generates a random base64url-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// TestClient creates a confidential test relying party whose secret is
// TestClientSecret. MinCost keeps fixture construction cheap.
func TestClient() *storage.Client {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash test client secret: %v", err))
	}
	return &storage.Client{
		ClientID:                "test-client",
		Name:                    "Test Client",
		Enabled:                 true,
		ClientType:              "confidential",
		TokenEndpointAuthMethod: "client_secret_basic",
		RedirectURIs:            []string{"https://rp.example.com/callback"},
		AllowedScopes:           []string{"openid", "profile"},
		RequirePKCE:             true,
		AllowedPKCEMethods:      []string{"S256"},
		SubjectType:             storage.SubjectTypePublic,
		SecretHash:              string(hash),
		AllowTestIDP:            true,
		CreatedAt:               time.Now(),
	}
}

// TestPublicClient creates a public test relying party (no secret, PKCE required).
func TestPublicClient() *storage.Client {
	c := TestClient()
	c.ClientID = "test-public-client"
	c.ClientType = "public"
	c.TokenEndpointAuthMethod = "none"
	c.SecretHash = ""
	return c
}

// TestBinding creates a populated binding context.
func TestBinding() storage.BindingContext {
	return storage.BindingContext{
		SubjectID:  "subject-123",
		ExternalID: "01017012345",
		PartyUUID:  "9ec54f64-1111-2222-3333-444455556666",
		PartyID:    50001234,
		UserID:     20001234,
		UserName:   "Test Testesen",
	}
}

// TestIdentity creates a verified upstream identity as the mock provider
// would return it.
func TestIdentity() *providers.Identity {
	return &providers.Identity{
		Issuer:     "https://idp.example.com",
		Subject:    "upstream-sub-123",
		ACR:        "urn:test:acr:high",
		AMR:        []string{"pwd"},
		AuthTime:   time.Now().Add(-time.Minute),
		IDTokenJTI: GenerateRandomString(22),
		SessionSID: "upstream-sid-123",
		Name:       "Test Testesen",
		Locale:     "nb",
		Claims:     map[string][]string{"test:role": {"admin"}},
	}
}

// LoginTxCreate creates a valid login transaction input for the given client.
func LoginTxCreate(clientID string) *storage.LoginTransactionCreate {
	challenge, _ := GeneratePKCEPair()
	return &storage.LoginTransactionCreate{
		ClientID:            clientID,
		RedirectURI:         "https://rp.example.com/callback",
		Scopes:              []string{"openid", "profile"},
		State:               GenerateRandomString(22),
		Nonce:               GenerateRandomString(22),
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		TTL:                 10 * time.Minute,
	}
}

// AuthCodeCreate creates a valid authorization code input bound to the given
// client and session.
func AuthCodeCreate(clientID, sessionID string) *storage.AuthCodeCreate {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthCodeCreate{
		Code:                GenerateRandomString(43),
		ClientID:            clientID,
		RedirectURI:         "https://rp.example.com/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Binding:             TestBinding(),
		SessionID:           sessionID,
		Scopes:              []string{"openid", "profile"},
		Nonce:               GenerateRandomString(22),
		ACR:                 "urn:test:acr:high",
		AMR:                 []string{"pwd"},
		AuthTime:            time.Now().Add(-time.Minute),
		TTL:                 time.Minute,
	}
}

// SessionCreate creates a valid session upsert input for the given upstream
// subject.
func SessionCreate(upstreamSub string) *storage.SessionCreate {
	return &storage.SessionCreate{
		HandleHash:     security.HashSessionHandle(GenerateRandomString(43)),
		UpstreamIssuer: "https://idp.example.com",
		UpstreamSub:    upstreamSub,
		Binding:        TestBinding(),
		Provider:       "testidp",
		ACR:            "urn:test:acr:high",
		AMR:            []string{"pwd"},
		AuthTime:       time.Now().Add(-time.Minute),
		Scopes:         []string{"openid", "profile"},
		TTL:            8 * time.Hour,
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}
