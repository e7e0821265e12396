// Package token is the built-in token minter: an RSA key manager with JWKS
// publication and a JWT signer for access and ID tokens. The broker consumes
// it through the server.TokenMinter interface, so deployments that delegate
// minting to an external issuer can swap it out.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fjellauth/oidcbroker/server"
	"github.com/fjellauth/oidcbroker/storage"
)

// AccessTokenClaims is the claim set minted into access tokens.
type AccessTokenClaims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`
	SID      string `json:"sid,omitempty"`
	ACR      string `json:"acr,omitempty"`
	PID      string `json:"pid,omitempty"`
	jwt.RegisteredClaims
}

// Minter signs access and ID tokens with the broker's own keys. Subject
// identifiers are rendered per the client's registration: public clients see
// the local subject id, pairwise clients see a sector-scoped derivation.
type Minter struct {
	issuer  string
	keys    *KeyManager
	clients storage.ClientStore
	logger  *slog.Logger
}

var _ server.TokenMinter = (*Minter)(nil)

// NewMinter constructs a Minter. The client store is consulted per mint for
// the subject rendering mode.
func NewMinter(issuer string, keys *KeyManager, clients storage.ClientStore, logger *slog.Logger) (*Minter, error) {
	if issuer == "" {
		return nil, errors.New("minter: issuer is required")
	}
	if keys == nil {
		return nil, errors.New("minter: key manager is required")
	}
	if clients == nil {
		return nil, errors.New("minter: client store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Minter{
		issuer:  strings.TrimSuffix(issuer, "/"),
		keys:    keys,
		clients: clients,
		logger:  logger,
	}, nil
}

// MintAccessToken implements server.TokenMinter.
func (m *Minter) MintAccessToken(ctx context.Context, principal *server.Principal, clientID string, ttl time.Duration) (string, error) {
	sub, err := m.renderSubject(ctx, principal.Subject, clientID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := AccessTokenClaims{
		Scope:    strings.Join(principal.Scopes, " "),
		ClientID: clientID,
		SID:      principal.SessionID,
		ACR:      principal.ACR,
		PID:      principal.PID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   sub,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return m.keys.Sign(claims)
}

// MintIDToken implements server.TokenMinter.
func (m *Minter) MintIDToken(ctx context.Context, principal *server.Principal, clientID string, ttl time.Duration) (string, error) {
	sub, err := m.renderSubject(ctx, principal.Subject, clientID)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": m.issuer,
		"sub": sub,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": uuid.NewString(),
	}
	if !principal.AuthTime.IsZero() {
		claims["auth_time"] = principal.AuthTime.Unix()
	}
	if principal.Nonce != "" {
		claims["nonce"] = principal.Nonce
	}
	if principal.ACR != "" {
		claims["acr"] = principal.ACR
	}
	if len(principal.AMR) > 0 {
		claims["amr"] = principal.AMR
	}
	if principal.SessionID != "" {
		claims["sid"] = principal.SessionID
	}
	if principal.UserName != "" {
		claims["name"] = principal.UserName
	}
	if principal.PID != "" {
		claims["pid"] = principal.PID
	}
	for claim, values := range principal.ProviderClaims {
		if _, taken := claims[claim]; taken {
			continue
		}
		if len(values) == 1 {
			claims[claim] = values[0]
		} else if len(values) > 1 {
			claims[claim] = values
		}
	}
	return m.keys.Sign(claims)
}

// renderSubject maps the local subject id to the client-visible sub claim.
func (m *Minter) renderSubject(ctx context.Context, subject, clientID string) (string, error) {
	client, err := m.clients.GetClient(ctx, clientID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve client for subject rendering: %w", err)
	}
	if client.SubjectType != storage.SubjectTypePairwise {
		return subject, nil
	}
	return pairwiseSubject(subject, client), nil
}

// pairwiseSubject derives a sector-scoped subject so distinct clients cannot
// correlate the same user. Deterministic for a given (sector, subject, salt).
func pairwiseSubject(subject string, client *storage.Client) string {
	sector := client.ClientID
	if client.SectorIdentifierURI != "" {
		if u, err := url.Parse(client.SectorIdentifierURI); err == nil && u.Host != "" {
			sector = u.Host
		}
	}
	h := sha256.New()
	h.Write([]byte(sector))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(client.PairwiseSalt))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
