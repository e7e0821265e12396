package server

import (
	"context"
	"time"

	"github.com/fjellauth/oidcbroker/providers"
	"github.com/fjellauth/oidcbroker/storage"
)

// Principal is the typed claim set handed to the token minter. Standard
// claims have named fields; provider-specific extension claims live in
// ProviderClaims (claim type to values). No dynamic claim bag exists
// anywhere in the flow.
type Principal struct {
	Subject    string
	SessionID  string
	Issuer     string
	PID        string
	ExternalID string
	PartyUUID  string
	PartyID    int64
	UserID     int64
	UserName   string
	ACR        string
	AMR        []string
	Nonce      string
	AuthTime   time.Time
	Scopes     []string

	ProviderClaims map[string][]string
}

// TokenMinter is the external token-issuance capability: it turns a
// Principal into signed token strings. Certificate management and signing
// mechanics live behind this interface.
type TokenMinter interface {
	// MintAccessToken produces a signed access token for the principal.
	MintAccessToken(ctx context.Context, principal *Principal, clientID string, ttl time.Duration) (string, error)

	// MintIDToken produces a signed ID token for the principal, audienced
	// to the client. The principal's nonce is echoed into the token.
	MintIDToken(ctx context.Context, principal *Principal, clientID string, ttl time.Duration) (string, error)
}

// SubjectMapper resolves a verified upstream identity to the local subject
// binding (party/profile enrichment). Consumed as an external collaborator
// contract; the default implementation derives the binding from the
// identity alone.
type SubjectMapper interface {
	Resolve(ctx context.Context, identity *providers.Identity) (storage.BindingContext, error)
}

// IdentitySubjectMapper is the default SubjectMapper: the upstream subject
// becomes the local subject id and the pid claim, when present, becomes the
// external id. Deployments with a party register plug in their own mapper.
type IdentitySubjectMapper struct{}

// Resolve implements SubjectMapper.
func (IdentitySubjectMapper) Resolve(_ context.Context, identity *providers.Identity) (storage.BindingContext, error) {
	binding := storage.BindingContext{
		SubjectID: identity.Subject,
		UserName:  identity.Name,
	}
	if pids, ok := identity.Claims["pid"]; ok && len(pids) > 0 {
		binding.ExternalID = pids[0]
	}
	return binding, nil
}

// principalFromCode builds the minting principal from a redeemed code row.
func principalFromCode(issuer string, code *storage.AuthCode) *Principal {
	return &Principal{
		Subject:        code.Binding.SubjectID,
		SessionID:      code.SessionID,
		Issuer:         issuer,
		PID:            code.Binding.ExternalID,
		ExternalID:     code.Binding.ExternalID,
		PartyUUID:      code.Binding.PartyUUID,
		PartyID:        code.Binding.PartyID,
		UserID:         code.Binding.UserID,
		UserName:       code.Binding.UserName,
		ACR:            code.ACR,
		AMR:            code.AMR,
		Nonce:          code.Nonce,
		AuthTime:       code.AuthTime,
		Scopes:         code.Scopes,
		ProviderClaims: code.ProviderClaims,
	}
}

// principalFromSession builds the minting principal for a refresh grant.
// No nonce: ID tokens minted on refresh carry no nonce binding.
func principalFromSession(issuer string, session *storage.Session, scopes []string) *Principal {
	return &Principal{
		Subject:        session.Binding.SubjectID,
		SessionID:      session.SID,
		Issuer:         issuer,
		PID:            session.Binding.ExternalID,
		ExternalID:     session.Binding.ExternalID,
		PartyUUID:      session.Binding.PartyUUID,
		PartyID:        session.Binding.PartyID,
		UserID:         session.Binding.UserID,
		UserName:       session.Binding.UserName,
		ACR:            session.ACR,
		AMR:            session.AMR,
		AuthTime:       session.AuthTime,
		Scopes:         scopes,
		ProviderClaims: session.ProviderClaims,
	}
}
