package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fjellauth/oidcbroker/security"
	"github.com/fjellauth/oidcbroker/storage"
)

// TokenRequest is the parsed /token form body plus request diagnostics.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string

	IPAddress     string
	CorrelationID string
}

// TokenResponse is the successful /token JSON body.
type TokenResponse struct {
	AccessToken           string `json:"access_token"`
	TokenType             string `json:"token_type"`
	ExpiresIn             int64  `json:"expires_in"`
	IDToken               string `json:"id_token,omitempty"`
	Scope                 string `json:"scope,omitempty"`
	RefreshToken          string `json:"refresh_token,omitempty"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in,omitempty"`
}

// TokenError is an OIDC token endpoint error with its HTTP status.
type TokenError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *TokenError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func invalidGrant() *TokenError {
	// One description for every grant failure. Distinguishing "not found"
	// from "expired" from "already used" is an oracle.
	return &TokenError{
		Status:      http.StatusBadRequest,
		Code:        ErrorCodeInvalidGrant,
		Description: "invalid, expired, or already used grant",
	}
}

func invalidClient(description string) *TokenError {
	return &TokenError{Status: http.StatusUnauthorized, Code: ErrorCodeInvalidClient, Description: description}
}

func serverError() *TokenError {
	return &TokenError{Status: http.StatusInternalServerError, Code: ErrorCodeServerError}
}

// Token handles the /token endpoint for the authorization_code and
// refresh_token grants.
func (s *Service) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, *TokenError) {
	if s.RateLimiter != nil && req.IPAddress != "" && !s.RateLimiter.Allow(req.IPAddress) {
		if s.Auditor != nil {
			s.Auditor.LogRateLimitExceeded(req.IPAddress, "")
		}
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, "ip")
		}
		return nil, &TokenError{
			Status:      http.StatusTooManyRequests,
			Code:        ErrorCodeInvalidRequest,
			Description: "too many requests",
		}
	}

	client, terr := s.authenticateClient(ctx, req)
	if terr != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, req.IPAddress, terr.Code)
		}
		return nil, terr
	}

	switch req.GrantType {
	case "authorization_code":
		return s.redeemAuthorizationCode(ctx, client, req)
	case "refresh_token":
		return s.rotateRefreshToken(ctx, client, req)
	default:
		return nil, &TokenError{
			Status:      http.StatusBadRequest,
			Code:        ErrorCodeUnsupportedGrantType,
			Description: "grant_type must be authorization_code or refresh_token",
		}
	}
}

// authenticateClient applies the client's registered token endpoint auth
// method. Public clients authenticate by PKCE alone; confidential clients
// present a secret verified against the stored bcrypt hash.
func (s *Service) authenticateClient(ctx context.Context, req *TokenRequest) (*storage.Client, *TokenError) {
	if req.ClientID == "" {
		return nil, invalidClient("client_id is required")
	}
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil || client == nil || !client.Enabled {
		return nil, invalidClient("client authentication failed")
	}

	switch client.TokenEndpointAuthMethod {
	case "none":
		if req.ClientSecret != "" {
			return nil, invalidClient("public client must not send a secret")
		}
		if req.GrantType == "authorization_code" && req.CodeVerifier == "" {
			return nil, &TokenError{
				Status:      http.StatusBadRequest,
				Code:        ErrorCodeInvalidRequest,
				Description: "code_verifier is required for public clients",
			}
		}
	case "client_secret_basic", "client_secret_post", "":
		if req.ClientSecret == "" {
			return nil, invalidClient("client authentication failed")
		}
		if client.SecretExpired(time.Now()) {
			return nil, invalidClient("client secret has expired")
		}
		if err := s.clients.ValidateSecret(ctx, client.ClientID, req.ClientSecret); err != nil {
			return nil, invalidClient("client authentication failed")
		}
	default:
		return nil, invalidClient("unsupported client authentication method")
	}
	return client, nil
}

// redeemAuthorizationCode runs the authorization_code grant: atomic
// single-use consumption, PKCE verification, minting, and refresh token
// issuance.
func (s *Service) redeemAuthorizationCode(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, *TokenError) {
	if req.Code == "" || req.RedirectURI == "" {
		return nil, &TokenError{
			Status:      http.StatusBadRequest,
			Code:        ErrorCodeInvalidRequest,
			Description: "code and redirect_uri are required",
		}
	}
	if err := ValidateCodeVerifierFormat(req.CodeVerifier); err != nil {
		return nil, &TokenError{
			Status:      http.StatusBadRequest,
			Code:        ErrorCodeInvalidRequest,
			Description: "malformed code_verifier",
		}
	}

	// Preview read before the conditional consume. The preview only sees
	// unused, unexpired rows; the consume is what guarantees at-most-once.
	preview, err := s.store.GetAuthCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidGrant()
		}
		s.Logger.Error("Authorization code lookup failed", "error", err)
		return nil, serverError()
	}

	consumed, err := s.store.TryConsumeAuthCode(ctx, req.Code, client.ClientID, req.RedirectURI, time.Now())
	if err != nil {
		s.Logger.Error("Authorization code consume failed", "error", err)
		return nil, serverError()
	}
	if !consumed {
		// The preview succeeded moments ago, so this is either a parallel
		// redemption or a client/redirect mismatch. Both look identical to
		// the caller.
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordCodeReuseDetected(ctx)
		}
		if s.Auditor != nil && s.allowSecurityEvent("code_reuse:"+client.ClientID) {
			s.Auditor.LogReplayDetected("authorization_code", preview.Binding.SubjectID, client.ClientID, "")
		}
		return nil, invalidGrant()
	}

	if !VerifyPKCES256(preview.CodeChallenge, req.CodeVerifier) {
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordPKCEValidationFailed(ctx, preview.CodeChallengeMethod)
		}
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				SubjectID: preview.Binding.SubjectID,
				ClientID:  client.ClientID,
				IPAddress: req.IPAddress,
			})
		}
		return nil, invalidGrant()
	}

	principal := principalFromCode(s.Config.Issuer, preview)
	resp, terr := s.mintTokens(ctx, principal, client.ClientID)
	if terr != nil {
		return nil, terr
	}

	refresh, refreshTTL, terr := s.issueRefreshToken(ctx, client.ClientID, preview.Binding, preview.SessionID, preview.Scopes)
	if terr != nil {
		return nil, terr
	}
	resp.RefreshToken = refresh
	resp.RefreshTokenExpiresIn = int64(refreshTTL.Seconds())

	s.touchSession(ctx, preview.SessionID)

	if s.Auditor != nil {
		s.Auditor.LogCodeRedeemed(preview.Binding.SubjectID, client.ClientID, preview.Scopes)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCodeExchange(ctx, client.ClientID, preview.CodeChallengeMethod)
	}
	return resp, nil
}

// rotateRefreshToken runs the refresh_token grant: lookup by HMAC key,
// PBKDF2 verification, rotation, and reuse detection with family-wide
// revocation.
func (s *Service) rotateRefreshToken(ctx context.Context, client *storage.Client, req *TokenRequest) (*TokenResponse, *TokenError) {
	if req.RefreshToken == "" {
		return nil, &TokenError{
			Status:      http.StatusBadRequest,
			Code:        ErrorCodeInvalidRequest,
			Description: "refresh_token is required",
		}
	}

	row, err := s.store.GetRefreshTokenByLookupKey(ctx, s.hasher.LookupKey(req.RefreshToken))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalidGrant()
		}
		s.Logger.Error("Refresh token lookup failed", "error", err)
		return nil, serverError()
	}
	if !s.hasher.Verify(req.RefreshToken, row.Hash, row.Salt, row.Iterations) {
		return nil, invalidGrant()
	}

	if row.ClientID != client.ClientID {
		// A token presented by a different client is an exfiltration
		// signal, not a mistake. Kill the whole chain.
		s.revokeFamilyForReuse(ctx, row, client.ClientID, "cross_client_use")
		return nil, invalidGrant()
	}

	if row.Status != storage.RefreshTokenActive {
		s.revokeFamilyForReuse(ctx, row, client.ClientID, "reuse_detected")
		return nil, invalidGrant()
	}

	now := time.Now()
	grace := s.Config.ClockSkewGracePeriod
	if security.IsTokenExpiredWithGracePeriod(row.ExpiresAt, grace) ||
		security.IsTokenExpiredWithGracePeriod(row.AbsoluteExpiresAt, grace) {
		return nil, invalidGrant()
	}

	family, err := s.store.GetFamily(ctx, row.FamilyID)
	if err != nil {
		s.Logger.Error("Refresh token family lookup failed", "error", err, "family_id", row.FamilyID)
		return nil, serverError()
	}
	if family.Revoked() {
		return nil, invalidGrant()
	}

	session, err := s.store.GetSessionBySID(ctx, row.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The session behind the chain is gone; the chain dies with it.
			if err := s.store.RevokeFamily(ctx, row.FamilyID, "session_terminated"); err != nil {
				s.Logger.Error("Failed to revoke family for dead session", "error", err)
			}
			return nil, invalidGrant()
		}
		s.Logger.Error("Session lookup failed", "error", err, "sid", row.SessionID)
		return nil, serverError()
	}

	successor, raw, terr := s.insertSuccessorToken(ctx, row, now)
	if terr != nil {
		return nil, terr
	}

	rotated, err := s.store.MarkRefreshTokenUsed(ctx, row.TokenID, successor.TokenID)
	if err != nil {
		s.Logger.Error("Refresh token rotation failed", "error", err)
		return nil, serverError()
	}
	if !rotated {
		// Lost a rotation race: a parallel request already consumed this
		// token. Treat as reuse; the cascade also revokes the successor.
		s.revokeFamilyForReuse(ctx, row, client.ClientID, "reuse_detected")
		return nil, invalidGrant()
	}

	principal := principalFromSession(s.Config.Issuer, session, row.Scopes)
	resp, terr := s.mintTokens(ctx, principal, client.ClientID)
	if terr != nil {
		return nil, terr
	}
	resp.RefreshToken = raw
	resp.RefreshTokenExpiresIn = int64(time.Until(successor.ExpiresAt).Seconds())

	s.touchSession(ctx, session.SID)

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(session.Binding.SubjectID, client.ClientID, row.FamilyID)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenRefresh(ctx, client.ClientID, true)
	}
	return resp, nil
}

// mintTokens produces the access and ID tokens for a principal.
func (s *Service) mintTokens(ctx context.Context, principal *Principal, clientID string) (*TokenResponse, *TokenError) {
	accessToken, err := s.minter.MintAccessToken(ctx, principal, clientID, s.Config.AccessTokenTTL)
	if err != nil {
		s.Logger.Error("Access token minting failed", "error", err, "client_id", clientID)
		return nil, serverError()
	}
	idToken, err := s.minter.MintIDToken(ctx, principal, clientID, s.Config.IDTokenTTL)
	if err != nil {
		s.Logger.Error("ID token minting failed", "error", err, "client_id", clientID)
		return nil, serverError()
	}
	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.Config.AccessTokenTTL.Seconds()),
		IDToken:     idToken,
		Scope:       joinScopes(principal.Scopes),
	}, nil
}

// issueRefreshToken creates the first token of a (possibly existing)
// family. The raw token leaves this function only as the return value; the
// store sees the HMAC lookup key and the PBKDF2 verifier.
func (s *Service) issueRefreshToken(ctx context.Context, clientID string, binding storage.BindingContext, sessionID string, scopes []string) (string, time.Duration, *TokenError) {
	family, err := s.store.GetOrCreateFamily(ctx, clientID, binding.SubjectID, sessionID)
	if err != nil {
		s.Logger.Error("Refresh token family resolution failed", "error", err)
		return "", 0, serverError()
	}

	raw := security.GenerateHighEntropyToken()
	hash, salt, iterations, err := s.hasher.Hash(raw)
	if err != nil {
		s.Logger.Error("Refresh token hashing failed", "error", err)
		return "", 0, serverError()
	}

	now := time.Now()
	expiresAt := now.Add(s.Config.RefreshTokenTTL)
	absoluteExpiresAt := now.Add(s.Config.RefreshAbsoluteTTL)
	if expiresAt.After(absoluteExpiresAt) {
		expiresAt = absoluteExpiresAt
	}

	if _, err := s.store.InsertRefreshToken(ctx, &storage.RefreshTokenCreate{
		FamilyID:          family.FamilyID,
		LookupKey:         s.hasher.LookupKey(raw),
		Hash:              hash,
		Salt:              salt,
		Iterations:        iterations,
		ClientID:          clientID,
		SessionID:         sessionID,
		Binding:           binding,
		Scopes:            scopes,
		ExpiresAt:         expiresAt,
		AbsoluteExpiresAt: absoluteExpiresAt,
	}); err != nil {
		s.Logger.Error("Refresh token insert failed", "error", err)
		return "", 0, serverError()
	}
	return raw, time.Until(expiresAt), nil
}

// insertSuccessorToken creates the rotation successor for an active token.
// The sliding expiry advances but never past the chain's absolute cap.
func (s *Service) insertSuccessorToken(ctx context.Context, predecessor *storage.RefreshToken, now time.Time) (*storage.RefreshToken, string, *TokenError) {
	raw := security.GenerateHighEntropyToken()
	hash, salt, iterations, err := s.hasher.Hash(raw)
	if err != nil {
		s.Logger.Error("Refresh token hashing failed", "error", err)
		return nil, "", serverError()
	}

	expiresAt := now.Add(s.Config.RefreshTokenTTL)
	if expiresAt.After(predecessor.AbsoluteExpiresAt) {
		expiresAt = predecessor.AbsoluteExpiresAt
	}

	successor, err := s.store.InsertRefreshToken(ctx, &storage.RefreshTokenCreate{
		FamilyID:          predecessor.FamilyID,
		LookupKey:         s.hasher.LookupKey(raw),
		Hash:              hash,
		Salt:              salt,
		Iterations:        iterations,
		ClientID:          predecessor.ClientID,
		SessionID:         predecessor.SessionID,
		Binding:           predecessor.Binding,
		Scopes:            predecessor.Scopes,
		ExpiresAt:         expiresAt,
		AbsoluteExpiresAt: predecessor.AbsoluteExpiresAt,
	})
	if err != nil {
		s.Logger.Error("Refresh token insert failed", "error", err)
		return nil, "", serverError()
	}
	return successor, raw, nil
}

// revokeFamilyForReuse kills the whole rotation chain and records the
// security event.
func (s *Service) revokeFamilyForReuse(ctx context.Context, row *storage.RefreshToken, presentingClientID, reason string) {
	if err := s.store.RevokeFamily(ctx, row.FamilyID, reason); err != nil {
		s.Logger.Error("Family revocation failed", "error", err, "family_id", row.FamilyID)
	}
	if s.Auditor != nil && s.allowSecurityEvent("refresh_reuse:"+row.FamilyID) {
		s.Auditor.LogReplayDetected("refresh_token", row.Binding.SubjectID, presentingClientID, row.FamilyID)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenReuseDetected(ctx)
	}
	if s.Logger != nil {
		s.Logger.Warn("Refresh token reuse detected; family revoked",
			"family_id", row.FamilyID,
			"reason", reason)
	}
}

// touchSession records activity and slides the session expiry forward.
// Failures here are logged, never surfaced; the grant already succeeded.
func (s *Service) touchSession(ctx context.Context, sid string) {
	now := time.Now()
	if err := s.store.TouchSession(ctx, sid, now); err != nil {
		s.Logger.Warn("Session touch failed", "sid", sid, "error", err)
		return
	}
	if _, err := s.store.SlideSessionExpiry(ctx, sid, now.Add(s.Config.SessionTTL)); err != nil {
		s.Logger.Warn("Session expiry slide failed", "sid", sid, "error", err)
	}
}

func joinScopes(scopes []string) string {
	if len(scopes) == 0 {
		return ""
	}
	out := scopes[0]
	for _, scope := range scopes[1:] {
		out += " " + scope
	}
	return out
}
