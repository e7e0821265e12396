package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/fjellauth/oidcbroker/providers"
	"github.com/fjellauth/oidcbroker/security"
	"github.com/fjellauth/oidcbroker/storage"
)

// Authorize runs the downstream /authorize flow: validation, client policy,
// transaction persistence, upstream routing, and the redirect to the chosen
// identity provider.
//
// Error surfacing follows the OIDC redirect rules: a protocol error is
// redirected to the client only when redirect trust is established (known,
// enabled client and exact registered redirect URI). An unknown client
// always yields a local error; its redirect_uri cannot be trusted.
func (s *Service) Authorize(ctx context.Context, req *AuthorizeRequest) AuthorizeOutcome {
	if s.RateLimiter != nil && req.IPAddress != "" && !s.RateLimiter.Allow(req.IPAddress) {
		if s.Auditor != nil {
			s.Auditor.LogRateLimitExceeded(req.IPAddress, "")
		}
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, "ip")
		}
		return &LocalError{
			Status:           http.StatusTooManyRequests,
			ErrorCode:        ErrorCodeInvalidRequest,
			ErrorDescription: "too many requests",
		}
	}

	norm, verr := ValidateAuthorizeRequest(req)
	client, redirectTrusted := s.establishRedirectTrust(ctx, req)

	if verr != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, req.IPAddress, verr.Code)
		}
		if redirectTrusted && verr.RedirectSafe {
			return &ErrorRedirectToClient{
				RedirectURI:      req.RedirectURI,
				ErrorCode:        verr.Code,
				ErrorDescription: verr.Description,
				State:            req.State,
			}
		}
		return &LocalError{
			Status:           http.StatusBadRequest,
			ErrorCode:        verr.Code,
			ErrorDescription: verr.Description,
		}
	}

	if client == nil {
		// Unknown or disabled client: never redirect to an unverified
		// destination for it.
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, req.IPAddress, ErrorCodeInvalidClient)
		}
		return &LocalError{
			Status:           http.StatusBadRequest,
			ErrorCode:        ErrorCodeInvalidClient,
			ErrorDescription: "unknown client",
		}
	}

	if !redirectTrusted {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, req.IPAddress, "redirect_uri_not_registered")
		}
		return &LocalError{
			Status:           http.StatusBadRequest,
			ErrorCode:        ErrorCodeInvalidRequest,
			ErrorDescription: "redirect_uri is not registered for this client",
		}
	}

	if policyErr := s.checkClientPolicy(client, norm); policyErr != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, req.IPAddress, policyErr.Code)
		}
		return &ErrorRedirectToClient{
			RedirectURI:      norm.RedirectURI,
			ErrorCode:        policyErr.Code,
			ErrorDescription: policyErr.Description,
			State:            norm.State,
		}
	}

	tx, err := s.store.InsertLoginTransaction(ctx, &storage.LoginTransactionCreate{
		ClientID:            norm.ClientID,
		RedirectURI:         norm.RedirectURI,
		Scopes:              norm.Scopes,
		State:               norm.State,
		Nonce:               norm.Nonce,
		ACRValues:           norm.ACRValues,
		Prompts:             norm.Prompts,
		UILocales:           norm.UILocales,
		MaxAge:              norm.MaxAge,
		CodeChallenge:       norm.CodeChallenge,
		CodeChallengeMethod: norm.CodeChallengeMethod,
		RequestURIRef:       norm.RequestURI,
		RequestObjectRef:    norm.RequestObject,
		Diagnostics:         diagnosticsFor(req),
		TTL:                 s.Config.LoginTransactionTTL,
	})
	if err != nil {
		s.Logger.Error("Failed to persist login transaction", "error", err, "client_id", norm.ClientID)
		return &LocalError{
			Status:    http.StatusInternalServerError,
			ErrorCode: ErrorCodeServerError,
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:          security.EventAuthorizationFlowStarted,
			ClientID:      norm.ClientID,
			IPAddress:     req.IPAddress,
			CorrelationID: req.CorrelationID,
			Details: map[string]any{
				"scopes": norm.Scopes,
			},
		})
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordAuthorizationStarted(ctx, norm.ClientID)
	}

	// Consent or actor selection stops the pipeline here; the transport
	// renders the interaction against the pending transaction.
	if client.RequireConsent || containsFold(norm.Prompts, "consent") {
		return &RenderInteraction{Kind: "consent", RequestID: tx.RequestID}
	}
	if client.RequireActorSelection {
		return &RenderInteraction{Kind: "actor_selection", RequestID: tx.RequestID}
	}

	return s.routeUpstream(ctx, client, tx, norm)
}

// routeUpstream picks the upstream provider, persists the outbound
// transaction with fresh state/nonce/PKCE material, and composes the
// redirect.
func (s *Service) routeUpstream(ctx context.Context, client *storage.Client, tx *storage.LoginTransaction, norm *NormalizedRequest) AuthorizeOutcome {
	provider, ok := s.chooseProvider(client, norm)
	if !ok {
		return &ErrorRedirectToClient{
			RedirectURI:      norm.RedirectURI,
			ErrorCode:        ErrorCodeAccessDenied,
			ErrorDescription: "no eligible identity provider for this request",
			State:            norm.State,
		}
	}

	endpoints, err := provider.Endpoints(ctx)
	if err != nil {
		s.Logger.Error("Upstream discovery failed", "provider", provider.Name(), "error", err)
		return &LocalError{
			Status:    http.StatusBadGateway,
			ErrorCode: ErrorCodeServerError,
		}
	}

	// Fresh unguessable material for the upstream leg. The verifier stays
	// inside the upstream transaction store; only the derived challenge
	// travels.
	upstreamState := generateRandomToken()
	upstreamNonce := generateRandomToken()
	codeVerifier := oauth2.GenerateVerifier()
	codeChallenge := deriveS256Challenge(codeVerifier)

	upstreamTx, err := s.store.InsertUpstreamTransaction(ctx, &storage.UpstreamLoginTransactionCreate{
		RequestID:             tx.RequestID,
		Provider:              provider.Name(),
		UpstreamClientID:      client.ClientID,
		AuthorizationEndpoint: endpoints.AuthorizationEndpoint,
		TokenEndpoint:         endpoints.TokenEndpoint,
		JWKSURI:               endpoints.JWKSURI,
		RedirectURI:           s.Config.Issuer + "/upstream/callback",
		State:                 upstreamState,
		Nonce:                 upstreamNonce,
		Scopes:                provider.DefaultScopes(),
		ACRValues:             norm.ACRValues,
		Prompts:               norm.Prompts,
		UILocales:             norm.UILocales,
		MaxAge:                norm.MaxAge,
		CodeVerifier:          codeVerifier,
		CodeChallenge:         codeChallenge,
		Diagnostics:           tx.Diagnostics,
		TTL:                   s.Config.LoginTransactionTTL,
	})
	if err != nil {
		s.Logger.Error("Failed to persist upstream transaction", "error", err, "provider", provider.Name())
		return &LocalError{
			Status:    http.StatusInternalServerError,
			ErrorCode: ErrorCodeServerError,
		}
	}

	if ok, err := s.store.AttachUpstreamRequest(ctx, tx.RequestID, upstreamTx.UpstreamRequestID); err != nil || !ok {
		s.Logger.Error("Failed to attach upstream transaction",
			"error", err,
			"request_id", tx.RequestID)
		return &LocalError{
			Status:    http.StatusInternalServerError,
			ErrorCode: ErrorCodeServerError,
		}
	}

	authURL, err := provider.AuthorizationURL(ctx, upstreamAuthRequest(upstreamTx))
	if err != nil {
		s.Logger.Error("Failed to compose upstream authorize URL", "provider", provider.Name(), "error", err)
		return &LocalError{
			Status:    http.StatusInternalServerError,
			ErrorCode: ErrorCodeServerError,
		}
	}

	return &RedirectUpstream{
		URL: authURL,
		Cookies: []*http.Cookie{
			s.flowCookie(tx.RequestID, tx.ExpiresAt),
		},
	}
}

// checkClientPolicy applies the client-level checks that follow structural
// validation: scope subset and PKCE method policy.
func (s *Service) checkClientPolicy(client *storage.Client, norm *NormalizedRequest) *ValidationError {
	if !client.Enabled {
		return &ValidationError{Code: ErrorCodeUnauthorizedClient, Description: "client is disabled"}
	}
	if len(s.Config.SupportedScopes) > 0 {
		for _, scope := range norm.Scopes {
			if !containsFold(s.Config.SupportedScopes, scope) {
				return &ValidationError{Code: ErrorCodeInvalidScope, Description: "unsupported scope"}
			}
		}
	}
	if !AreScopesAllowed(client, norm.Scopes) {
		// Generic description; naming the offending scope would let a
		// client fingerprint another client's registration.
		return &ValidationError{Code: ErrorCodeInvalidScope, Description: "client is not authorized for one or more requested scopes"}
	}
	if !IsPKCEMethodAllowed(client, norm.CodeChallengeMethod) {
		return &ValidationError{Code: ErrorCodeInvalidRequest, Description: "code_challenge_method not allowed for this client"}
	}
	return nil
}

// establishRedirectTrust resolves the client and checks exact redirect URI
// membership. Returns the client (nil when unknown or disabled) and whether
// an error redirect to req.RedirectURI is safe.
func (s *Service) establishRedirectTrust(ctx context.Context, req *AuthorizeRequest) (*storage.Client, bool) {
	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil || client == nil || !client.Enabled {
		return nil, false
	}
	return client, IsRedirectURIAllowed(client, req.RedirectURI)
}

// ResumeInteraction continues a transaction parked on RenderInteraction
// after the embedder reports the interaction complete (consent granted,
// actor chosen). Denied interactions cancel the transaction.
func (s *Service) ResumeInteraction(ctx context.Context, requestID string, granted bool) AuthorizeOutcome {
	tx, err := s.store.GetLoginTransaction(ctx, requestID)
	if err != nil {
		return &LocalError{
			Status:           http.StatusBadRequest,
			ErrorCode:        ErrorCodeInvalidRequest,
			ErrorDescription: "unknown or expired login transaction",
		}
	}
	if tx.Status != storage.TransactionPending || time.Now().After(tx.ExpiresAt) {
		return &LocalError{
			Status:           http.StatusBadRequest,
			ErrorCode:        ErrorCodeInvalidRequest,
			ErrorDescription: "login transaction is no longer pending",
		}
	}

	if !granted {
		if _, err := s.store.CancelLoginTransaction(ctx, requestID); err != nil {
			s.Logger.Warn("Failed to cancel login transaction", "request_id", requestID, "error", err)
		}
		return &ErrorRedirectToClient{
			RedirectURI:      tx.RedirectURI,
			ErrorCode:        ErrorCodeAccessDenied,
			ErrorDescription: "the end user denied the request",
			State:            tx.State,
		}
	}

	client, err := s.clients.GetClient(ctx, tx.ClientID)
	if err != nil {
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	return s.routeUpstream(ctx, client, tx, &NormalizedRequest{
		ClientID:            tx.ClientID,
		RedirectURI:         tx.RedirectURI,
		Scopes:              tx.Scopes,
		State:               tx.State,
		Nonce:               tx.Nonce,
		CodeChallenge:       tx.CodeChallenge,
		CodeChallengeMethod: tx.CodeChallengeMethod,
		ACRValues:           tx.ACRValues,
		Prompts:             tx.Prompts,
		UILocales:           tx.UILocales,
		MaxAge:              tx.MaxAge,
	})
}

// flowCookie is the short-lived correlation cookie set for the upstream
// round trip. Carries only the opaque request id.
func (s *Service) flowCookie(requestID string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     s.Config.FlowCookieName,
		Value:    requestID,
		Path:     "/",
		Domain:   s.Config.CookieDomain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

func diagnosticsFor(req *AuthorizeRequest) storage.Diagnostics {
	return storage.Diagnostics{
		IPAddress:     req.IPAddress,
		UserAgentHash: hashUserAgent(req.UserAgent),
		CorrelationID: req.CorrelationID,
	}
}

func hashUserAgent(ua string) string {
	if ua == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ua))
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

// deriveS256Challenge derives the PKCE challenge for a verifier.
func deriveS256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

func upstreamAuthRequest(tx *storage.UpstreamLoginTransaction) providers.AuthRequest {
	return providers.AuthRequest{
		State:         tx.State,
		Nonce:         tx.Nonce,
		CodeChallenge: tx.CodeChallenge,
		Scopes:        tx.Scopes,
		ACRValues:     tx.ACRValues,
		Prompts:       tx.Prompts,
		UILocales:     tx.UILocales,
		MaxAge:        tx.MaxAge,
	}
}
