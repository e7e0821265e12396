package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fjellauth/oidcbroker/providers"
	"github.com/fjellauth/oidcbroker/security"
	"github.com/fjellauth/oidcbroker/storage"
)

// UpstreamCallbackInput is the parsed upstream callback request.
type UpstreamCallbackInput struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
	Issuer           string // iss parameter, when the upstream sends one

	IPAddress     string
	CorrelationID string
}

// HandleUpstreamCallback processes the redirect back from the upstream
// identity provider: correlates by state, redeems the upstream code,
// verifies the identity, establishes the session, and either issues a
// downstream authorization code or forwards to the app's go-to URL.
//
// State correlation only matches non-terminal transactions, so a replayed
// callback for a completed flow yields a local error, never a second code.
func (s *Service) HandleUpstreamCallback(ctx context.Context, in *UpstreamCallbackInput) CallbackOutcome {
	if in.State == "" {
		return &LocalError{
			Status:           http.StatusBadRequest,
			ErrorCode:        ErrorCodeInvalidRequest,
			ErrorDescription: "missing state",
		}
	}

	utx, err := s.store.GetUpstreamForCallbackByState(ctx, in.State)
	if err != nil {
		// Unknown state, expired transaction, or a replay against a
		// terminal row. No redirect target can be trusted here.
		return &LocalError{
			Status:           http.StatusBadRequest,
			ErrorCode:        ErrorCodeInvalidRequest,
			ErrorDescription: "unknown or expired login",
		}
	}

	if in.Issuer != "" && utx.TokenEndpoint != "" && !issuerMatchesEndpoints(in.Issuer, utx) {
		s.Logger.Warn("Upstream callback iss mismatch",
			"provider", utx.Provider,
			"upstream_request_id", utx.UpstreamRequestID)
		return s.failUpstream(ctx, utx, "iss_mismatch", "callback issuer does not match transaction")
	}

	if in.Error != "" {
		return s.handleUpstreamError(ctx, utx, in)
	}

	if in.Code == "" {
		return s.failUpstream(ctx, utx, ErrorCodeInvalidRequest, "missing code")
	}

	ok, err := s.store.SetUpstreamCallbackSuccess(ctx, utx.UpstreamRequestID, in.Code, time.Now())
	if err != nil {
		s.Logger.Error("Failed to record upstream callback", "error", err)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}
	if !ok {
		// Lost the race against a concurrent callback for the same state.
		// The winner proceeds; this request is a duplicate.
		return &LocalError{
			Status:           http.StatusBadRequest,
			ErrorCode:        ErrorCodeInvalidRequest,
			ErrorDescription: "login already processed",
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:          security.EventUpstreamCallbackReceived,
			Provider:      utx.Provider,
			IPAddress:     in.IPAddress,
			CorrelationID: in.CorrelationID,
		})
	}

	provider, ok := s.providers[utx.Provider]
	if !ok {
		s.Logger.Error("Transaction references unconfigured provider", "provider", utx.Provider)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	identity, err := provider.Exchange(ctx, in.Code, utx.CodeVerifier, utx.Nonce)
	if err != nil {
		s.Logger.Warn("Upstream token exchange failed",
			"provider", utx.Provider,
			"error", err)
		if s.Auditor != nil && s.allowSecurityEvent("upstream_exchange:"+utx.Provider) {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventUpstreamNonceMismatch,
				Provider: utx.Provider,
				Details:  map[string]any{"error": safeTruncate(err.Error(), 200)},
			})
		}
		return s.failUpstream(ctx, utx, ErrorCodeAccessDenied, "upstream authentication could not be verified")
	}

	binding, err := s.subjects.Resolve(ctx, identity)
	if err != nil {
		s.Logger.Error("Subject resolution failed", "provider", utx.Provider, "error", err)
		return s.failUpstream(ctx, utx, ErrorCodeServerError, "subject resolution failed")
	}

	if ok, err := s.store.MarkUpstreamTokenExchanged(ctx, utx.UpstreamRequestID, &storage.UpstreamTokenResult{
		Issuer:             identity.Issuer,
		Subject:            identity.Subject,
		ACR:                identity.ACR,
		AuthTime:           identity.AuthTime,
		IDTokenJTI:         identity.IDTokenJTI,
		UpstreamSessionSID: identity.SessionSID,
	}); err != nil || !ok {
		s.Logger.Error("Failed to record token exchange",
			"error", err,
			"upstream_request_id", utx.UpstreamRequestID)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	session, handle, err := s.establishSession(ctx, utx, identity, binding)
	if err != nil {
		s.Logger.Error("Failed to establish session", "error", err)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCallbackProcessed(ctx, utx.Provider, true)
	}

	if utx.UnregisteredClientRequestID != "" {
		return s.completeAppFlow(ctx, utx, session, handle)
	}
	return s.completeClientFlow(ctx, utx, identity, binding, session, handle)
}

// completeClientFlow issues the downstream authorization code and composes
// the redirect back to the registered client.
func (s *Service) completeClientFlow(ctx context.Context, utx *storage.UpstreamLoginTransaction, identity *providers.Identity, binding storage.BindingContext, session *storage.Session, handle string) CallbackOutcome {
	tx, err := s.store.GetLoginTransaction(ctx, utx.RequestID)
	if err != nil {
		s.Logger.Error("Downstream transaction vanished", "request_id", utx.RequestID, "error", err)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	code := generateRandomToken()
	if _, err := s.store.InsertAuthCode(ctx, &storage.AuthCodeCreate{
		Code:                code,
		ClientID:            tx.ClientID,
		RedirectURI:         tx.RedirectURI,
		CodeChallenge:       tx.CodeChallenge,
		CodeChallengeMethod: tx.CodeChallengeMethod,
		Binding:             binding,
		SessionID:           session.SID,
		Scopes:              tx.Scopes,
		Nonce:               tx.Nonce,
		ACR:                 identity.ACR,
		AMR:                 identity.AMR,
		AuthTime:            identity.AuthTime,
		ProviderClaims:      identity.Claims,
		TTL:                 s.Config.AuthorizationCodeTTL,
	}); err != nil {
		s.Logger.Error("Failed to persist authorization code", "error", err)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	now := time.Now()
	if ok, err := s.store.MarkUpstreamCompleted(ctx, utx.UpstreamRequestID, true, now); err != nil || !ok {
		s.Logger.Error("Failed to complete upstream transaction",
			"error", err,
			"upstream_request_id", utx.UpstreamRequestID)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}
	if _, err := s.store.CompleteLoginTransaction(ctx, tx.RequestID, now); err != nil {
		s.Logger.Error("Failed to complete login transaction", "error", err, "request_id", tx.RequestID)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	if s.Auditor != nil {
		s.Auditor.LogCodeIssued(binding.SubjectID, tx.ClientID, utx.Provider, tx.Scopes)
	}

	return &RedirectToClient{
		RedirectURI: tx.RedirectURI,
		Code:        code,
		State:       tx.State,
		Cookies: []*http.Cookie{
			s.sessionCookie(handle, session.ExpiresAt),
			s.expiredFlowCookie(),
		},
	}
}

// completeAppFlow finishes a clientless login: no code is issued, the user
// agent continues to the validated go-to URL carrying the session cookie.
func (s *Service) completeAppFlow(ctx context.Context, utx *storage.UpstreamLoginTransaction, session *storage.Session, handle string) CallbackOutcome {
	req, err := s.store.GetUnregisteredClientRequest(ctx, utx.UnregisteredClientRequestID)
	if err != nil {
		s.Logger.Error("Unregistered client request vanished",
			"unregistered_client_request_id", utx.UnregisteredClientRequestID,
			"error", err)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	now := time.Now()
	if ok, err := s.store.MarkUpstreamCompleted(ctx, utx.UpstreamRequestID, true, now); err != nil || !ok {
		s.Logger.Error("Failed to complete upstream transaction", "error", err)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}
	if _, err := s.store.CompleteUnregisteredClientRequest(ctx, req.UnregisteredClientRequestID, now); err != nil {
		s.Logger.Error("Failed to complete unregistered client request", "error", err)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	// Re-check the allowlist at completion time; the configuration may have
	// changed since the request was created.
	if !s.goToAllowed(req.GoToURL) {
		return &LocalError{
			Status:           http.StatusBadRequest,
			ErrorCode:        ErrorCodeInvalidRequest,
			ErrorDescription: "go-to destination is not allowed",
		}
	}

	return &RedirectToGoTo{
		URL: req.GoToURL,
		Cookies: []*http.Cookie{
			s.sessionCookie(handle, session.ExpiresAt),
			s.expiredFlowCookie(),
		},
	}
}

// handleUpstreamError records an error callback and surfaces a mapped,
// non-verbatim error downstream. Upstream descriptions are logged, never
// forwarded.
func (s *Service) handleUpstreamError(ctx context.Context, utx *storage.UpstreamLoginTransaction, in *UpstreamCallbackInput) CallbackOutcome {
	if _, err := s.store.SetUpstreamCallbackError(ctx, utx.UpstreamRequestID, in.Error, in.ErrorDescription, time.Now()); err != nil {
		s.Logger.Error("Failed to record upstream error callback", "error", err)
	}
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:          security.EventUpstreamCallbackError,
			Provider:      utx.Provider,
			IPAddress:     in.IPAddress,
			CorrelationID: in.CorrelationID,
			Details: map[string]any{
				"upstream_error": safeTruncate(in.Error, 64),
			},
		})
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCallbackProcessed(ctx, utx.Provider, false)
	}

	code := ErrorCodeAccessDenied
	desc := "authentication was not completed"
	if in.Error != "access_denied" && in.Error != "login_required" && in.Error != "interaction_required" {
		code = ErrorCodeServerError
		desc = "the identity provider reported an error"
	}
	return s.failUpstream(ctx, utx, code, desc)
}

// failUpstream marks the upstream transaction failed and routes the error
// to the downstream client when one is bound, or renders locally for the
// clientless flow.
func (s *Service) failUpstream(ctx context.Context, utx *storage.UpstreamLoginTransaction, errorCode, description string) CallbackOutcome {
	now := time.Now()
	if _, err := s.store.MarkUpstreamCompleted(ctx, utx.UpstreamRequestID, false, now); err != nil {
		s.Logger.Error("Failed to fail upstream transaction", "error", err)
	}

	if utx.RequestID == "" {
		return &LocalError{
			Status:           http.StatusBadGateway,
			ErrorCode:        errorCode,
			ErrorDescription: description,
		}
	}

	tx, err := s.store.GetLoginTransaction(ctx, utx.RequestID)
	if err != nil {
		return &LocalError{Status: http.StatusBadRequest, ErrorCode: errorCode, ErrorDescription: description}
	}
	if _, err := s.store.CancelLoginTransaction(ctx, tx.RequestID); err != nil {
		s.Logger.Warn("Failed to cancel login transaction", "request_id", tx.RequestID, "error", err)
	}
	return &ErrorRedirectToClient{
		RedirectURI:      tx.RedirectURI,
		ErrorCode:        errorCode,
		ErrorDescription: description,
		State:            tx.State,
	}
}

// establishSession generates a fresh session handle, upserts the session
// row keyed on (upstream issuer, upstream sub), and returns the raw handle
// for the cookie. Only the hash is stored.
func (s *Service) establishSession(ctx context.Context, utx *storage.UpstreamLoginTransaction, identity *providers.Identity, binding storage.BindingContext) (*storage.Session, string, error) {
	handle := security.GenerateHighEntropyToken()
	session, err := s.store.UpsertSessionByUpstreamSub(ctx, &storage.SessionCreate{
		HandleHash:         s.hasher.HashSessionHandle(handle),
		UpstreamIssuer:     identity.Issuer,
		UpstreamSub:        identity.Subject,
		UpstreamSessionSID: identity.SessionSID,
		Binding:            binding,
		Provider:           utx.Provider,
		ACR:                identity.ACR,
		AMR:                identity.AMR,
		AuthTime:           identity.AuthTime,
		Scopes:             utx.Scopes,
		ProviderClaims:     identity.Claims,
		TTL:                s.Config.SessionTTL,
	})
	if err != nil {
		return nil, "", err
	}
	if s.Auditor != nil {
		s.Auditor.LogSessionUpserted(binding.SubjectID, utx.Provider, session.SID, session.CreatedAt.Equal(session.UpdatedAt))
	}
	return session, handle, nil
}

// StartAppLogin begins a clientless app login: valid go-to destinations are
// allowlisted per configuration, and the flow routes straight upstream with
// no downstream client involved.
func (s *Service) StartAppLogin(ctx context.Context, appName, goTo, providerName string, diag storage.Diagnostics) AuthorizeOutcome {
	if !s.goToAllowed(goTo) {
		return &LocalError{
			Status:           http.StatusBadRequest,
			ErrorCode:        ErrorCodeInvalidRequest,
			ErrorDescription: "go-to destination is not allowed",
		}
	}
	if providerName == "" {
		providerName = s.Config.DefaultProvider
	}
	provider, ok := s.providers[providerName]
	if !ok {
		return &LocalError{
			Status:           http.StatusBadRequest,
			ErrorCode:        ErrorCodeInvalidRequest,
			ErrorDescription: "unknown identity provider",
		}
	}

	req, err := s.store.InsertUnregisteredClientRequest(ctx, &storage.UnregisteredClientRequestCreate{
		AppName:     appName,
		GoToURL:     goTo,
		Provider:    provider.Name(),
		Scopes:      provider.DefaultScopes(),
		Diagnostics: diag,
		TTL:         s.Config.LoginTransactionTTL,
	})
	if err != nil {
		s.Logger.Error("Failed to persist unregistered client request", "error", err)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	return s.routeUpstreamForApp(ctx, provider, req)
}

func (s *Service) routeUpstreamForApp(ctx context.Context, provider providers.Provider, req *storage.UnregisteredClientRequest) AuthorizeOutcome {
	endpoints, err := provider.Endpoints(ctx)
	if err != nil {
		s.Logger.Error("Upstream discovery failed", "provider", provider.Name(), "error", err)
		return &LocalError{Status: http.StatusBadGateway, ErrorCode: ErrorCodeServerError}
	}

	codeVerifier := generateRandomToken()
	upstreamTx, err := s.store.InsertUpstreamTransaction(ctx, &storage.UpstreamLoginTransactionCreate{
		UnregisteredClientRequestID: req.UnregisteredClientRequestID,
		Provider:                    provider.Name(),
		AuthorizationEndpoint:       endpoints.AuthorizationEndpoint,
		TokenEndpoint:               endpoints.TokenEndpoint,
		JWKSURI:                     endpoints.JWKSURI,
		RedirectURI:                 s.Config.Issuer + "/upstream/callback",
		State:                       generateRandomToken(),
		Nonce:                       generateRandomToken(),
		Scopes:                      req.Scopes,
		ACRValues:                   req.ACRValues,
		UILocales:                   req.UILocales,
		CodeVerifier:                codeVerifier,
		CodeChallenge:               deriveS256Challenge(codeVerifier),
		Diagnostics:                 req.Diagnostics,
		TTL:                         s.Config.LoginTransactionTTL,
	})
	if err != nil {
		s.Logger.Error("Failed to persist upstream transaction", "error", err)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	authURL, err := provider.AuthorizationURL(ctx, upstreamAuthRequest(upstreamTx))
	if err != nil {
		s.Logger.Error("Failed to compose upstream authorize URL", "provider", provider.Name(), "error", err)
		return &LocalError{Status: http.StatusInternalServerError, ErrorCode: ErrorCodeServerError}
	}

	return &RedirectUpstream{URL: authURL}
}

// goToAllowed reports whether the go-to URL is absolute HTTPS with a host
// on the configured allowlist. Comparison is against the host only; paths
// are the app's business.
func (s *Service) goToAllowed(goTo string) bool {
	if len(s.Config.GoToAllowedHosts) == 0 {
		return false
	}
	u, err := url.Parse(goTo)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return false
	}
	for _, host := range s.Config.GoToAllowedHosts {
		if strings.EqualFold(u.Host, host) {
			return true
		}
	}
	return false
}

// sessionCookie carries the raw session handle to the user agent.
func (s *Service) sessionCookie(handle string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     s.Config.SessionCookieName,
		Value:    handle,
		Path:     "/",
		Domain:   s.Config.CookieDomain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// expiredFlowCookie clears the upstream correlation cookie.
func (s *Service) expiredFlowCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.Config.FlowCookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.Config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// issuerMatchesEndpoints checks the iss callback parameter against the
// endpoints captured when the transaction was created.
func issuerMatchesEndpoints(iss string, utx *storage.UpstreamLoginTransaction) bool {
	for _, endpoint := range []string{utx.AuthorizationEndpoint, utx.TokenEndpoint, utx.JWKSURI} {
		if endpoint != "" && strings.HasPrefix(endpoint, strings.TrimSuffix(iss, "/")) {
			return true
		}
	}
	return false
}
