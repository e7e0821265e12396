package oidcbroker

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-jose/go-jose/v3"

	"github.com/fjellauth/oidcbroker/security"
	"github.com/fjellauth/oidcbroker/server"
	"github.com/fjellauth/oidcbroker/storage"
)

// jwksProvider is the slice of the key manager the transport needs.
type jwksProvider interface {
	PublicJWKS() jose.JSONWebKeySet
}

// Handler is the chi-based HTTP transport over the orchestration service.
// It parses wire requests, dispatches, and renders the outcome unions; all
// protocol decisions live in the server package.
type Handler struct {
	svc               *server.Service
	jwks              jwksProvider
	logger            *slog.Logger
	trustProxyHeaders bool
	trustedProxyCount int

	router chi.Router
}

// NewHandler wires the broker's HTTP routes.
func NewHandler(svc *server.Service, jwks jwksProvider, cfg *Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		svc:               svc,
		jwks:              jwks,
		logger:            logger,
		trustProxyHeaders: cfg.Server.TrustProxyHeaders,
		trustedProxyCount: cfg.Server.TrustedProxyCount,
	}

	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(h.securityHeaders)
	r.Use(h.httpMetrics)

	r.Get("/authorize", h.handleAuthorize)
	r.Post("/authorize", h.handleAuthorize)
	r.Get("/upstream/callback", h.handleUpstreamCallback)
	r.Post("/token", h.handleToken)

	r.Get("/interaction/{requestID}", h.handleInteractionPrompt)
	r.Post("/interaction/{requestID}", h.handleInteractionDecision)

	r.Get("/login", h.handleAppLogin)

	r.Get("/logout", h.handleLogout)
	r.Post("/logout", h.handleLogout)
	r.Get("/logout/upstream", h.handleUpstreamLogout)

	r.Get("/.well-known/openid-configuration", h.handleDiscovery)
	r.Get("/.well-known/jwks.json", h.handleJWKS)

	r.Get("/healthz", h.handleHealth)

	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.svc.Config.Issuer)
		next.ServeHTTP(w, r)
	})
}

// httpMetrics records per-request counters and latency, labeled by the chi
// route pattern rather than the raw path to keep cardinality bounded.
func (h *Handler) httpMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.svc.Instrumentation == nil {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		h.svc.Instrumentation.Metrics().RecordHTTPRequest(
			r.Context(), r.Method, endpoint, ww.Status(),
			float64(time.Since(start).Microseconds())/1000.0,
		)
	})
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.trustProxyHeaders, h.trustedProxyCount)
}

// ==================== /authorize ====================

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "malformed request")
		return
	}

	req := &server.AuthorizeRequest{
		ResponseType:        r.Form.Get("response_type"),
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		Nonce:               r.Form.Get("nonce"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
		ACRValues:           r.Form.Get("acr_values"),
		Prompt:              r.Form.Get("prompt"),
		UILocales:           r.Form.Get("ui_locales"),
		MaxAge:              r.Form.Get("max_age"),
		ResponseMode:        r.Form.Get("response_mode"),
		LoginHint:           r.Form.Get("login_hint"),
		IDTokenHint:         r.Form.Get("id_token_hint"),
		RequestURI:          r.Form.Get("request_uri"),
		RequestObject:       r.Form.Get("request"),
		IPAddress:           h.clientIP(r),
		UserAgent:           r.UserAgent(),
		CorrelationID:       security.GetRequestID(r.Context()),
	}

	h.renderAuthorizeOutcome(w, r, h.svc.Authorize(r.Context(), req))
}

func (h *Handler) renderAuthorizeOutcome(w http.ResponseWriter, r *http.Request, outcome server.AuthorizeOutcome) {
	switch o := outcome.(type) {
	case *server.RedirectUpstream:
		setCookies(w, o.Cookies)
		http.Redirect(w, r, o.URL, http.StatusFound)
	case *server.ErrorRedirectToClient:
		http.Redirect(w, r, o.Location(), http.StatusFound)
	case *server.RenderInteraction:
		http.Redirect(w, r, "/interaction/"+url.PathEscape(o.RequestID), http.StatusFound)
	case *server.LocalError:
		h.writeJSONError(w, o.Status, o.ErrorCode, o.ErrorDescription)
	default:
		h.logger.Error("Unhandled authorize outcome", "type", outcomeName(outcome))
		h.writeJSONError(w, http.StatusInternalServerError, ErrorCodeServerError, "internal error")
	}
}

// ==================== /upstream/callback ====================

func (h *Handler) handleUpstreamCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := &server.UpstreamCallbackInput{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		Issuer:           q.Get("iss"),
		IPAddress:        h.clientIP(r),
		CorrelationID:    security.GetRequestID(r.Context()),
	}

	switch o := h.svc.HandleUpstreamCallback(r.Context(), in).(type) {
	case *server.RedirectToClient:
		setCookies(w, o.Cookies)
		http.Redirect(w, r, o.Location(), http.StatusFound)
	case *server.RedirectToGoTo:
		setCookies(w, o.Cookies)
		http.Redirect(w, r, o.URL, http.StatusFound)
	case *server.ErrorRedirectToClient:
		http.Redirect(w, r, o.Location(), http.StatusFound)
	case *server.LocalError:
		h.writeJSONError(w, o.Status, o.ErrorCode, o.ErrorDescription)
	default:
		h.logger.Error("Unhandled callback outcome", "type", outcomeName(o))
		h.writeJSONError(w, http.StatusInternalServerError, ErrorCodeServerError, "internal error")
	}
}

// ==================== /token ====================

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "malformed request")
		return
	}

	req := &server.TokenRequest{
		GrantType:     r.PostForm.Get("grant_type"),
		Code:          r.PostForm.Get("code"),
		RedirectURI:   r.PostForm.Get("redirect_uri"),
		ClientID:      r.PostForm.Get("client_id"),
		ClientSecret:  r.PostForm.Get("client_secret"),
		CodeVerifier:  r.PostForm.Get("code_verifier"),
		RefreshToken:  r.PostForm.Get("refresh_token"),
		Scope:         r.PostForm.Get("scope"),
		IPAddress:     h.clientIP(r),
		CorrelationID: security.GetRequestID(r.Context()),
	}

	// client_secret_basic: credentials in the Authorization header win over
	// body parameters. RFC 6749 requires form-urlencoding inside basic auth.
	if id, secret, ok := r.BasicAuth(); ok {
		if decoded, err := url.QueryUnescape(id); err == nil {
			req.ClientID = decoded
		}
		if decoded, err := url.QueryUnescape(secret); err == nil {
			req.ClientSecret = decoded
		}
	}

	resp, terr := h.svc.Token(r.Context(), req)
	if terr != nil {
		h.writeTokenError(w, terr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode token response", "error", err)
	}
}

func (h *Handler) writeTokenError(w http.ResponseWriter, terr *server.TokenError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if terr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	w.WriteHeader(terr.Status)
	if err := json.NewEncoder(w).Encode(terr); err != nil {
		h.logger.Error("Failed to encode token error", "error", err)
	}
}

// ==================== interaction ====================

var interactionTemplate = template.Must(template.New("interaction").Parse(`<!DOCTYPE html>
<html>
<head><title>Continue sign-in</title></head>
<body>
<h1>Continue sign-in</h1>
<form method="POST" action="/interaction/{{.RequestID}}">
  <button type="submit" name="decision" value="allow">Continue</button>
  <button type="submit" name="decision" value="deny">Cancel</button>
</form>
</body>
</html>`))

func (h *Handler) handleInteractionPrompt(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := interactionTemplate.Execute(w, struct{ RequestID string }{RequestID: requestID}); err != nil {
		h.logger.Error("Failed to render interaction page", "error", err)
	}
}

func (h *Handler) handleInteractionDecision(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "malformed request")
		return
	}
	requestID := chi.URLParam(r, "requestID")
	granted := r.PostForm.Get("decision") == "allow"
	h.renderAuthorizeOutcome(w, r, h.svc.ResumeInteraction(r.Context(), requestID, granted))
}

// ==================== clientless app login ====================

func (h *Handler) handleAppLogin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	diag := storage.Diagnostics{
		IPAddress:     h.clientIP(r),
		CorrelationID: security.GetRequestID(r.Context()),
	}
	outcome := h.svc.StartAppLogin(r.Context(), q.Get("app"), q.Get("goto"), q.Get("provider"), diag)
	h.renderAuthorizeOutcome(w, r, outcome)
}

// ==================== logout ====================

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "malformed request")
		return
	}

	req := &server.LogoutRequest{
		PostLogoutRedirectURI: r.Form.Get("post_logout_redirect_uri"),
		ClientID:              r.Form.Get("client_id"),
		State:                 r.Form.Get("state"),
	}
	if cookie, err := r.Cookie(h.svc.Config.SessionCookieName); err == nil {
		req.SessionHandle = cookie.Value
	}

	result, err := h.svc.Logout(r.Context(), req)
	if err != nil {
		h.logger.Error("Logout failed", "error", err)
		h.writeJSONError(w, http.StatusInternalServerError, ErrorCodeServerError, "internal error")
		return
	}

	setCookies(w, result.Cookies)
	if result.RedirectURI != "" {
		target := result.RedirectURI
		if result.State != "" {
			u, err := url.Parse(target)
			if err == nil {
				q := u.Query()
				q.Set("state", result.State)
				u.RawQuery = q.Encode()
				target = u.String()
			}
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<!DOCTYPE html><html><body><h1>Signed out</h1></body></html>"))
}

// handleUpstreamLogout consumes OIDC front-channel logout from an upstream
// provider: iss and sid query parameters identify the upstream session.
func (h *Handler) handleUpstreamLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, err := h.svc.HandleUpstreamLogout(r.Context(), q.Get("iss"), q.Get("sid"))
	if err != nil {
		h.logger.Error("Upstream logout fan-out failed", "error", err)
		h.writeJSONError(w, http.StatusInternalServerError, ErrorCodeServerError, "internal error")
		return
	}
	h.logger.Info("Upstream logout processed", "sessions_terminated", count)
	w.WriteHeader(http.StatusOK)
}

// ==================== discovery ====================

func (h *Handler) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := strings.TrimSuffix(h.svc.Config.Issuer, "/")
	meta := ProviderMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		JWKSURI:                           issuer + "/.well-known/jwks.json",
		EndSessionEndpoint:                issuer + "/logout",
		ScopesSupported:                   h.svc.Config.SupportedScopes,
		ResponseTypesSupported:            []string{"code"},
		ResponseModesSupported:            []string{"query"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		SubjectTypesSupported:             []string{"public", "pairwise"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		ClaimsSupported:                   []string{"sub", "sid", "acr", "amr", "auth_time", "nonce", "name", "pid"},
		FrontchannelLogoutSupported:       true,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := json.NewEncoder(w).Encode(meta); err != nil {
		h.logger.Error("Failed to encode discovery document", "error", err)
	}
}

func (h *Handler) handleJWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := json.NewEncoder(w).Encode(h.jwks.PublicJWKS()); err != nil {
		h.logger.Error("Failed to encode JWKS", "error", err)
	}
}

// ==================== health ====================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// ==================== helpers ====================

func setCookies(w http.ResponseWriter, cookies []*http.Cookie) {
	for _, c := range cookies {
		http.SetCookie(w, c)
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: code, ErrorDescription: description}); err != nil {
		h.logger.Error("Failed to encode error response", "error", err)
	}
}

func outcomeName(outcome any) string {
	return fmt.Sprintf("%T", outcome)
}
