package server

import (
	"net/http"
	"net/url"
)

// AuthorizeOutcome is the closed set of results an Authorize call can
// produce. One struct per variant keeps illegal payload combinations
// unrepresentable; transports switch over the concrete types and must
// handle all four.
type AuthorizeOutcome interface {
	isAuthorizeOutcome()
}

// RedirectUpstream sends the user agent to the chosen upstream identity
// provider.
type RedirectUpstream struct {
	// URL is the composed absolute upstream authorize URL.
	URL string

	// Cookies are set on the response. None carry PII; all are
	// HttpOnly+Secure+SameSite=Lax with explicit expiry.
	Cookies []*http.Cookie
}

func (*RedirectUpstream) isAuthorizeOutcome() {}

// ErrorRedirectToClient surfaces a protocol error to the downstream client
// via its (verified) redirect URI, echoing the original state.
type ErrorRedirectToClient struct {
	RedirectURI      string
	ErrorCode        string
	ErrorDescription string
	State            string
}

func (*ErrorRedirectToClient) isAuthorizeOutcome() {}
func (*ErrorRedirectToClient) isCallbackOutcome()  {}

// Location composes the redirect target with error parameters appended.
func (e *ErrorRedirectToClient) Location() string {
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		// The orchestrator only constructs this outcome for verified
		// registered URIs, so this cannot happen for well-formed clients.
		return e.RedirectURI
	}
	q := u.Query()
	q.Set("error", e.ErrorCode)
	if e.ErrorDescription != "" {
		q.Set("error_description", e.ErrorDescription)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// LocalError is rendered locally because no trustworthy redirect target
// exists (unknown client, unregistered or malformed redirect URI, or a
// callback that cannot be tied to a transaction).
type LocalError struct {
	Status           int
	ErrorCode        string
	ErrorDescription string
}

func (*LocalError) isAuthorizeOutcome() {}
func (*LocalError) isCallbackOutcome()  {}

// RenderInteraction instructs the embedding transport to render an
// interaction screen (consent, actor selection). Rendering itself is out of
// scope here; only the decision to render is.
type RenderInteraction struct {
	// Kind is the interaction required: "consent" or "actor_selection".
	Kind string

	// RequestID identifies the pending login transaction the interaction
	// belongs to.
	RequestID string
}

func (*RenderInteraction) isAuthorizeOutcome() {}

// CallbackOutcome is the closed set of results of handling the upstream
// callback.
type CallbackOutcome interface {
	isCallbackOutcome()
}

// RedirectToClient completes the downstream flow: the user agent goes back
// to the client's redirect URI with the issued code and original state.
type RedirectToClient struct {
	RedirectURI string
	Code        string
	State       string
	Cookies     []*http.Cookie
}

func (*RedirectToClient) isCallbackOutcome() {}

// Location composes the redirect target with code and state appended.
func (r *RedirectToClient) Location() string {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return r.RedirectURI
	}
	q := u.Query()
	q.Set("code", r.Code)
	if r.State != "" {
		q.Set("state", r.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RedirectToGoTo completes a clientless app flow: the session is
// established and the user agent continues to the validated go-to URL.
type RedirectToGoTo struct {
	URL     string
	Cookies []*http.Cookie
}

func (*RedirectToGoTo) isCallbackOutcome() {}
