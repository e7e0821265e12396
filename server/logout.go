package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fjellauth/oidcbroker/storage"
)

// LogoutRequest is a user-initiated logout carrying the raw session handle
// from the cookie, plus the optional RP-initiated parameters.
type LogoutRequest struct {
	SessionHandle         string
	PostLogoutRedirectURI string
	ClientID              string
	State                 string
}

// LogoutResult tells the transport what to do after the session is gone.
type LogoutResult struct {
	// RedirectURI is the validated post-logout destination; empty means
	// the transport renders its default logged-out page.
	RedirectURI string
	State       string

	// Cookies clear the session and flow cookies.
	Cookies []*http.Cookie
}

// Logout terminates the local session identified by the handle. A missing
// or unknown handle is not an error; logout is idempotent.
func (s *Service) Logout(ctx context.Context, req *LogoutRequest) (*LogoutResult, error) {
	result := &LogoutResult{
		Cookies: []*http.Cookie{
			s.expiredSessionCookie(),
			s.expiredFlowCookie(),
		},
	}

	if req.SessionHandle != "" {
		session, err := s.store.GetSessionByHandleHash(ctx, s.hasher.HashSessionHandle(req.SessionHandle))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Already gone. Fall through to cookie clearing.
		case err != nil:
			return nil, err
		default:
			if err := s.store.DeleteSession(ctx, session.SID); err != nil {
				return nil, err
			}
			if s.Auditor != nil {
				s.Auditor.LogSessionTerminated(session.Provider, "user_logout", 1)
			}
		}
	}

	if req.PostLogoutRedirectURI != "" {
		if uri, ok := s.validatePostLogoutRedirect(ctx, req.ClientID, req.PostLogoutRedirectURI); ok {
			result.RedirectURI = uri
			result.State = req.State
		}
		// An unregistered destination is silently dropped; logging the
		// user out still succeeds.
	}
	return result, nil
}

// HandleUpstreamLogout processes an upstream front-channel logout event:
// every local session sharing the upstream session sid is terminated. One
// upstream logout may fan out to several local sessions (multiple tabs or
// clients under the same upstream login).
func (s *Service) HandleUpstreamLogout(ctx context.Context, issuer, upstreamSessionSID string) (int, error) {
	if issuer == "" || upstreamSessionSID == "" {
		return 0, nil
	}

	sids, err := s.store.GetSIDsByUpstream(ctx, issuer, upstreamSessionSID)
	if err != nil {
		return 0, err
	}
	if len(sids) == 0 {
		return 0, nil
	}

	// Refresh chains bound to these sessions die with them. Family lookup
	// happens lazily at the next rotation attempt: the missing session is
	// detected there and the family revoked. Deleting sessions first keeps
	// this endpoint cheap.
	count, err := s.store.DeleteSessionsByUpstream(ctx, issuer, upstreamSessionSID)
	if err != nil {
		return 0, err
	}

	if s.Auditor != nil {
		s.Auditor.LogSessionTerminated("", "upstream_logout", count)
	}
	s.Logger.Info("Upstream logout fan-out",
		"sessions_terminated", count,
		"upstream_session_sid_hash", hashUserAgent(upstreamSessionSID))
	return count, nil
}

// validatePostLogoutRedirect checks the destination against the client's
// registered post-logout URIs. Exact string equality, same as redirect
// URIs.
func (s *Service) validatePostLogoutRedirect(ctx context.Context, clientID, uri string) (string, bool) {
	if clientID == "" {
		return "", false
	}
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil || client == nil {
		return "", false
	}
	for _, registered := range client.PostLogoutRedirectURIs {
		if registered == uri {
			return uri, true
		}
	}
	return "", false
}

// expiredSessionCookie clears the session handle cookie.
func (s *Service) expiredSessionCookie() *http.Cookie {
	return &http.Cookie{
		Name:     s.Config.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.Config.CookieDomain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}
