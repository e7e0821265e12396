package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets security headers on broker responses. The policy
// is strict: broker endpoints either redirect or render minimal server-side
// HTML, so no external resources, scripts, or framing are ever needed.
func SetSecurityHeaders(w http.ResponseWriter, issuerURL string) {
	// Prevent clickjacking; the authorize and interaction pages must never
	// render inside a frame
	w.Header().Set("X-Frame-Options", "DENY")

	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Legacy browser XSS protection
	w.Header().Set("X-XSS-Protection", "1; mode=block")

	// form-action 'self' covers the interaction consent form; everything
	// else is denied
	w.Header().Set("Content-Security-Policy", "default-src 'none'; form-action 'self'; frame-ancestors 'none'; base-uri 'none'")

	// Redirect URIs carry codes and state; never leak them via Referer
	w.Header().Set("Referrer-Policy", "no-referrer")

	// HSTS only when the issuer itself is https
	if parsed, err := url.Parse(issuerURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Token and authorize responses are per-user and single-use
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
