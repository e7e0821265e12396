// Package oidc provides OIDC discovery with an explicit TTL-bounded cache
// and issuer URL validation with SSRF protection. It is shared by all
// upstream provider implementations.
package oidc
