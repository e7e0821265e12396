// Package providers defines the interface for upstream identity providers
// and implements provider-specific logic for ID-porten, Feide, and the test
// IdP. Each provider performs OIDC discovery, composes the upstream
// authorization URL, and completes the code exchange including ID-token
// signature and nonce verification.
package providers
