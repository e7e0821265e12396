package oidcbroker

import (
	"github.com/fjellauth/oidcbroker/server"
)

// ProviderMetadata is the OIDC discovery document served at
// /.well-known/openid-configuration.
type ProviderMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	EndSessionEndpoint                string   `json:"end_session_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	ResponseModesSupported            []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported,omitempty"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
	ACRValuesSupported                []string `json:"acr_values_supported,omitempty"`
	FrontchannelLogoutSupported       bool     `json:"frontchannel_logout_supported"`
}

// ErrorResponse is the JSON error body for non-redirect protocol errors.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Orchestration types re-exported for embedders that wire their own
// transport around the service layer.
type (
	AuthorizeRequest      = server.AuthorizeRequest
	AuthorizeOutcome      = server.AuthorizeOutcome
	CallbackOutcome       = server.CallbackOutcome
	UpstreamCallbackInput = server.UpstreamCallbackInput
	TokenRequest          = server.TokenRequest
	TokenResponse         = server.TokenResponse
	LogoutRequest         = server.LogoutRequest
	Principal             = server.Principal
	TokenMinter           = server.TokenMinter
	SubjectMapper         = server.SubjectMapper
)
