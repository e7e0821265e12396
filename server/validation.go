package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// PKCE constants (RFC 7636). Only S256 is accepted; the plain method is
// rejected at validation and never persisted.
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// ResponseTypeCode is the only supported response_type, compared
// case-sensitively.
const ResponseTypeCode = "code"

// ScopeOpenID must be present in every authorize request.
const ScopeOpenID = "openid"

// AuthorizeRequest is the raw downstream /authorize request as received by
// the transport. All fields are unparsed wire values.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ACRValues           string
	Prompt              string
	UILocales           string
	MaxAge              string
	ResponseMode        string
	LoginHint           string
	IDTokenHint         string
	RequestURI          string
	RequestObject       string

	// Diagnostics, filled by the transport.
	IPAddress     string
	UserAgent     string
	CorrelationID string
}

// NormalizedRequest is the validated, parsed form of an authorize request.
type NormalizedRequest struct {
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ACRValues           []string
	Prompts             []string
	UILocales           []string
	MaxAge              *int64
	RequestURI          string
	RequestObject       string
}

// ValidationError is a protocol validation failure with its OIDC error
// code. RedirectSafe reports whether the request's redirect_uri parsed as
// an absolute URI; when it did not, no error redirect is possible and the
// caller must render a local error regardless of client trust.
type ValidationError struct {
	Code        string
	Description string

	RedirectSafe bool
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ValidateAuthorizeRequest checks the request shape per OIDC Core and PKCE.
// Pure: no I/O, no client knowledge; client-policy checks (redirect URI
// membership, scope subset, PKCE policy) happen at the registry step.
// Checks run in order and short-circuit on the first failure.
func ValidateAuthorizeRequest(req *AuthorizeRequest) (*NormalizedRequest, *ValidationError) {
	redirectSafe := isAbsoluteURI(req.RedirectURI)

	fail := func(code, desc string) (*NormalizedRequest, *ValidationError) {
		return nil, &ValidationError{Code: code, Description: desc, RedirectSafe: redirectSafe}
	}

	if req.ResponseType != ResponseTypeCode {
		return fail(ErrorCodeUnsupportedResponseType, "only response_type=code is supported")
	}

	scopes := strings.Fields(req.Scope)
	if !containsFold(scopes, ScopeOpenID) {
		return fail(ErrorCodeInvalidScope, "scope must include openid")
	}

	if err := validateCodeChallengeFormat(req.CodeChallenge); err != nil {
		return fail(ErrorCodeInvalidRequest, err.Error())
	}

	if req.CodeChallengeMethod != PKCEMethodS256 {
		return fail(ErrorCodeInvalidRequest, "code_challenge_method must be S256")
	}

	prompts := strings.Fields(req.Prompt)
	if containsFold(prompts, "none") && (containsFold(prompts, "login") || containsFold(prompts, "consent")) {
		return fail(ErrorCodeInvalidRequest, "prompt=none cannot be combined with login or consent")
	}

	var maxAge *int64
	if req.MaxAge != "" {
		v, err := strconv.ParseInt(req.MaxAge, 10, 64)
		if err != nil || v < 0 {
			return fail(ErrorCodeInvalidRequest, "max_age must be a non-negative integer")
		}
		maxAge = &v
	}

	if !redirectSafe {
		// No trustworthy redirect destination exists; the caller must
		// render a local error.
		return fail(ErrorCodeInvalidRequest, "redirect_uri must be an absolute URI")
	}

	if req.State == "" {
		return fail(ErrorCodeInvalidRequest, "state is required")
	}

	if req.Nonce == "" {
		return fail(ErrorCodeInvalidRequest, "nonce is required")
	}

	return &NormalizedRequest{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		ACRValues:           strings.Fields(req.ACRValues),
		Prompts:             prompts,
		UILocales:           strings.Fields(req.UILocales),
		MaxAge:              maxAge,
		RequestURI:          req.RequestURI,
		RequestObject:       req.RequestObject,
	}, nil
}

// validateCodeChallengeFormat checks the PKCE challenge: non-empty, length
// 43-128, charset limited to the base64url alphabet without padding.
func validateCodeChallengeFormat(challenge string) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required")
	}
	if len(challenge) < MinCodeVerifierLength || len(challenge) > MaxCodeVerifierLength {
		return fmt.Errorf("code_challenge length must be between %d and %d", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for i := 0; i < len(challenge); i++ {
		c := challenge[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return fmt.Errorf("code_challenge contains invalid character at position %d", i)
		}
	}
	return nil
}

// ValidateCodeVerifierFormat checks a presented code_verifier per RFC 7636
// §4.1: length 43-128 and the unreserved charset.
func ValidateCodeVerifierFormat(verifier string) error {
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier length must be between %d and %d", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == '~':
		default:
			return fmt.Errorf("code_verifier contains invalid character at position %d", i)
		}
	}
	return nil
}

// VerifyPKCES256 checks that SHA-256(verifier), base64url-encoded without
// padding, equals the stored challenge. Constant-time comparison.
func VerifyPKCES256(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	derived := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}

// isAbsoluteURI reports whether raw parses as an absolute URI with a scheme
// and host (or an opaque part for custom schemes).
func isAbsoluteURI(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.IsAbs() && (u.Host != "" || u.Opaque != "")
}

// containsFold reports whether list contains s, comparing case-insensitively.
func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
