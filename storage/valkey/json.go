package valkey

import (
	"time"

	"github.com/fjellauth/oidcbroker/storage"
)

// JSON mirror structs for persisted rows. Field names are part of the
// stored format and of the Lua scripts that inspect them; timestamps that
// scripts compare are Unix seconds, the rest are RFC3339 via time.Time.

type bindingJSON struct {
	SubjectID  string `json:"subject_id"`
	ExternalID string `json:"external_id,omitempty"`
	PartyUUID  string `json:"party_uuid,omitempty"`
	PartyID    int64  `json:"party_id,omitempty"`
	UserID     int64  `json:"user_id,omitempty"`
	UserName   string `json:"user_name,omitempty"`
}

func toBindingJSON(b storage.BindingContext) bindingJSON {
	return bindingJSON{
		SubjectID:  b.SubjectID,
		ExternalID: b.ExternalID,
		PartyUUID:  b.PartyUUID,
		PartyID:    b.PartyID,
		UserID:     b.UserID,
		UserName:   b.UserName,
	}
}

func (j bindingJSON) toBinding() storage.BindingContext {
	return storage.BindingContext{
		SubjectID:  j.SubjectID,
		ExternalID: j.ExternalID,
		PartyUUID:  j.PartyUUID,
		PartyID:    j.PartyID,
		UserID:     j.UserID,
		UserName:   j.UserName,
	}
}

type diagnosticsJSON struct {
	IPAddress     string `json:"ip_address,omitempty"`
	UserAgentHash string `json:"user_agent_hash,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func toDiagnosticsJSON(d storage.Diagnostics) diagnosticsJSON {
	return diagnosticsJSON{IPAddress: d.IPAddress, UserAgentHash: d.UserAgentHash, CorrelationID: d.CorrelationID}
}

func (j diagnosticsJSON) toDiagnostics() storage.Diagnostics {
	return storage.Diagnostics{IPAddress: j.IPAddress, UserAgentHash: j.UserAgentHash, CorrelationID: j.CorrelationID}
}

type loginTransactionJSON struct {
	RequestID           string          `json:"request_id"`
	Status              string          `json:"status"`
	ClientID            string          `json:"client_id"`
	RedirectURI         string          `json:"redirect_uri"`
	Scopes              []string        `json:"scopes"`
	State               string          `json:"state,omitempty"`
	Nonce               string          `json:"nonce,omitempty"`
	ACRValues           []string        `json:"acr_values,omitempty"`
	Prompts             []string        `json:"prompts,omitempty"`
	UILocales           []string        `json:"ui_locales,omitempty"`
	MaxAge              *int64          `json:"max_age,omitempty"`
	CodeChallenge       string          `json:"code_challenge"`
	CodeChallengeMethod string          `json:"code_challenge_method"`
	RequestURIRef       string          `json:"request_uri_ref,omitempty"`
	RequestObjectRef    string          `json:"request_object_ref,omitempty"`
	Diagnostics         diagnosticsJSON `json:"diagnostics"`
	UpstreamRequestID   string          `json:"upstream_request_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	ExpiresAt           int64           `json:"expires_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

func toLoginTransactionJSON(tx *storage.LoginTransaction) *loginTransactionJSON {
	return &loginTransactionJSON{
		RequestID:           tx.RequestID,
		Status:              string(tx.Status),
		ClientID:            tx.ClientID,
		RedirectURI:         tx.RedirectURI,
		Scopes:              tx.Scopes,
		State:               tx.State,
		Nonce:               tx.Nonce,
		ACRValues:           tx.ACRValues,
		Prompts:             tx.Prompts,
		UILocales:           tx.UILocales,
		MaxAge:              tx.MaxAge,
		CodeChallenge:       tx.CodeChallenge,
		CodeChallengeMethod: tx.CodeChallengeMethod,
		RequestURIRef:       tx.RequestURIRef,
		RequestObjectRef:    tx.RequestObjectRef,
		Diagnostics:         toDiagnosticsJSON(tx.Diagnostics),
		UpstreamRequestID:   tx.UpstreamRequestID,
		CreatedAt:           tx.CreatedAt,
		ExpiresAt:           tx.ExpiresAt.Unix(),
		CompletedAt:         tx.CompletedAt,
	}
}

func (j *loginTransactionJSON) toLoginTransaction() *storage.LoginTransaction {
	return &storage.LoginTransaction{
		RequestID:           j.RequestID,
		Status:              storage.TransactionStatus(j.Status),
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scopes:              j.Scopes,
		State:               j.State,
		Nonce:               j.Nonce,
		ACRValues:           j.ACRValues,
		Prompts:             j.Prompts,
		UILocales:           j.UILocales,
		MaxAge:              j.MaxAge,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		RequestURIRef:       j.RequestURIRef,
		RequestObjectRef:    j.RequestObjectRef,
		Diagnostics:         j.Diagnostics.toDiagnostics(),
		UpstreamRequestID:   j.UpstreamRequestID,
		CreatedAt:           j.CreatedAt,
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		CompletedAt:         j.CompletedAt,
	}
}

type upstreamTokenResultJSON struct {
	Issuer             string    `json:"issuer"`
	Subject            string    `json:"subject"`
	ACR                string    `json:"acr,omitempty"`
	AuthTime           time.Time `json:"auth_time"`
	IDTokenJTI         string    `json:"id_token_jti,omitempty"`
	UpstreamSessionSID string    `json:"upstream_session_sid,omitempty"`
}

type upstreamTransactionJSON struct {
	UpstreamRequestID           string                   `json:"upstream_request_id"`
	Status                      string                   `json:"status"`
	RequestID                   string                   `json:"request_id,omitempty"`
	UnregisteredClientRequestID string                   `json:"unregistered_client_request_id,omitempty"`
	Provider                    string                   `json:"provider"`
	UpstreamClientID            string                   `json:"upstream_client_id,omitempty"`
	AuthorizationEndpoint       string                   `json:"authorization_endpoint"`
	TokenEndpoint               string                   `json:"token_endpoint"`
	JWKSURI                     string                   `json:"jwks_uri,omitempty"`
	RedirectURI                 string                   `json:"redirect_uri"`
	State                       string                   `json:"state"`
	Nonce                       string                   `json:"nonce"`
	Scopes                      []string                 `json:"scopes"`
	ACRValues                   []string                 `json:"acr_values,omitempty"`
	Prompts                     []string                 `json:"prompts,omitempty"`
	UILocales                   []string                 `json:"ui_locales,omitempty"`
	MaxAge                      *int64                   `json:"max_age,omitempty"`
	CodeVerifier                string                   `json:"code_verifier"`
	CodeChallenge               string                   `json:"code_challenge"`
	AuthCode                    string                   `json:"auth_code,omitempty"`
	CallbackAt                  *time.Time               `json:"callback_at,omitempty"`
	ErrorCode                   string                   `json:"error_code,omitempty"`
	ErrorDescription            string                   `json:"error_description,omitempty"`
	TokenResult                 *upstreamTokenResultJSON `json:"token_result,omitempty"`
	Diagnostics                 diagnosticsJSON          `json:"diagnostics"`
	CreatedAt                   time.Time                `json:"created_at"`
	ExpiresAt                   int64                    `json:"expires_at"`
	CompletedAt                 *time.Time               `json:"completed_at,omitempty"`
}

func toUpstreamTransactionJSON(utx *storage.UpstreamLoginTransaction) *upstreamTransactionJSON {
	j := &upstreamTransactionJSON{
		UpstreamRequestID:           utx.UpstreamRequestID,
		Status:                      string(utx.Status),
		RequestID:                   utx.RequestID,
		UnregisteredClientRequestID: utx.UnregisteredClientRequestID,
		Provider:                    utx.Provider,
		UpstreamClientID:            utx.UpstreamClientID,
		AuthorizationEndpoint:       utx.AuthorizationEndpoint,
		TokenEndpoint:               utx.TokenEndpoint,
		JWKSURI:                     utx.JWKSURI,
		RedirectURI:                 utx.RedirectURI,
		State:                       utx.State,
		Nonce:                       utx.Nonce,
		Scopes:                      utx.Scopes,
		ACRValues:                   utx.ACRValues,
		Prompts:                     utx.Prompts,
		UILocales:                   utx.UILocales,
		MaxAge:                      utx.MaxAge,
		CodeVerifier:                utx.CodeVerifier,
		CodeChallenge:               utx.CodeChallenge,
		AuthCode:                    utx.AuthCode,
		CallbackAt:                  utx.CallbackAt,
		ErrorCode:                   utx.ErrorCode,
		ErrorDescription:            utx.ErrorDescription,
		Diagnostics:                 toDiagnosticsJSON(utx.Diagnostics),
		CreatedAt:                   utx.CreatedAt,
		ExpiresAt:                   utx.ExpiresAt.Unix(),
		CompletedAt:                 utx.CompletedAt,
	}
	if utx.TokenResult != nil {
		j.TokenResult = &upstreamTokenResultJSON{
			Issuer:             utx.TokenResult.Issuer,
			Subject:            utx.TokenResult.Subject,
			ACR:                utx.TokenResult.ACR,
			AuthTime:           utx.TokenResult.AuthTime,
			IDTokenJTI:         utx.TokenResult.IDTokenJTI,
			UpstreamSessionSID: utx.TokenResult.UpstreamSessionSID,
		}
	}
	return j
}

func (j *upstreamTransactionJSON) toUpstreamTransaction() *storage.UpstreamLoginTransaction {
	utx := &storage.UpstreamLoginTransaction{
		UpstreamRequestID:           j.UpstreamRequestID,
		Status:                      storage.UpstreamStatus(j.Status),
		RequestID:                   j.RequestID,
		UnregisteredClientRequestID: j.UnregisteredClientRequestID,
		Provider:                    j.Provider,
		UpstreamClientID:            j.UpstreamClientID,
		AuthorizationEndpoint:       j.AuthorizationEndpoint,
		TokenEndpoint:               j.TokenEndpoint,
		JWKSURI:                     j.JWKSURI,
		RedirectURI:                 j.RedirectURI,
		State:                       j.State,
		Nonce:                       j.Nonce,
		Scopes:                      j.Scopes,
		ACRValues:                   j.ACRValues,
		Prompts:                     j.Prompts,
		UILocales:                   j.UILocales,
		MaxAge:                      j.MaxAge,
		CodeVerifier:                j.CodeVerifier,
		CodeChallenge:               j.CodeChallenge,
		AuthCode:                    j.AuthCode,
		CallbackAt:                  j.CallbackAt,
		ErrorCode:                   j.ErrorCode,
		ErrorDescription:            j.ErrorDescription,
		Diagnostics:                 j.Diagnostics.toDiagnostics(),
		CreatedAt:                   j.CreatedAt,
		ExpiresAt:                   time.Unix(j.ExpiresAt, 0),
		CompletedAt:                 j.CompletedAt,
	}
	if j.TokenResult != nil {
		utx.TokenResult = &storage.UpstreamTokenResult{
			Issuer:             j.TokenResult.Issuer,
			Subject:            j.TokenResult.Subject,
			ACR:                j.TokenResult.ACR,
			AuthTime:           j.TokenResult.AuthTime,
			IDTokenJTI:         j.TokenResult.IDTokenJTI,
			UpstreamSessionSID: j.TokenResult.UpstreamSessionSID,
		}
	}
	return utx
}

type authCodeJSON struct {
	Code                string              `json:"code"`
	ClientID            string              `json:"client_id"`
	RedirectURI         string              `json:"redirect_uri"`
	CodeChallenge       string              `json:"code_challenge"`
	CodeChallengeMethod string              `json:"code_challenge_method"`
	Used                bool                `json:"used"`
	UsedAt              *time.Time          `json:"used_at,omitempty"`
	Binding             bindingJSON         `json:"binding"`
	SessionID           string              `json:"session_id"`
	Scopes              []string            `json:"scopes"`
	Nonce               string              `json:"nonce,omitempty"`
	ACR                 string              `json:"acr,omitempty"`
	AMR                 []string            `json:"amr,omitempty"`
	AuthTime            time.Time           `json:"auth_time"`
	ProviderClaims      map[string][]string `json:"provider_claims,omitempty"`
	EncryptedClaims     string              `json:"encrypted_claims,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	ExpiresAt           int64               `json:"expires_at"`
}

func toAuthCodeJSON(row *storage.AuthCode) *authCodeJSON {
	return &authCodeJSON{
		Code:                row.Code,
		ClientID:            row.ClientID,
		RedirectURI:         row.RedirectURI,
		CodeChallenge:       row.CodeChallenge,
		CodeChallengeMethod: row.CodeChallengeMethod,
		Used:                row.Used,
		UsedAt:              row.UsedAt,
		Binding:             toBindingJSON(row.Binding),
		SessionID:           row.SessionID,
		Scopes:              row.Scopes,
		Nonce:               row.Nonce,
		ACR:                 row.ACR,
		AMR:                 row.AMR,
		AuthTime:            row.AuthTime,
		ProviderClaims:      row.ProviderClaims,
		CreatedAt:           row.CreatedAt,
		ExpiresAt:           row.ExpiresAt.Unix(),
	}
}

func (j *authCodeJSON) toAuthCode() *storage.AuthCode {
	return &storage.AuthCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Used:                j.Used,
		UsedAt:              j.UsedAt,
		Binding:             j.Binding.toBinding(),
		SessionID:           j.SessionID,
		Scopes:              j.Scopes,
		Nonce:               j.Nonce,
		ACR:                 j.ACR,
		AMR:                 j.AMR,
		AuthTime:            j.AuthTime,
		ProviderClaims:      j.ProviderClaims,
		CreatedAt:           j.CreatedAt,
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
	}
}

type sessionJSON struct {
	SID                string              `json:"sid"`
	HandleHash         string              `json:"handle_hash"`
	UpstreamIssuer     string              `json:"upstream_issuer"`
	UpstreamSub        string              `json:"upstream_sub"`
	UpstreamSessionSID string              `json:"upstream_session_sid,omitempty"`
	Binding            bindingJSON         `json:"binding"`
	Provider           string              `json:"provider"`
	ACR                string              `json:"acr,omitempty"`
	AMR                []string            `json:"amr,omitempty"`
	AuthTime           time.Time           `json:"auth_time"`
	Scopes             []string            `json:"scopes"`
	ProviderClaims     map[string][]string `json:"provider_claims,omitempty"`
	EncryptedClaims    string              `json:"encrypted_claims,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	LastSeenAt         time.Time           `json:"last_seen_at"`
	ExpiresAt          int64               `json:"expires_at"`
}

func toSessionJSON(session *storage.Session) *sessionJSON {
	return &sessionJSON{
		SID:                session.SID,
		HandleHash:         session.HandleHash,
		UpstreamIssuer:     session.UpstreamIssuer,
		UpstreamSub:        session.UpstreamSub,
		UpstreamSessionSID: session.UpstreamSessionSID,
		Binding:            toBindingJSON(session.Binding),
		Provider:           session.Provider,
		ACR:                session.ACR,
		AMR:                session.AMR,
		AuthTime:           session.AuthTime,
		Scopes:             session.Scopes,
		ProviderClaims:     session.ProviderClaims,
		CreatedAt:          session.CreatedAt,
		UpdatedAt:          session.UpdatedAt,
		LastSeenAt:         session.LastSeenAt,
		ExpiresAt:          session.ExpiresAt.Unix(),
	}
}

func (j *sessionJSON) toSession() *storage.Session {
	return &storage.Session{
		SID:                j.SID,
		HandleHash:         j.HandleHash,
		UpstreamIssuer:     j.UpstreamIssuer,
		UpstreamSub:        j.UpstreamSub,
		UpstreamSessionSID: j.UpstreamSessionSID,
		Binding:            j.Binding.toBinding(),
		Provider:           j.Provider,
		ACR:                j.ACR,
		AMR:                j.AMR,
		AuthTime:           j.AuthTime,
		Scopes:             j.Scopes,
		ProviderClaims:     j.ProviderClaims,
		CreatedAt:          j.CreatedAt,
		UpdatedAt:          j.UpdatedAt,
		LastSeenAt:         j.LastSeenAt,
		ExpiresAt:          time.Unix(j.ExpiresAt, 0),
	}
}

type familyJSON struct {
	FamilyID      string     `json:"family_id"`
	ClientID      string     `json:"client_id"`
	SubjectID     string     `json:"subject_id"`
	OpSID         string     `json:"op_sid"`
	CreatedAt     time.Time  `json:"created_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
}

func toFamilyJSON(family *storage.RefreshTokenFamily) *familyJSON {
	return &familyJSON{
		FamilyID:      family.FamilyID,
		ClientID:      family.ClientID,
		SubjectID:     family.SubjectID,
		OpSID:         family.OpSID,
		CreatedAt:     family.CreatedAt,
		RevokedAt:     family.RevokedAt,
		RevokedReason: family.RevokedReason,
	}
}

func (j *familyJSON) toFamily() *storage.RefreshTokenFamily {
	return &storage.RefreshTokenFamily{
		FamilyID:      j.FamilyID,
		ClientID:      j.ClientID,
		SubjectID:     j.SubjectID,
		OpSID:         j.OpSID,
		CreatedAt:     j.CreatedAt,
		RevokedAt:     j.RevokedAt,
		RevokedReason: j.RevokedReason,
	}
}

type refreshTokenJSON struct {
	TokenID           string      `json:"token_id"`
	FamilyID          string      `json:"family_id"`
	Status            string      `json:"status"`
	LookupKey         string      `json:"lookup_key"`
	Hash              []byte      `json:"hash"`
	Salt              []byte      `json:"salt"`
	Iterations        int         `json:"iterations"`
	ClientID          string      `json:"client_id"`
	SessionID         string      `json:"session_id"`
	Binding           bindingJSON `json:"binding"`
	Scopes            []string    `json:"scopes"`
	CreatedAt         time.Time   `json:"created_at"`
	ExpiresAt         int64       `json:"expires_at"`
	AbsoluteExpiresAt int64       `json:"absolute_expires_at"`
	RotatedTo         string      `json:"rotated_to,omitempty"`
	RevokedAt         *time.Time  `json:"revoked_at,omitempty"`
	RevokedReason     string      `json:"revoked_reason,omitempty"`
}

func toRefreshTokenJSON(row *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		TokenID:           row.TokenID,
		FamilyID:          row.FamilyID,
		Status:            string(row.Status),
		LookupKey:         row.LookupKey,
		Hash:              row.Hash,
		Salt:              row.Salt,
		Iterations:        row.Iterations,
		ClientID:          row.ClientID,
		SessionID:         row.SessionID,
		Binding:           toBindingJSON(row.Binding),
		Scopes:            row.Scopes,
		CreatedAt:         row.CreatedAt,
		ExpiresAt:         row.ExpiresAt.Unix(),
		AbsoluteExpiresAt: row.AbsoluteExpiresAt.Unix(),
		RotatedTo:         row.RotatedTo,
		RevokedAt:         row.RevokedAt,
		RevokedReason:     row.RevokedReason,
	}
}

func (j *refreshTokenJSON) toRefreshToken() *storage.RefreshToken {
	return &storage.RefreshToken{
		TokenID:           j.TokenID,
		FamilyID:          j.FamilyID,
		Status:            storage.RefreshTokenStatus(j.Status),
		LookupKey:         j.LookupKey,
		Hash:              j.Hash,
		Salt:              j.Salt,
		Iterations:        j.Iterations,
		ClientID:          j.ClientID,
		SessionID:         j.SessionID,
		Binding:           j.Binding.toBinding(),
		Scopes:            j.Scopes,
		CreatedAt:         j.CreatedAt,
		ExpiresAt:         time.Unix(j.ExpiresAt, 0),
		AbsoluteExpiresAt: time.Unix(j.AbsoluteExpiresAt, 0),
		RotatedTo:         j.RotatedTo,
		RevokedAt:         j.RevokedAt,
		RevokedReason:     j.RevokedReason,
	}
}

type unregisteredRequestJSON struct {
	UnregisteredClientRequestID string          `json:"unregistered_client_request_id"`
	Status                      string          `json:"status"`
	AppName                     string          `json:"app_name"`
	GoToURL                     string          `json:"go_to_url"`
	Provider                    string          `json:"provider,omitempty"`
	Scopes                      []string        `json:"scopes,omitempty"`
	ACRValues                   []string        `json:"acr_values,omitempty"`
	UILocales                   []string        `json:"ui_locales,omitempty"`
	Diagnostics                 diagnosticsJSON `json:"diagnostics"`
	CreatedAt                   time.Time       `json:"created_at"`
	ExpiresAt                   int64           `json:"expires_at"`
	CompletedAt                 *time.Time      `json:"completed_at,omitempty"`
}

func toUnregisteredRequestJSON(req *storage.UnregisteredClientRequest) *unregisteredRequestJSON {
	return &unregisteredRequestJSON{
		UnregisteredClientRequestID: req.UnregisteredClientRequestID,
		Status:                      string(req.Status),
		AppName:                     req.AppName,
		GoToURL:                     req.GoToURL,
		Provider:                    req.Provider,
		Scopes:                      req.Scopes,
		ACRValues:                   req.ACRValues,
		UILocales:                   req.UILocales,
		Diagnostics:                 toDiagnosticsJSON(req.Diagnostics),
		CreatedAt:                   req.CreatedAt,
		ExpiresAt:                   req.ExpiresAt.Unix(),
		CompletedAt:                 req.CompletedAt,
	}
}

func (j *unregisteredRequestJSON) toUnregisteredRequest() *storage.UnregisteredClientRequest {
	return &storage.UnregisteredClientRequest{
		UnregisteredClientRequestID: j.UnregisteredClientRequestID,
		Status:                      storage.TransactionStatus(j.Status),
		AppName:                     j.AppName,
		GoToURL:                     j.GoToURL,
		Provider:                    j.Provider,
		Scopes:                      j.Scopes,
		ACRValues:                   j.ACRValues,
		UILocales:                   j.UILocales,
		Diagnostics:                 j.Diagnostics.toDiagnostics(),
		CreatedAt:                   j.CreatedAt,
		ExpiresAt:                   time.Unix(j.ExpiresAt, 0),
		CompletedAt:                 j.CompletedAt,
	}
}
