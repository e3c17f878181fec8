package gatekeeper

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// ErrorResponse is the RFC 6749 section 5.2 error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
}

// DeviceCodeResponse is the device authorization endpoint body.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	Interval        int64  `json:"interval"`
	ExpiresIn       int64  `json:"expires_in"`
}

// SessionResponse is the session endpoint body. Token is only set when a
// fresh session was issued.
type SessionResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
}

// DiscoveryDocument is the OpenID Connect discovery body. Scopes are
// listed dynamically from the permission registry.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// SigninResult reports what a sign-in attempt produced: either the user is
// logged in, or a challenge must be answered first.
type SigninResult struct {
	LoggedIn bool `json:"loggedIn"`

	// UserID is set when LoggedIn is true.
	UserID string `json:"userId,omitempty"`

	// ChallengeMethod and Challenge describe the pending second step.
	// Challenge is empty for delivered (SMS/EMAIL) and secret-inherent
	// (OTP) methods; it carries the value to sign for PGP_KEY and
	// SECURITY_KEY.
	ChallengeMethod string `json:"challengeMethod,omitempty"`
	Challenge       string `json:"challenge,omitempty"`
}

// Grant type identifiers accepted by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"

	// GrantTypeDeviceCodeLegacy is the pre-RFC 8628 identifier some
	// clients still send.
	GrantTypeDeviceCodeLegacy = "urn:ietf:wg:oauth:2.0:device_code"
)

// PKCE code challenge methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Scopes with protocol meaning. Everything else is a plain permission.
const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
	ScopePhone   = "phone"
)
