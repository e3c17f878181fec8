package storage

import (
	"time"

	"github.com/gatekit/gatekeeper/token"
)

// Permission is a named scope a client may request and a user may consent to.
type Permission struct {
	Name        string `json:"name"`
	IsAvailable bool   `json:"isAvailable"`
}

// AccessControlList restricts which users, groups, and permissions apply to
// a client. A nil/empty user and group allow-list makes the client public.
type AccessControlList struct {
	AllowedUsers       []string `json:"allowedUsers,omitempty"`
	AllowedGroups      []string `json:"allowedGroups,omitempty"`
	AllowedPermissions []string `json:"allowedPermissions,omitempty"`
}

// HasUserAllowList reports whether the ACL restricts the set of users that
// may be authorized against the client.
func (acl *AccessControlList) HasUserAllowList() bool {
	return acl != nil && (len(acl.AllowedUsers) > 0 || len(acl.AllowedGroups) > 0)
}

// Client is a registered OAuth application.
type Client struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// SecretHashes holds bcrypt hashes of the client's secrets. Any one
	// matching secret authenticates the client; a client with no hashes is
	// a public client and authenticates with no secret at all.
	SecretHashes []string `json:"secretHashes,omitempty"`

	// RedirectURIs are matched exactly on scheme, host, port, and path.
	// Device-grant URNs (urn:ietf:wg:oauth:2.0:...) are compared verbatim.
	RedirectURIs []string `json:"redirectUris"`

	// Owners are user IDs permitted to manage this client.
	Owners []string `json:"owners,omitempty"`

	ACL AccessControlList `json:"acl"`

	CreatedAt time.Time `json:"createdAt"`
}

// ClientAuthorization is the durable record of a user's consent to a client
// for a set of permissions. The permission set only ever grows.
type ClientAuthorization struct {
	ID            string    `json:"id"`
	ClientID      string    `json:"clientId"`
	UserID        string    `json:"userId"`
	Permissions   []string  `json:"permissions"`
	AuthorizedAt  time.Time `json:"authorizedAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// CodeMetadata rides on AUTHORIZATION_CODE tokens.
type CodeMetadata struct {
	// Offline records access_type != "online"; it gates refresh token
	// issuance at exchange time.
	Offline bool `json:"offline"`

	CodeChallenge       string `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string `json:"codeChallengeMethod,omitempty"`

	// Nonce is echoed into the ID token for OIDC replay protection.
	Nonce string `json:"nonce,omitempty"`
}

// DeviceMetadata rides on DEVICE_CODE tokens.
type DeviceMetadata struct {
	UserCode     string `json:"userCode"`
	Scope        string `json:"scope"`
	IsAuthorized bool   `json:"isAuthorized"`
	IsRejected   bool   `json:"isRejected"`
}

// TokenMetadata is the per-type metadata union. Exactly the variant matching
// the token's type is set; the others stay nil. Decoding happens once at the
// datastore boundary.
type TokenMetadata struct {
	Code   *CodeMetadata   `json:"code,omitempty"`
	Device *DeviceMetadata `json:"device,omitempty"`
}

// Token is an issued bearer artifact, looked up by its token string.
type Token struct {
	Token    string     `json:"token"`
	Type     token.Type `json:"type"`
	IssuedAt time.Time  `json:"issuedAt"`

	// ClientID is denormalized from the owning authorization so device
	// codes can exist before a user has been bound.
	ClientID string `json:"clientId"`

	// AuthorizationID is empty for DEVICE_CODE tokens until a user
	// approves the user code.
	AuthorizationID string `json:"authorizationId,omitempty"`

	Metadata TokenMetadata `json:"metadata"`
}

// AuthMethod enumerates the supported authentication methods.
type AuthMethod string

const (
	MethodPassword    AuthMethod = "PASSWORD"
	MethodOTP         AuthMethod = "OTP"
	MethodSMS         AuthMethod = "SMS"
	MethodEmail       AuthMethod = "EMAIL"
	MethodPGPKey      AuthMethod = "PGP_KEY"
	MethodSecurityKey AuthMethod = "SECURITY_KEY"
)

// PasswordData holds a bcrypt password hash.
type PasswordData struct {
	Hash string `json:"hash"`
}

// OTPData holds a base32-encoded TOTP shared secret.
type OTPData struct {
	Secret string `json:"secret"`
}

// SMSData holds the phone number challenges are delivered to.
type SMSData struct {
	PhoneNumber string `json:"phoneNumber"`
}

// EmailData holds the address challenges are delivered to.
type EmailData struct {
	Address string `json:"address"`
}

// PGPData holds an armored public key signatures are verified against.
type PGPData struct {
	PublicKey string `json:"publicKey"`
}

// SecurityKeyData holds a WebAuthn credential. SignCount advances on every
// successful assertion to block replayed authenticator responses.
type SecurityKeyData struct {
	CredentialID []byte `json:"credentialId"`
	PublicKey    []byte `json:"publicKey"`
	AAGUID       []byte `json:"aaguid,omitempty"`
	SignCount    uint32 `json:"signCount"`

	// UserHandle is the user identifier the credential was registered
	// under; assertions carrying a user handle must present the same one.
	UserHandle []byte `json:"userHandle,omitempty"`
}

// AuthMethodData is the per-method data union. Exactly the variant matching
// the record's method is set.
type AuthMethodData struct {
	Password    *PasswordData    `json:"password,omitempty"`
	OTP         *OTPData         `json:"otp,omitempty"`
	SMS         *SMSData         `json:"sms,omitempty"`
	Email       *EmailData       `json:"email,omitempty"`
	PGP         *PGPData         `json:"pgp,omitempty"`
	SecurityKey *SecurityKeyData `json:"securityKey,omitempty"`
}

// AuthenticationMethod is one registered way for a user to authenticate,
// with three independent capability flags.
type AuthenticationMethod struct {
	UserID string         `json:"userId"`
	Method AuthMethod     `json:"method"`
	Data   AuthMethodData `json:"data"`

	// AllowSingleFactor permits passwordless sign-in with this method.
	AllowSingleFactor bool `json:"allowSingleFactor"`
	// AllowTwoFactor permits use as a second factor.
	AllowTwoFactor bool `json:"allowTwoFactor"`
	// AllowPasswordReset permits use for password-reset verification.
	AllowPasswordReset bool `json:"allowPasswordReset"`

	// LastChallengedAt drives the per-contact delivery cool-down for
	// SMS and EMAIL.
	LastChallengedAt time.Time `json:"lastChallengedAt,omitempty"`
}

// PersonName carries the OIDC profile name claims.
type PersonName struct {
	Given  string `json:"given,omitempty"`
	Family string `json:"family,omitempty"`
}

// User is an end-user account.
type User struct {
	ID            string     `json:"id"`
	Username      string     `json:"username"`
	Name          PersonName `json:"name"`
	Email         string     `json:"email,omitempty"`
	EmailVerified bool       `json:"emailVerified"`
	Phone         string     `json:"phone,omitempty"`
	PhoneVerified bool       `json:"phoneVerified"`
	Groups        []string   `json:"groups,omitempty"`

	// UseTwoFactor requires a second factor after password sign-in. The
	// store keeps the lockout invariant: it flips back to false when the
	// last non-password two-factor-capable method is removed.
	UseTwoFactor bool `json:"useTwoFactor"`
}

// SigninType distinguishes the two challenge-bearing sign-in flows.
type SigninType string

const (
	SigninPasswordless SigninType = "PASSWORDLESS"
	SigninTwoFactor    SigninType = "TWO_FACTOR"
)

// ExtendedAuthentication is the one in-flight challenge a session may hold.
// Issuing a new challenge overwrites it.
type ExtendedAuthentication struct {
	Type               SigninType `json:"type"`
	Method             AuthMethod `json:"method,omitempty"`
	Challenge          string     `json:"challenge,omitempty"`
	ChallengeCreatedAt time.Time  `json:"challengeCreatedAt,omitempty"`

	// UserID is set for TWO_FACTOR: the password already identified the
	// user and the challenge must be answered by the same account.
	UserID string `json:"userId,omitempty"`
}

// ChannelStatus tracks a contact-verification challenge on one channel.
type ChannelStatus struct {
	Address            string    `json:"address,omitempty"`
	Challenge          string    `json:"challenge,omitempty"`
	ChallengeCreatedAt time.Time `json:"challengeCreatedAt,omitempty"`
	Verified           bool      `json:"verified"`
}

// AuthenticationStatus holds contact-verification state per channel. Merges
// are shallow and keyed by channel, so issuing a new email challenge never
// clobbers an in-flight phone challenge.
type AuthenticationStatus struct {
	Email *ChannelStatus `json:"email,omitempty"`
	Phone *ChannelStatus `json:"phone,omitempty"`
}

// SessionUser is a logged-in identity reference inside a session document.
type SessionUser struct {
	ID string `json:"id"`
}

// PasswordResetState tracks an in-flight password reset on a session.
type PasswordResetState struct {
	Username           string     `json:"username"`
	Method             AuthMethod `json:"method,omitempty"`
	Challenge          string     `json:"challenge,omitempty"`
	ChallengeCreatedAt time.Time  `json:"challengeCreatedAt,omitempty"`
}

// RegisteringState tracks an in-flight account registration on a session.
type RegisteringState struct {
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// SessionDocument is the mutable state a session token addresses. A session
// is anonymous until Users is non-empty.
type SessionDocument struct {
	Users                  []SessionUser           `json:"users,omitempty"`
	PreviouslyLoggedIn     []SessionUser           `json:"previouslyLoggedIn,omitempty"`
	ExtendedAuthentication *ExtendedAuthentication `json:"extendedAuthentication,omitempty"`
	AuthenticationStatus   *AuthenticationStatus   `json:"authenticationStatus,omitempty"`
	PasswordReset          *PasswordResetState     `json:"passwordReset,omitempty"`
	Registering            *RegisteringState       `json:"registering,omitempty"`
}

// HasUser reports whether the given user is logged in on this document.
func (d *SessionDocument) HasUser(userID string) bool {
	for _, u := range d.Users {
		if u.ID == userID {
			return true
		}
	}
	return false
}

// SessionToken is an issued session, addressed by its opaque token string.
type SessionToken struct {
	Token     string          `json:"token"`
	IP        string          `json:"ip"`
	IssuedAt  time.Time       `json:"issuedAt"`
	LastUsed  time.Time       `json:"lastUsed"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Document  SessionDocument `json:"document"`
}
