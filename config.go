package gatekeeper

import (
	"log/slog"
	"time"

	"github.com/gatekit/gatekeeper/token"
)

// Config holds the server configuration. Zero values are filled in by
// applyDefaults with settings suitable for development; Issuer and
// IDTokenSigningKey must be set for production.
type Config struct {
	// Issuer is the public base URL of this provider. It becomes the iss
	// claim of ID tokens and the endpoint base in the discovery document.
	Issuer string

	// TokenValidity is the per-type validity table. A nonpositive
	// duration means the type never expires.
	TokenValidity map[token.Type]time.Duration

	// DeviceVerificationURL is where device-grant users enter their user
	// code. Default: Issuer + "/device".
	DeviceVerificationURL string

	// DevicePollInterval is the minimum polling interval reported to
	// device-grant clients. Default: 5s.
	DevicePollInterval time.Duration

	// ErrorURIFormat, when set, is a format string with one %s verb that
	// builds the error_uri documentation link from the error code.
	ErrorURIFormat string

	// IDTokenSigningKey is the HMAC key ID tokens are signed with.
	IDTokenSigningKey []byte

	// IDTokenTTL is the ID token lifetime. Default: 1h.
	IDTokenTTL time.Duration

	// ChallengeTTL is how long an issued authentication challenge stays
	// answerable. Default: 5m.
	ChallengeTTL time.Duration

	// TrustProxy enables X-Forwarded-For / X-Real-IP parsing. Only enable
	// behind a reverse proxy you operate.
	TrustProxy bool

	// TrustedProxyCount is how many rightmost X-Forwarded-For entries
	// belong to trusted proxies.
	TrustedProxyCount int

	// EnableAuditLogging turns on hashed audit events for auth failures,
	// token issuance, and code reuse.
	EnableAuditLogging bool

	// Logger for structured logging. Nil means slog.Default().
	Logger *slog.Logger
}

// defaultTokenValidity is applied for types absent from the configured
// table. ACCOUNT_TOKEN is configured negative: it never expires.
var defaultTokenValidity = map[token.Type]time.Duration{
	token.TypeAuthorizationCode: 5 * time.Minute,
	token.TypeAccessToken:       time.Hour,
	token.TypeRefreshToken:      30 * 24 * time.Hour,
	token.TypeDeviceCode:        15 * time.Minute,
	token.TypeAccountToken:      token.NeverExpires,
}

func applyDefaults(config Config) Config {
	if config.Issuer == "" {
		config.Issuer = "http://localhost:8080"
	}
	validity := make(map[token.Type]time.Duration, len(defaultTokenValidity))
	for typ, d := range defaultTokenValidity {
		validity[typ] = d
	}
	for typ, d := range config.TokenValidity {
		validity[typ] = d
	}
	config.TokenValidity = validity

	if config.DeviceVerificationURL == "" {
		config.DeviceVerificationURL = config.Issuer + "/device"
	}
	if config.DevicePollInterval == 0 {
		config.DevicePollInterval = 5 * time.Second
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = time.Hour
	}
	if config.ChallengeTTL == 0 {
		config.ChallengeTTL = 5 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return config
}
