// Package token generates opaque bearer tokens and evaluates their
// validity windows. The codec is pure computation over its configured
// per-type duration table; persistence is the caller's concern.
package token

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// Type identifies the kind of token a string represents. The type decides
// which validity window applies and whether the token is single-use.
type Type string

const (
	TypeAuthorizationCode Type = "AUTHORIZATION_CODE"
	TypeAccessToken       Type = "ACCESS_TOKEN"
	TypeRefreshToken      Type = "REFRESH_TOKEN"
	TypeDeviceCode        Type = "DEVICE_CODE"
	TypeAccountToken      Type = "ACCOUNT_TOKEN"
)

const (
	// DefaultLength is the token length used when the caller passes 0.
	DefaultLength = 128

	// AlphabetAlphanumeric is the default token alphabet.
	AlphabetAlphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// AlphabetUserCode is the alphabet for device-grant user codes.
	// Uppercase-only so codes survive being read aloud or retyped.
	AlphabetUserCode = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// UserCodeLength is the length of device-grant user codes.
	UserCodeLength = 8
)

// NeverExpires is the configured duration sentinel meaning a token type has
// no expiry. Any nonpositive configured duration is treated the same way.
const NeverExpires = time.Duration(-1)

// Codec mints random tokens and computes expiry from a per-type validity
// table. Types absent from the table never expire.
type Codec struct {
	validity map[Type]time.Duration
	now      func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec creates a codec with the given validity table. The map is copied;
// later mutation of the argument does not affect the codec.
func NewCodec(validity map[Type]time.Duration, opts ...Option) *Codec {
	c := &Codec{
		validity: make(map[Type]time.Duration, len(validity)),
		now:      time.Now,
	}
	for t, d := range validity {
		c.validity[t] = d
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate draws length characters uniformly from alphabet using a
// cryptographically secure source. length 0 means DefaultLength, empty
// alphabet means AlphabetAlphanumeric.
func Generate(length int, alphabet string) (string, error) {
	if length <= 0 {
		length = DefaultLength
	}
	if alphabet == "" {
		alphabet = AlphabetAlphanumeric
	}
	runes := []rune(alphabet)
	max := big.NewInt(int64(len(runes)))
	out := make([]rune, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("token: random source failed: %w", err)
		}
		out[i] = runes[n.Int64()]
	}
	return string(out), nil
}

// GenerateUserCode mints a device-grant user code.
func GenerateUserCode() (string, error) {
	return Generate(UserCodeLength, AlphabetUserCode)
}

// ValidityDuration returns the configured validity window for t.
// Unconfigured types and nonpositive configured durations mean the type
// never expires; NeverExpires is returned for both.
func (c *Codec) ValidityDuration(t Type) time.Duration {
	d, ok := c.validity[t]
	if !ok || d <= 0 {
		return NeverExpires
	}
	return d
}

// ExpiresIn returns how long a token of type t issued at issuedAt remains
// valid. Negative means already expired. Types that never expire report
// the largest representable duration.
func (c *Codec) ExpiresIn(t Type, issuedAt time.Time) time.Duration {
	d := c.ValidityDuration(t)
	if d == NeverExpires {
		return time.Duration(1<<63 - 1)
	}
	return issuedAt.Add(d).Sub(c.now())
}

// IsValid reports whether a token of type t issued at issuedAt is still
// live. A token is invalid from the exact instant its window closes.
func (c *Codec) IsValid(t Type, issuedAt time.Time) bool {
	if c.ValidityDuration(t) == NeverExpires {
		return true
	}
	return c.ExpiresIn(t, issuedAt) > 0
}
