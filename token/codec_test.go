package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateLengthAndAlphabet(t *testing.T) {
	tok, err := Generate(32, "abc")
	require.NoError(t, err)
	assert.Len(t, tok, 32)
	for _, r := range tok {
		assert.Contains(t, "abc", string(r))
	}
}

func TestGenerateDefaults(t *testing.T) {
	tok, err := Generate(0, "")
	require.NoError(t, err)
	assert.Len(t, tok, DefaultLength)
}

func TestGenerateUserCode(t *testing.T) {
	code, err := GenerateUserCode()
	require.NoError(t, err)
	require.Len(t, code, UserCodeLength)
	for _, r := range code {
		assert.Contains(t, AlphabetUserCode, string(r))
	}
}

func TestValidityBoundary(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	codec := NewCodec(map[Type]time.Duration{
		TypeAccessToken: time.Hour,
	}, WithClock(func() time.Time { return now }))

	issuedAt := base

	now = base.Add(time.Hour - time.Second)
	assert.True(t, codec.IsValid(TypeAccessToken, issuedAt))

	// Invalid from the exact instant the window closes.
	now = base.Add(time.Hour)
	assert.False(t, codec.IsValid(TypeAccessToken, issuedAt))

	now = base.Add(time.Hour + time.Second)
	assert.False(t, codec.IsValid(TypeAccessToken, issuedAt))
}

func TestNeverExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	codec := NewCodec(map[Type]time.Duration{
		TypeAccountToken: NeverExpires,
	}, WithClock(func() time.Time { return now }))

	ancient := now.Add(-100 * 365 * 24 * time.Hour)
	assert.True(t, codec.IsValid(TypeAccountToken, ancient))
	assert.Equal(t, NeverExpires, codec.ValidityDuration(TypeAccountToken))
	assert.Equal(t, time.Duration(1<<63-1), codec.ExpiresIn(TypeAccountToken, ancient))
}

func TestUnknownTypeNeverExpires(t *testing.T) {
	codec := NewCodec(nil)
	assert.True(t, codec.IsValid(Type("MYSTERY"), time.Time{}))
}

func TestExpiresIn(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	codec := NewCodec(map[Type]time.Duration{
		TypeAuthorizationCode: 5 * time.Minute,
	}, WithClock(func() time.Time { return base.Add(2 * time.Minute) }))

	assert.Equal(t, 3*time.Minute, codec.ExpiresIn(TypeAuthorizationCode, base))
}
