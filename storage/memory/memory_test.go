package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekit/gatekeeper/storage"
	"github.com/gatekit/gatekeeper/token"
)

func TestConsumeTokenSingleUse(t *testing.T) {
	s := New()
	ctx := context.Background()

	code := &storage.Token{
		Token:           "code-1",
		Type:            token.TypeAuthorizationCode,
		IssuedAt:        time.Now(),
		ClientID:        "client-1",
		AuthorizationID: "auth-1",
		Metadata:        storage.TokenMetadata{Code: &storage.CodeMetadata{Offline: true}},
	}
	require.NoError(t, s.SaveToken(ctx, code))

	got, err := s.ConsumeToken(ctx, "code-1", token.TypeAuthorizationCode)
	require.NoError(t, err)
	assert.Equal(t, "auth-1", got.AuthorizationID)
	assert.True(t, got.Metadata.Code.Offline)

	// Replay must fail with ErrConsumed and still surface the record so
	// the caller can revoke derived tokens.
	replayed, err := s.ConsumeToken(ctx, "code-1", token.TypeAuthorizationCode)
	require.ErrorIs(t, err, storage.ErrConsumed)
	require.NotNil(t, replayed)
	assert.Equal(t, "auth-1", replayed.AuthorizationID)
}

func TestConsumeTokenWrongType(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		Token:    "refresh-1",
		Type:     token.TypeRefreshToken,
		IssuedAt: time.Now(),
		ClientID: "client-1",
	}))

	_, err := s.ConsumeToken(ctx, "refresh-1", token.TypeAuthorizationCode)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// The token must survive a mismatched consume attempt.
	_, err = s.GetToken(ctx, "refresh-1")
	require.NoError(t, err)
}

func TestConsumeTokenMissing(t *testing.T) {
	s := New()

	_, err := s.ConsumeToken(context.Background(), "nope", token.TypeAuthorizationCode)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAuthorizeDevice(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		Token:    "device-1",
		Type:     token.TypeDeviceCode,
		IssuedAt: time.Now(),
		ClientID: "client-1",
		Metadata: storage.TokenMetadata{
			Device: &storage.DeviceMetadata{UserCode: "ABCD1234", Scope: "openid"},
		},
	}))

	got, err := s.AuthorizeDevice(ctx, "ABCD1234", "auth-1")
	require.NoError(t, err)
	assert.Equal(t, "auth-1", got.AuthorizationID)
	assert.True(t, got.Metadata.Device.IsAuthorized)

	// A second approval of the same user code must lose.
	_, err = s.AuthorizeDevice(ctx, "ABCD1234", "auth-2")
	require.ErrorIs(t, err, storage.ErrConsumed)

	// The stored record keeps the first decision.
	stored, err := s.GetTokenByUserCode(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, "auth-1", stored.AuthorizationID)
}

func TestAuthorizeDeviceUnknownCode(t *testing.T) {
	s := New()

	_, err := s.AuthorizeDevice(context.Background(), "ZZZZZZZZ", "auth-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRejectDeviceDecidesOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		Token:    "device-1",
		Type:     token.TypeDeviceCode,
		IssuedAt: time.Now(),
		ClientID: "client-1",
		Metadata: storage.TokenMetadata{
			Device: &storage.DeviceMetadata{UserCode: "ABCD1234"},
		},
	}))

	got, err := s.RejectDevice(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.True(t, got.Metadata.Device.IsRejected)

	// A rejected code can be neither rejected again nor approved.
	_, err = s.RejectDevice(ctx, "ABCD1234")
	require.ErrorIs(t, err, storage.ErrConsumed)
	_, err = s.AuthorizeDevice(ctx, "ABCD1234", "auth-1")
	require.ErrorIs(t, err, storage.ErrConsumed)

	_, err = s.RejectDevice(ctx, "ZZZZZZZZ")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRejectDeviceLosesToApproval(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		Token:    "device-1",
		Type:     token.TypeDeviceCode,
		IssuedAt: time.Now(),
		ClientID: "client-1",
		Metadata: storage.TokenMetadata{
			Device: &storage.DeviceMetadata{UserCode: "ABCD1234"},
		},
	}))

	_, err := s.AuthorizeDevice(ctx, "ABCD1234", "auth-1")
	require.NoError(t, err)

	// A reject landing after the approval must not clobber the binding.
	_, err = s.RejectDevice(ctx, "ABCD1234")
	require.ErrorIs(t, err, storage.ErrConsumed)

	stored, err := s.GetTokenByUserCode(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.Equal(t, "auth-1", stored.AuthorizationID)
	assert.True(t, stored.Metadata.Device.IsAuthorized)
	assert.False(t, stored.Metadata.Device.IsRejected)
}

func TestTokenRecordsAreDetached(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		Token:    "device-1",
		Type:     token.TypeDeviceCode,
		IssuedAt: time.Now(),
		ClientID: "client-1",
		Metadata: storage.TokenMetadata{
			Device: &storage.DeviceMetadata{UserCode: "ABCD1234"},
		},
	}))

	got, err := s.GetTokenByUserCode(ctx, "ABCD1234")
	require.NoError(t, err)

	// Mutating a returned record must not write through to the store.
	got.Metadata.Device.IsRejected = true

	stored, err := s.GetTokenByUserCode(ctx, "ABCD1234")
	require.NoError(t, err)
	assert.False(t, stored.Metadata.Device.IsRejected)
}

func TestSessionDocumentsAreDetached(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveSession(ctx, &storage.SessionToken{
		Token:     "tok-1",
		IP:        "10.0.0.1",
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Document: storage.SessionDocument{
			Users: []storage.SessionUser{{ID: "alice"}, {ID: "bob"}},
		},
	}))

	first, err := s.GetSession(ctx, "tok-1")
	require.NoError(t, err)

	// Editing one snapshot's user list must affect neither the store nor
	// other snapshots.
	first.Document.Users[0].ID = "mallory"
	first.Document.Users = first.Document.Users[:1]

	second, err := s.GetSession(ctx, "tok-1")
	require.NoError(t, err)
	require.Len(t, second.Document.Users, 2)
	assert.Equal(t, "alice", second.Document.Users[0].ID)
	assert.Equal(t, "bob", second.Document.Users[1].ID)
}

func TestDeleteExpiredTokens(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base.Add(2 * time.Hour) })

	codec := token.NewCodec(map[token.Type]time.Duration{
		token.TypeAccessToken:  time.Hour,
		token.TypeRefreshToken: 30 * 24 * time.Hour,
	}, token.WithClock(func() time.Time { return base.Add(2 * time.Hour) }))

	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		Token: "stale-access", Type: token.TypeAccessToken, IssuedAt: base, ClientID: "c",
	}))
	require.NoError(t, s.SaveToken(ctx, &storage.Token{
		Token: "live-refresh", Type: token.TypeRefreshToken, IssuedAt: base, ClientID: "c",
	}))

	removed, err := s.DeleteExpiredTokens(ctx, codec)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetToken(ctx, "stale-access")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetToken(ctx, "live-refresh")
	require.NoError(t, err)
}

func TestSaveUserUsernameCollision(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, &storage.User{ID: "u1", Username: "alice"}))
	err := s.SaveUser(ctx, &storage.User{ID: "u2", Username: "alice"})
	require.ErrorIs(t, err, storage.ErrDuplicate)

	// Renaming a user frees the old username.
	require.NoError(t, s.SaveUser(ctx, &storage.User{ID: "u1", Username: "alison"}))
	require.NoError(t, s.SaveUser(ctx, &storage.User{ID: "u2", Username: "alice"}))

	got, err := s.GetUserByUsername(ctx, "alison")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
}

func TestSessionsByIP(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now()
	for i, tok := range []string{"s1", "s2", "s3"} {
		require.NoError(t, s.SaveSession(ctx, &storage.SessionToken{
			Token:     tok,
			IP:        "10.0.0.1",
			IssuedAt:  now.Add(-time.Duration(i) * time.Minute),
			ExpiresAt: now.Add(time.Hour),
		}))
	}
	require.NoError(t, s.SaveSession(ctx, &storage.SessionToken{
		Token: "other", IP: "10.0.0.2", IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	count, err := s.CountSessionsByIP(ctx, "10.0.0.1", now.Add(-90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = s.CountSessionsByIP(ctx, "10.0.0.1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.SaveSession(ctx, &storage.SessionToken{
		Token: "dead", IP: "10.0.0.1", IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, s.SaveSession(ctx, &storage.SessionToken{
		Token: "live", IP: "10.0.0.1", IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	removed, err := s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.GetSession(ctx, "dead")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
