package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekit/gatekeeper/storage"
	"github.com/gatekit/gatekeeper/storage/memory"
)

func newTestManager(t *testing.T, now *time.Time, cfg Config) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	clock := func() time.Time { return *now }
	store.SetClock(clock)

	// A nanosecond debounce keeps the wall-clock limiter out of the way.
	if cfg.Debounce == 0 {
		cfg.Debounce = time.Nanosecond
	}
	m := NewManager(store, cfg, nil)
	m.SetClock(clock)
	return m, store
}

func TestCreateTokenPerIPRateLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now, Config{MaxTokensPerIP: 20, Timeframe: 600 * time.Second})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := m.CreateToken(ctx, "10.0.0.1")
		require.NoError(t, err, "issuance %d", i+1)
	}

	_, err := m.CreateToken(ctx, "10.0.0.1")
	assert.ErrorIs(t, err, ErrRateLimited, "21st issuance inside the window")

	// A different IP is unaffected.
	_, err = m.CreateToken(ctx, "10.0.0.2")
	assert.NoError(t, err)

	// After the window slides past, the original IP may issue again.
	now = now.Add(601 * time.Second)
	_, err = m.CreateToken(ctx, "10.0.0.1")
	assert.NoError(t, err)
}

func TestMutationExtendsExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, store := newTestManager(t, &now, Config{TTL: time.Hour})
	ctx := context.Background()

	tok, err := m.CreateToken(ctx, "10.0.0.1")
	require.NoError(t, err)

	now = now.Add(30 * time.Minute)
	require.NoError(t, m.Login(ctx, tok, "alice"))

	s, err := store.GetSession(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), s.ExpiresAt)
	assert.Equal(t, now, s.LastUsed)
}

func TestLoginLogoutPreviouslyLoggedIn(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now, Config{})
	ctx := context.Background()

	tok, err := m.CreateToken(ctx, "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, m.Login(ctx, tok, "alice"))
	require.NoError(t, m.Login(ctx, tok, "bob"))
	require.NoError(t, m.Logout(ctx, tok, "alice"))

	doc, err := m.GetDocument(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, []storage.SessionUser{{ID: "bob"}}, doc.Users)
	assert.Equal(t, []storage.SessionUser{{ID: "alice"}, {ID: "bob"}}, doc.PreviouslyLoggedIn,
		"logout never trims the audit trail")

	// Logout with empty user clears everyone.
	require.NoError(t, m.Logout(ctx, tok, ""))
	doc, err = m.GetDocument(ctx, tok)
	require.NoError(t, err)
	assert.Empty(t, doc.Users)
	assert.Len(t, doc.PreviouslyLoggedIn, 2)
}

func TestLogoutLeavesEarlierSnapshotsIntact(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now, Config{})
	ctx := context.Background()

	tok, err := m.CreateToken(ctx, "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, m.Login(ctx, tok, "alice"))
	require.NoError(t, m.Login(ctx, tok, "bob"))

	before, err := m.GetDocument(ctx, tok)
	require.NoError(t, err)

	require.NoError(t, m.Logout(ctx, tok, "alice"))

	// The snapshot taken before the logout must not change under the
	// caller's feet.
	require.Len(t, before.Users, 2)
	assert.Equal(t, "alice", before.Users[0].ID)
	assert.Equal(t, "bob", before.Users[1].ID)

	after, err := m.GetDocument(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, []storage.SessionUser{{ID: "bob"}}, after.Users)
}

func TestAppendAuthenticationStatusShallowMerge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now, Config{})
	ctx := context.Background()

	tok, err := m.CreateToken(ctx, "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, m.AppendAuthenticationStatus(ctx, tok, &storage.AuthenticationStatus{
		Phone: &storage.ChannelStatus{Address: "+15551234", Challenge: "111111"},
	}))
	require.NoError(t, m.AppendAuthenticationStatus(ctx, tok, &storage.AuthenticationStatus{
		Email: &storage.ChannelStatus{Address: "a@example.com", Challenge: "222222"},
	}))

	doc, err := m.GetDocument(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, doc.AuthenticationStatus.Phone)
	assert.Equal(t, "111111", doc.AuthenticationStatus.Phone.Challenge,
		"email challenge must not clobber the in-flight phone challenge")
	require.NotNil(t, doc.AuthenticationStatus.Email)
	assert.Equal(t, "222222", doc.AuthenticationStatus.Email.Challenge)
}

func TestExpiredSessionIsInvalid(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, &now, Config{TTL: time.Hour})
	ctx := context.Background()

	tok, err := m.CreateToken(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, m.IsValid(ctx, tok))

	now = now.Add(2 * time.Hour)
	assert.False(t, m.IsValid(ctx, tok))
	assert.True(t, m.IsToken(ctx, tok), "expired token still exists until GC")

	removed, err := m.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, m.IsToken(ctx, tok))
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := t.TempDir() + "/sessions.json"
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fs, err := OpenFileStore(path)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, fs.SaveSession(ctx, &storage.SessionToken{
			Token:     fmt.Sprintf("tok-%d", i),
			IP:        "10.0.0.1",
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
			Document: storage.SessionDocument{
				Users: []storage.SessionUser{{ID: "alice"}},
			},
		}))
	}
	// Overwriting the same token must not duplicate it on disk.
	require.NoError(t, fs.SaveSession(ctx, &storage.SessionToken{
		Token: "tok-0", IP: "10.0.0.1", IssuedAt: now, ExpiresAt: now.Add(2 * time.Hour),
	}))

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)

	count, err := reopened.CountSessionsByIP(ctx, "10.0.0.1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	s, err := reopened.GetSession(ctx, "tok-0")
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Hour), s.ExpiresAt.UTC())

	s, err = reopened.GetSession(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.Document.Users[0].ID)

	_, err = reopened.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	removed, err := reopened.DeleteExpiredSessions(ctx, now.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
