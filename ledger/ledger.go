// Package ledger maintains the durable client-authorization grants and the
// tokens minted against them.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gatekit/gatekeeper/storage"
	"github.com/gatekit/gatekeeper/token"
)

// refreshThreshold is the fraction of a token's validity window below which
// GetOrRefreshToken mints a replacement instead of returning the old token.
const refreshThreshold = 0.10

// Ledger creates and rotates tokens against client authorizations and
// garbage-collects duplicate grants.
type Ledger struct {
	auths  storage.AuthorizationStore
	tokens storage.TokenStore
	codec  *token.Codec
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger.
func New(auths storage.AuthorizationStore, tokens storage.TokenStore, codec *token.Codec, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		auths:  auths,
		tokens: tokens,
		codec:  codec,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// CreateOrReuseAuthorization upserts the grant for (client, user) and
// accumulates any new permissions into its authorized set. Re-authorization
// never shrinks the set. When concurrent calls have left duplicate rows,
// the earliest-authorized one is treated as the active grant.
func (l *Ledger) CreateOrReuseAuthorization(ctx context.Context, clientID string, user *storage.User, permissions []string) (*storage.ClientAuthorization, error) {
	existing, err := l.auths.FindAuthorizations(ctx, clientID, user.ID)
	if err != nil {
		return nil, fmt.Errorf("ledger: find authorizations: %w", err)
	}

	now := l.now()
	auth := earliest(existing)
	if auth == nil {
		auth = &storage.ClientAuthorization{
			ID:           uuid.NewString(),
			ClientID:     clientID,
			UserID:       user.ID,
			AuthorizedAt: now,
		}
	}
	auth.Permissions = unionPermissions(auth.Permissions, permissions)
	auth.LastUpdatedAt = now

	if err := l.auths.SaveAuthorization(ctx, auth); err != nil {
		return nil, fmt.Errorf("ledger: save authorization: %w", err)
	}
	return auth, nil
}

// CreateToken mints a token of the given type against the authorization,
// persists it, and bumps the authorization's LastUpdatedAt.
func (l *Ledger) CreateToken(ctx context.Context, auth *storage.ClientAuthorization, typ token.Type, metadata storage.TokenMetadata) (*storage.Token, error) {
	value, err := token.Generate(token.DefaultLength, token.AlphabetAlphanumeric)
	if err != nil {
		return nil, err
	}

	t := &storage.Token{
		Token:           value,
		Type:            typ,
		IssuedAt:        l.now(),
		ClientID:        auth.ClientID,
		AuthorizationID: auth.ID,
		Metadata:        metadata,
	}
	if err := l.tokens.SaveToken(ctx, t); err != nil {
		return nil, fmt.Errorf("ledger: save token: %w", err)
	}

	auth.LastUpdatedAt = l.now()
	if err := l.auths.SaveAuthorization(ctx, auth); err != nil {
		l.logger.Warn("Failed to bump authorization after token mint",
			"authorization_id", auth.ID, "error", err)
	}
	return t, nil
}

// GetOrRefreshToken returns the latest live token of the given type for the
// authorization. When no live token exists, or the freshest one has less
// than 10% of its validity window remaining, a new token is minted instead.
// This sliding-window refresh is for non-consumable types such as
// REFRESH_TOKEN and ACCOUNT_TOKEN.
func (l *Ledger) GetOrRefreshToken(ctx context.Context, auth *storage.ClientAuthorization, typ token.Type) (*storage.Token, error) {
	all, err := l.tokens.ListTokensByAuthorization(ctx, auth.ID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list tokens: %w", err)
	}

	var latest *storage.Token
	for _, t := range all {
		if t.Type != typ || !l.codec.IsValid(t.Type, t.IssuedAt) {
			continue
		}
		if latest == nil || t.IssuedAt.After(latest.IssuedAt) {
			latest = t
		}
	}

	if latest != nil && !l.needsRefresh(latest) {
		return latest, nil
	}
	return l.CreateToken(ctx, auth, typ, storage.TokenMetadata{})
}

func (l *Ledger) needsRefresh(t *storage.Token) bool {
	window := l.codec.ValidityDuration(t.Type)
	if window == token.NeverExpires {
		return false
	}
	remaining := l.codec.ExpiresIn(t.Type, t.IssuedAt)
	return float64(remaining) < float64(window)*refreshThreshold
}

// GarbageCollect merges duplicate authorizations per (client, user) pair.
// The earliest-authorized row survives, absorbing the latest LastUpdatedAt
// and the union of all permission sets. Duplicates holding zero live tokens
// that are neither the earliest nor the latest row are deleted. The pass is
// idempotent and safe to run against live traffic: failures on individual
// rows are logged and skipped, never fatal.
func (l *Ledger) GarbageCollect(ctx context.Context) error {
	all, err := l.auths.ListAuthorizations(ctx)
	if err != nil {
		return fmt.Errorf("ledger: list authorizations: %w", err)
	}

	groups := make(map[[2]string][]*storage.ClientAuthorization)
	for _, a := range all {
		key := [2]string{a.ClientID, a.UserID}
		groups[key] = append(groups[key], a)
	}

	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		l.mergeGroup(ctx, group)
	}
	return nil
}

func (l *Ledger) mergeGroup(ctx context.Context, group []*storage.ClientAuthorization) {
	survivor := earliest(group)
	newest := latestUpdated(group)

	merged := survivor.Permissions
	lastUpdated := survivor.LastUpdatedAt
	for _, a := range group {
		merged = unionPermissions(merged, a.Permissions)
		if a.LastUpdatedAt.After(lastUpdated) {
			lastUpdated = a.LastUpdatedAt
		}
	}
	survivor.Permissions = merged
	survivor.LastUpdatedAt = lastUpdated

	if err := l.auths.SaveAuthorization(ctx, survivor); err != nil {
		l.logger.Warn("GC: failed to save merged authorization",
			"authorization_id", survivor.ID, "error", err)
		return
	}

	for _, a := range group {
		if a.ID == survivor.ID || a.ID == newest.ID {
			continue
		}
		live, err := l.countLiveTokens(ctx, a.ID)
		if err != nil {
			l.logger.Warn("GC: failed to count tokens", "authorization_id", a.ID, "error", err)
			continue
		}
		if live > 0 {
			continue
		}
		if err := l.auths.DeleteAuthorization(ctx, a.ID); err != nil {
			l.logger.Warn("GC: failed to delete duplicate authorization",
				"authorization_id", a.ID, "error", err)
		}
	}
}

func (l *Ledger) countLiveTokens(ctx context.Context, authorizationID string) (int, error) {
	tokens, err := l.tokens.ListTokensByAuthorization(ctx, authorizationID)
	if err != nil {
		return 0, err
	}
	live := 0
	for _, t := range tokens {
		if l.codec.IsValid(t.Type, t.IssuedAt) {
			live++
		}
	}
	return live, nil
}

func earliest(auths []*storage.ClientAuthorization) *storage.ClientAuthorization {
	var out *storage.ClientAuthorization
	for _, a := range auths {
		if out == nil || a.AuthorizedAt.Before(out.AuthorizedAt) {
			out = a
		}
	}
	return out
}

func latestUpdated(auths []*storage.ClientAuthorization) *storage.ClientAuthorization {
	var out *storage.ClientAuthorization
	for _, a := range auths {
		if out == nil || a.LastUpdatedAt.After(out.LastUpdatedAt) {
			out = a
		}
	}
	return out
}

func unionPermissions(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
