// Package session issues and mutates opaque session tokens bound to a
// client IP. Business rules (rate limiting, expiry extension, document
// merges) live here; persistence is any storage.SessionStore, with the
// datastore-backed mode as the default and a JSON-file mode in FileStore.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatekit/gatekeeper/security"
	"github.com/gatekit/gatekeeper/storage"
	"github.com/gatekit/gatekeeper/token"
)

var (
	// ErrRateLimited indicates the IP exhausted its issuance budget or is
	// inside the debounce window.
	ErrRateLimited = errors.New("session: rate limited")

	// ErrInvalidToken indicates the presented token is unknown or expired.
	ErrInvalidToken = errors.New("session: invalid token")
)

// Config tunes the session manager.
type Config struct {
	// TokenLength is the session token length. Default: 128.
	TokenLength int

	// TTL is how long a session lives past its last authenticated use.
	// Default: 24h.
	TTL time.Duration

	// MaxTokensPerIP caps issuance per IP inside Timeframe. Default: 20.
	MaxTokensPerIP int

	// Timeframe is the issuance rate-limit window. Default: 600s.
	Timeframe time.Duration

	// Debounce is the minimum interval between two issuances from the
	// same IP, blunting burst abuse before the per-window cap is even
	// consulted. Default: 100ms.
	Debounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.TokenLength == 0 {
		c.TokenLength = token.DefaultLength
	}
	if c.TTL == 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxTokensPerIP == 0 {
		c.MaxTokensPerIP = 20
	}
	if c.Timeframe == 0 {
		c.Timeframe = 600 * time.Second
	}
	if c.Debounce == 0 {
		c.Debounce = 100 * time.Millisecond
	}
	return c
}

// Manager is the session store facade used by the protocol handlers.
type Manager struct {
	store    storage.SessionStore
	cfg      Config
	debounce *security.RateLimiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a session manager over the given backend.
func NewManager(store storage.SessionStore, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Manager{
		store:    store,
		cfg:      cfg,
		debounce: security.NewRateLimiter(security.Every(cfg.Debounce), 1, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source, for tests. The debounce limiter keeps
// wall-clock time.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// CreateToken issues a new anonymous session for the IP. Returns
// ErrRateLimited when the IP is inside the debounce window or has already
// been issued MaxTokensPerIP sessions within the timeframe.
func (m *Manager) CreateToken(ctx context.Context, ip string) (string, error) {
	if !m.debounce.Allow(ip) {
		m.logger.Warn("Session issuance debounced", "ip", ip)
		return "", ErrRateLimited
	}

	since := m.now().Add(-m.cfg.Timeframe)
	count, err := m.store.CountSessionsByIP(ctx, ip, since)
	if err != nil {
		return "", fmt.Errorf("session: count by ip: %w", err)
	}
	if count >= m.cfg.MaxTokensPerIP {
		m.logger.Warn("Session issuance rate limit exceeded",
			"ip", ip, "count", count, "max", m.cfg.MaxTokensPerIP)
		return "", ErrRateLimited
	}

	tok, err := token.Generate(m.cfg.TokenLength, token.AlphabetAlphanumeric)
	if err != nil {
		return "", err
	}

	now := m.now()
	s := &storage.SessionToken{
		Token:     tok,
		IP:        ip,
		IssuedAt:  now,
		LastUsed:  now,
		ExpiresAt: now.Add(m.cfg.TTL),
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		return "", fmt.Errorf("session: save: %w", err)
	}
	return tok, nil
}

// IsToken reports whether the token exists at all, expired or not.
func (m *Manager) IsToken(ctx context.Context, tok string) bool {
	_, err := m.store.GetSession(ctx, tok)
	return err == nil
}

// IsValid reports whether the token exists and has not expired.
func (m *Manager) IsValid(ctx context.Context, tok string) bool {
	s, err := m.store.GetSession(ctx, tok)
	return err == nil && s.ExpiresAt.After(m.now())
}

// get returns the live session or ErrInvalidToken.
func (m *Manager) get(ctx context.Context, tok string) (*storage.SessionToken, error) {
	s, err := m.store.GetSession(ctx, tok)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !s.ExpiresAt.After(m.now()) {
		return nil, ErrInvalidToken
	}
	return s, nil
}

// GetDocument returns the session's embedded document.
func (m *Manager) GetDocument(ctx context.Context, tok string) (*storage.SessionDocument, error) {
	s, err := m.get(ctx, tok)
	if err != nil {
		return nil, err
	}
	doc := s.Document
	return &doc, nil
}

// SetDocument replaces the session document. Like every mutating call it
// extends the session's expiry and stamps LastUsed.
func (m *Manager) SetDocument(ctx context.Context, tok string, doc *storage.SessionDocument) error {
	return m.mutate(ctx, tok, func(s *storage.SessionToken) {
		s.Document = *doc
	})
}

func (m *Manager) mutate(ctx context.Context, tok string, fn func(*storage.SessionToken)) error {
	s, err := m.get(ctx, tok)
	if err != nil {
		return err
	}
	fn(s)
	now := m.now()
	s.LastUsed = now
	s.ExpiresAt = now.Add(m.cfg.TTL)
	return m.store.SaveSession(ctx, s)
}

// Login appends the user to the session's logged-in set and records them in
// the append-only PreviouslyLoggedIn audit trail.
func (m *Manager) Login(ctx context.Context, tok, userID string) error {
	return m.mutate(ctx, tok, func(s *storage.SessionToken) {
		if !s.Document.HasUser(userID) {
			s.Document.Users = append(s.Document.Users, storage.SessionUser{ID: userID})
		}
		for _, u := range s.Document.PreviouslyLoggedIn {
			if u.ID == userID {
				return
			}
		}
		s.Document.PreviouslyLoggedIn = append(s.Document.PreviouslyLoggedIn, storage.SessionUser{ID: userID})
	})
}

// Logout removes the user from the session; an empty userID logs out
// everyone. PreviouslyLoggedIn is never trimmed.
func (m *Manager) Logout(ctx context.Context, tok, userID string) error {
	return m.mutate(ctx, tok, func(s *storage.SessionToken) {
		if userID == "" {
			s.Document.Users = nil
			return
		}
		// Filter into a fresh slice; reusing the backing array would
		// write through snapshots handed out before the logout.
		users := make([]storage.SessionUser, 0, len(s.Document.Users))
		for _, u := range s.Document.Users {
			if u.ID != userID {
				users = append(users, u)
			}
		}
		s.Document.Users = users
	})
}

// SetExtendedAuthentication replaces the session's in-flight challenge
// state. Passing nil clears it.
func (m *Manager) SetExtendedAuthentication(ctx context.Context, tok string, ext *storage.ExtendedAuthentication) error {
	return m.mutate(ctx, tok, func(s *storage.SessionToken) {
		s.Document.ExtendedAuthentication = ext
	})
}

// AppendAuthenticationStatus shallow-merges the partial status into the
// session document, keyed by channel: a new email challenge does not
// clobber an in-flight phone challenge and vice versa.
func (m *Manager) AppendAuthenticationStatus(ctx context.Context, tok string, partial *storage.AuthenticationStatus) error {
	return m.mutate(ctx, tok, func(s *storage.SessionToken) {
		if s.Document.AuthenticationStatus == nil {
			s.Document.AuthenticationStatus = &storage.AuthenticationStatus{}
		}
		if partial.Email != nil {
			s.Document.AuthenticationStatus.Email = partial.Email
		}
		if partial.Phone != nil {
			s.Document.AuthenticationStatus.Phone = partial.Phone
		}
	})
}

// GarbageCollect deletes expired sessions and returns how many were
// removed.
func (m *Manager) GarbageCollect(ctx context.Context) (int, error) {
	return m.store.DeleteExpiredSessions(ctx, m.now())
}
