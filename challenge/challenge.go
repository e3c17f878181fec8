// Package challenge generates and verifies authentication challenges for
// the five non-password methods. Each method is a capability implementation
// registered in the Engine; dispatch is by method enum, semantics live with
// the method.
package challenge

import (
	"context"
	"log/slog"
	"time"

	"github.com/gatekit/gatekeeper/storage"
)

// Method is one authentication method's challenge semantics.
type Method interface {
	// Name returns the method enum this implementation serves.
	Name() storage.AuthMethod

	// Generate produces a new challenge. An empty string means the method
	// has no server-issued nonce (OTP).
	Generate() (string, error)

	// ShouldDeliver reports whether the challenge must be pushed through
	// the notification service rather than returned to the caller to sign.
	ShouldDeliver() bool

	// IsAdequate reports whether the method may serve the given sign-in
	// type. hasContext is true when the caller supplied a username or
	// equivalent account context.
	IsAdequate(signinType storage.SigninType, hasContext bool) bool

	// Verify checks response against the issued challenge and the user's
	// stored method data. Implementations may advance replay counters in
	// data; the caller persists the record after a successful verify.
	// Verification never returns an error: any failure, including
	// malformed cryptographic input, yields false.
	Verify(ctx context.Context, challenge, response string, data *storage.AuthMethodData) bool

	// Cooldown returns the minimum interval between challenge issuances,
	// or zero when the method is not rate-limited at issuance.
	Cooldown() time.Duration
}

// Config tunes the engine.
type Config struct {
	// SMSCooldown and EmailCooldown throttle challenge delivery per
	// contact. Default: 60s each.
	SMSCooldown   time.Duration
	EmailCooldown time.Duration

	// RPDisplayName, RPID, and RPOrigins configure WebAuthn assertion
	// verification for the SECURITY_KEY method.
	RPDisplayName string
	RPID          string
	RPOrigins     []string
}

func (c Config) withDefaults() Config {
	if c.SMSCooldown == 0 {
		c.SMSCooldown = 60 * time.Second
	}
	if c.EmailCooldown == 0 {
		c.EmailCooldown = 60 * time.Second
	}
	if c.RPDisplayName == "" {
		c.RPDisplayName = "Gatekeeper"
	}
	return c
}

// Engine holds the method registry.
type Engine struct {
	methods map[storage.AuthMethod]Method
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an engine with all five methods registered.
func NewEngine(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	securityKey, err := newSecurityKeyMethod(cfg, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		methods: make(map[storage.AuthMethod]Method),
		logger:  logger,
		now:     time.Now,
	}
	for _, m := range []Method{
		newSMSMethod(cfg.SMSCooldown),
		newEmailMethod(cfg.EmailCooldown),
		newOTPMethod(),
		newPGPMethod(logger),
		securityKey,
	} {
		e.methods[m.Name()] = m
	}
	return e, nil
}

// SetClock overrides the time source, for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Method resolves a registered method implementation.
func (e *Engine) Method(name storage.AuthMethod) (Method, bool) {
	m, ok := e.methods[name]
	return m, ok
}

// IsRateLimited reports whether issuing a new challenge for the method is
// still inside its cool-down window, given when the last one was issued.
func (e *Engine) IsRateLimited(name storage.AuthMethod, lastIssuedAt time.Time) bool {
	m, ok := e.methods[name]
	if !ok {
		return false
	}
	cooldown := m.Cooldown()
	if cooldown == 0 || lastIssuedAt.IsZero() {
		return false
	}
	return e.now().Sub(lastIssuedAt) < cooldown
}
