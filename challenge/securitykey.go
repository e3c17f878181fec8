package challenge

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/gatekit/gatekeeper/storage"
)

// securityKeyMethod verifies WebAuthn assertions against the user's stored
// credential. The response is the JSON assertion produced by
// navigator.credentials.get; the stored sign counter advances after every
// successful verify to block replayed authenticator output.
type securityKeyMethod struct {
	web    *webauthn.WebAuthn
	logger *slog.Logger
}

func newSecurityKeyMethod(cfg Config, logger *slog.Logger) (*securityKeyMethod, error) {
	web, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, err
	}
	return &securityKeyMethod{web: web, logger: logger}, nil
}

func (m *securityKeyMethod) Name() storage.AuthMethod { return storage.MethodSecurityKey }

func (m *securityKeyMethod) Generate() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	// Base64url without padding, the encoding the client echoes back in
	// clientDataJSON.
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (m *securityKeyMethod) ShouldDeliver() bool { return false }

func (m *securityKeyMethod) IsAdequate(storage.SigninType, bool) bool { return true }

func (m *securityKeyMethod) Verify(_ context.Context, challenge, response string, data *storage.AuthMethodData) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("WebAuthn verification panicked", "panic", r)
			ok = false
		}
	}()

	if data == nil || data.SecurityKey == nil || challenge == "" || response == "" {
		return false
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(response))
	if err != nil {
		return false
	}

	user := &assertionUser{key: data.SecurityKey}
	session := webauthn.SessionData{
		Challenge: challenge,
		UserID:    data.SecurityKey.UserHandle,
	}

	cred, err := m.web.ValidateLogin(user, session, parsed)
	if err != nil {
		return false
	}
	if cred.Authenticator.CloneWarning {
		m.logger.Warn("WebAuthn clone warning: sign counter did not advance")
		return false
	}

	data.SecurityKey.SignCount = cred.Authenticator.SignCount
	return true
}

func (m *securityKeyMethod) Cooldown() time.Duration { return 0 }

// assertionUser adapts a stored credential to the webauthn.User interface.
type assertionUser struct {
	key *storage.SecurityKeyData
}

func (u *assertionUser) WebAuthnID() []byte          { return u.key.UserHandle }
func (u *assertionUser) WebAuthnName() string        { return "gatekeeper" }
func (u *assertionUser) WebAuthnDisplayName() string { return "gatekeeper" }

func (u *assertionUser) WebAuthnCredentials() []webauthn.Credential {
	return []webauthn.Credential{{
		ID:        u.key.CredentialID,
		PublicKey: u.key.PublicKey,
		Authenticator: webauthn.Authenticator{
			AAGUID:    u.key.AAGUID,
			SignCount: u.key.SignCount,
		},
	}}
}
