package challenge

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gatekit/gatekeeper/storage"
	"github.com/gatekit/gatekeeper/token"
)

const numericChallengeLength = 6

func generateNumericChallenge() (string, error) {
	return token.Generate(numericChallengeLength, "0123456789")
}

func codesEqual(challenge, response string) bool {
	return subtle.ConstantTimeCompare(
		[]byte(strings.TrimSpace(challenge)),
		[]byte(strings.TrimSpace(response)),
	) == 1
}

// smsMethod delivers a 6-digit code to the user's phone.
type smsMethod struct {
	cooldown time.Duration
}

func newSMSMethod(cooldown time.Duration) *smsMethod {
	return &smsMethod{cooldown: cooldown}
}

func (m *smsMethod) Name() storage.AuthMethod { return storage.MethodSMS }

func (m *smsMethod) Generate() (string, error) { return generateNumericChallenge() }

func (m *smsMethod) ShouldDeliver() bool { return true }

func (m *smsMethod) IsAdequate(signinType storage.SigninType, hasContext bool) bool {
	if signinType == storage.SigninTwoFactor {
		return true
	}
	// Passwordless SMS needs a username to know which phone to text.
	return hasContext
}

func (m *smsMethod) Verify(_ context.Context, challenge, response string, data *storage.AuthMethodData) bool {
	if data == nil || data.SMS == nil || challenge == "" {
		return false
	}
	return codesEqual(challenge, response)
}

func (m *smsMethod) Cooldown() time.Duration { return m.cooldown }
