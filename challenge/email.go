package challenge

import (
	"context"
	"time"

	"github.com/gatekit/gatekeeper/storage"
)

// emailMethod delivers a 6-digit code to the user's mailbox.
type emailMethod struct {
	cooldown time.Duration
}

func newEmailMethod(cooldown time.Duration) *emailMethod {
	return &emailMethod{cooldown: cooldown}
}

func (m *emailMethod) Name() storage.AuthMethod { return storage.MethodEmail }

func (m *emailMethod) Generate() (string, error) { return generateNumericChallenge() }

func (m *emailMethod) ShouldDeliver() bool { return true }

func (m *emailMethod) IsAdequate(signinType storage.SigninType, hasContext bool) bool {
	if signinType == storage.SigninTwoFactor {
		return true
	}
	return hasContext
}

func (m *emailMethod) Verify(_ context.Context, challenge, response string, data *storage.AuthMethodData) bool {
	if data == nil || data.Email == nil || challenge == "" {
		return false
	}
	return codesEqual(challenge, response)
}

func (m *emailMethod) Cooldown() time.Duration { return m.cooldown }
