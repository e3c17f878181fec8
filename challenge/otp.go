package challenge

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/gatekit/gatekeeper/storage"
)

const (
	totpDigits = 6
	totpPeriod = 30
	// totpWindow is the number of time steps accepted either side of now,
	// absorbing clock drift between server and authenticator app.
	totpWindow = 2
)

// otpMethod verifies TOTP codes against the user's shared secret. There is
// no server-issued nonce and nothing to deliver.
type otpMethod struct {
	now func() time.Time
}

func newOTPMethod() *otpMethod {
	return &otpMethod{now: time.Now}
}

func (m *otpMethod) Name() storage.AuthMethod { return storage.MethodOTP }

func (m *otpMethod) Generate() (string, error) { return "", nil }

func (m *otpMethod) ShouldDeliver() bool { return false }

func (m *otpMethod) IsAdequate(signinType storage.SigninType, hasContext bool) bool {
	if signinType == storage.SigninTwoFactor {
		return true
	}
	return hasContext
}

func (m *otpMethod) Verify(_ context.Context, _ string, response string, data *storage.AuthMethodData) bool {
	if data == nil || data.OTP == nil {
		return false
	}
	return verifyTOTP(data.OTP.Secret, response, m.now())
}

func (m *otpMethod) Cooldown() time.Duration { return 0 }

func verifyTOTP(secret, code string, now time.Time) bool {
	code = strings.TrimSpace(strings.ReplaceAll(code, " ", ""))
	if len(code) != totpDigits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	for i := -totpWindow; i <= totpWindow; i++ {
		at := now.Add(time.Duration(i*totpPeriod) * time.Second)
		expected, err := totpCodeAt(secret, at)
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

func totpCodeAt(secret string, at time.Time) (string, error) {
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).
		DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return "", err
	}

	counter := uint64(at.Unix() / totpPeriod)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, decoded)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	binCode := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)
	return fmt.Sprintf("%06d", binCode%1000000), nil
}
