package challenge

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"

	"github.com/gatekit/gatekeeper/storage"
	"github.com/gatekit/gatekeeper/token"
)

// pgpChallengeLength is the length of the opaque token the user signs.
const pgpChallengeLength = 64

// pgpMethod asks the user to sign a server-issued token with their
// registered key. The signed message is accepted in cleartext-signed or
// armored form; the recovered plaintext must equal the challenge and every
// embedded signature must verify.
type pgpMethod struct {
	logger *slog.Logger
}

func newPGPMethod(logger *slog.Logger) *pgpMethod {
	return &pgpMethod{logger: logger}
}

func (m *pgpMethod) Name() storage.AuthMethod { return storage.MethodPGPKey }

func (m *pgpMethod) Generate() (string, error) {
	return token.Generate(pgpChallengeLength, token.AlphabetAlphanumeric)
}

// ShouldDeliver is false: the challenge is returned to the caller to sign
// locally.
func (m *pgpMethod) ShouldDeliver() bool { return false }

func (m *pgpMethod) IsAdequate(storage.SigninType, bool) bool { return true }

func (m *pgpMethod) Verify(_ context.Context, challenge, response string, data *storage.AuthMethodData) (ok bool) {
	// Signature parsing works on hostile input; a panic in the packet
	// reader must surface as a plain verification failure.
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("PGP verification panicked", "panic", r)
			ok = false
		}
	}()

	if data == nil || data.PGP == nil || challenge == "" || response == "" {
		return false
	}

	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(data.PGP.PublicKey))
	if err != nil {
		return false
	}

	if plaintext, verified := verifyCleartext(keyring, response); verified {
		return strings.TrimSpace(plaintext) == challenge
	}
	if plaintext, verified := verifyArmoredMessage(keyring, response); verified {
		return strings.TrimSpace(plaintext) == challenge
	}
	return false
}

func (m *pgpMethod) Cooldown() time.Duration { return 0 }

func verifyCleartext(keyring openpgp.EntityList, response string) (string, bool) {
	block, _ := clearsign.Decode([]byte(response))
	if block == nil || block.ArmoredSignature == nil {
		return "", false
	}
	_, err := openpgp.CheckDetachedSignature(
		keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil)
	if err != nil {
		return "", false
	}
	return string(block.Plaintext), true
}

func verifyArmoredMessage(keyring openpgp.EntityList, response string) (string, bool) {
	block, err := armor.Decode(strings.NewReader(response))
	if err != nil {
		return "", false
	}
	md, err := openpgp.ReadMessage(block.Body, keyring, nil, nil)
	if err != nil {
		return "", false
	}
	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return "", false
	}
	// SignatureError is only populated once UnverifiedBody is drained.
	if md.SignatureError != nil || md.SignedBy == nil {
		return "", false
	}
	return string(plaintext), true
}
