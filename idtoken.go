package gatekeeper

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatekit/gatekeeper/storage"
)

// identityClaims returns the scope-gated claim set shared by ID tokens and
// the userinfo endpoint. The sub claim is always present; profile, email,
// and phone claims appear only when their scope was granted.
func identityClaims(user *storage.User, scopes []string) map[string]any {
	claims := map[string]any{"sub": user.ID}

	for _, scope := range scopes {
		switch scope {
		case ScopeProfile:
			claims["preferred_username"] = user.Username
			if user.Name.Given != "" {
				claims["given_name"] = user.Name.Given
			}
			if user.Name.Family != "" {
				claims["family_name"] = user.Name.Family
			}
		case ScopeEmail:
			claims["email"] = user.Email
			claims["email_verified"] = user.EmailVerified
		case ScopePhone:
			claims["phone_number"] = user.Phone
			claims["phone_number_verified"] = user.PhoneVerified
		}
	}
	return claims
}

// mintIDToken signs an ID token for the user and client. authTime is when
// the user last authenticated; nonce, when non-empty, is echoed for replay
// protection.
func (s *Server) mintIDToken(user *storage.User, clientID string, scopes []string, nonce string, authTime time.Time) (string, error) {
	if len(s.config.IDTokenSigningKey) == 0 {
		return "", fmt.Errorf("id token signing key not configured")
	}

	now := s.now()
	claims := jwt.MapClaims{
		"iss":       s.config.Issuer,
		"aud":       clientID,
		"iat":       now.Unix(),
		"exp":       now.Add(s.config.IDTokenTTL).Unix(),
		"auth_time": authTime.Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	for name, value := range identityClaims(user, scopes) {
		claims[name] = value
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.IDTokenSigningKey)
	if err != nil {
		return "", fmt.Errorf("sign id token: %w", err)
	}
	return signed, nil
}

// ParseIDToken verifies a token minted by this server and returns its
// claims. Exposed for tests and for resource servers sharing the key.
func (s *Server) ParseIDToken(raw string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.config.IDTokenSigningKey, nil
	}, jwt.WithIssuer(s.config.Issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid id token")
	}
	return claims, nil
}
