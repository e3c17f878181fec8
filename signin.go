package gatekeeper

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatekit/gatekeeper/security"
	"github.com/gatekit/gatekeeper/storage"
)

// SigninWithPassword authenticates the user by password on the given
// session. Users without two-factor enabled are logged in directly. For
// two-factor users a challenge is issued on the chosen method (or the
// first two-factor-capable method when method is empty) and the session
// holds it until CompleteSignin.
//
// Unknown usernames and wrong passwords are indistinguishable to the
// caller.
func (s *Server) SigninWithPassword(ctx context.Context, sessionToken, username, password string, method storage.AuthMethod) (*SigninResult, error) {
	if !s.sessions.IsValid(ctx, sessionToken) {
		return nil, ErrInvalidToken("Session token is invalid or expired")
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.auditor.LogAuthFailure("", "", "", "unknown_username")
			return nil, ErrAuthRequestInvalid("Invalid username or password")
		}
		return nil, fmt.Errorf("gatekeeper: resolve user: %w", err)
	}

	record, err := s.store.GetAuthMethod(ctx, user.ID, storage.MethodPassword)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAuthRequestInvalid("Invalid username or password")
		}
		return nil, fmt.Errorf("gatekeeper: resolve password record: %w", err)
	}
	if record.Data.Password == nil ||
		bcrypt.CompareHashAndPassword([]byte(record.Data.Password.Hash), []byte(password)) != nil {
		s.auditor.LogAuthFailure(user.ID, "", "", "bad_password")
		return nil, ErrAuthRequestInvalid("Invalid username or password")
	}

	if !user.UseTwoFactor {
		if err := s.sessions.Login(ctx, sessionToken, user.ID); err != nil {
			return nil, fmt.Errorf("gatekeeper: login session: %w", err)
		}
		return &SigninResult{LoggedIn: true, UserID: user.ID}, nil
	}

	second, err := s.pickSecondFactor(ctx, user.ID, method)
	if err != nil {
		return nil, err
	}
	return s.issueChallenge(ctx, sessionToken, storage.SigninTwoFactor, user, second)
}

// pickSecondFactor resolves the two-factor method record to challenge.
// An empty method means the first registered two-factor-capable
// non-password method.
func (s *Server) pickSecondFactor(ctx context.Context, userID string, method storage.AuthMethod) (*storage.AuthenticationMethod, error) {
	if method != "" {
		record, err := s.store.GetAuthMethod(ctx, userID, method)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrAuthRequestInvalid("Authentication method is not registered")
			}
			return nil, fmt.Errorf("gatekeeper: resolve auth method: %w", err)
		}
		if record.Method == storage.MethodPassword || !record.AllowTwoFactor {
			return nil, ErrAuthRequestInvalid("Authentication method cannot serve as a second factor")
		}
		return record, nil
	}

	records, err := s.store.ListAuthMethods(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: list auth methods: %w", err)
	}
	for _, record := range records {
		if record.Method != storage.MethodPassword && record.AllowTwoFactor {
			return record, nil
		}
	}
	return nil, ErrAuthRequestInvalid("No second factor is registered")
}

// SigninPasswordless starts a passwordless sign-in on the session.
func (s *Server) SigninPasswordless(ctx context.Context, sessionToken, username string, method storage.AuthMethod) (*SigninResult, error) {
	if !s.sessions.IsValid(ctx, sessionToken) {
		return nil, ErrInvalidToken("Session token is invalid or expired")
	}

	impl, ok := s.challenges.Method(method)
	if !ok {
		return nil, ErrInvalidRequest("Unknown authentication method")
	}
	// Account resolution always goes through the username: challenges are
	// verified against that account's registered key or contact, and
	// key-based account discovery is not supported.
	if username == "" {
		return nil, ErrInvalidRequest("username is required")
	}
	if !impl.IsAdequate(storage.SigninPasswordless, true) {
		return nil, ErrInvalidRequest("Authentication method cannot serve passwordless sign-in")
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.auditor.LogAuthFailure("", "", "", "unknown_username")
			return nil, ErrAuthRequestInvalid("Sign-in request was refused")
		}
		return nil, fmt.Errorf("gatekeeper: resolve user: %w", err)
	}

	record, err := s.store.GetAuthMethod(ctx, user.ID, method)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAuthRequestInvalid("Sign-in request was refused")
		}
		return nil, fmt.Errorf("gatekeeper: resolve auth method: %w", err)
	}
	if !record.AllowSingleFactor {
		return nil, ErrAuthRequestInvalid("Authentication method does not permit passwordless sign-in")
	}

	return s.issueChallenge(ctx, sessionToken, storage.SigninPasswordless, user, record)
}

// issueChallenge generates a challenge for the method, delivers it when
// the method requires delivery, and stores it as the session's in-flight
// challenge. Any previous in-flight challenge is overwritten.
func (s *Server) issueChallenge(ctx context.Context, sessionToken string, signinType storage.SigninType, user *storage.User, record *storage.AuthenticationMethod) (*SigninResult, error) {
	impl, ok := s.challenges.Method(record.Method)
	if !ok {
		return nil, ErrInvalidRequest("Unknown authentication method")
	}

	if s.challenges.IsRateLimited(record.Method, record.LastChallengedAt) {
		s.auditor.LogEvent(security.Event{
			Type:   security.EventRateLimitExceeded,
			UserID: user.ID,
			Details: map[string]any{
				"method": string(record.Method),
			},
		})
		return nil, ErrRateLimited("A challenge was issued recently; wait before requesting another")
	}

	value, err := impl.Generate()
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: generate challenge: %w", err)
	}

	if impl.ShouldDeliver() {
		if err := s.deliverChallenge(ctx, record, value); err != nil {
			s.logger.Error("Challenge delivery failed",
				"method", record.Method, "error", err)
			return nil, ErrServerError("Failed to deliver challenge")
		}
		record.LastChallengedAt = s.now()
		if err := s.store.SaveAuthMethod(ctx, record); err != nil {
			return nil, fmt.Errorf("gatekeeper: save auth method: %w", err)
		}
	}

	ext := &storage.ExtendedAuthentication{
		Type:               signinType,
		Method:             record.Method,
		Challenge:          value,
		ChallengeCreatedAt: s.now(),
		UserID:             user.ID,
	}
	if err := s.sessions.SetExtendedAuthentication(ctx, sessionToken, ext); err != nil {
		return nil, fmt.Errorf("gatekeeper: store challenge: %w", err)
	}

	s.auditor.LogChallenge(security.EventChallengeIssued, user.ID, string(record.Method))

	result := &SigninResult{ChallengeMethod: string(record.Method)}
	if !impl.ShouldDeliver() {
		// PGP and security keys sign the challenge locally; OTP has no
		// server-issued value at all.
		result.Challenge = value
	}
	return result, nil
}

// deliverChallenge pushes the challenge through the notification boundary.
func (s *Server) deliverChallenge(ctx context.Context, record *storage.AuthenticationMethod, value string) error {
	switch record.Method {
	case storage.MethodSMS:
		if record.Data.SMS == nil {
			return fmt.Errorf("sms method has no phone number")
		}
		return s.notifier.SendSMS(ctx, record.Data.SMS.PhoneNumber,
			fmt.Sprintf("Your verification code is %s", value))
	case storage.MethodEmail:
		if record.Data.Email == nil {
			return fmt.Errorf("email method has no address")
		}
		return s.notifier.SendEmail(ctx, record.Data.Email.Address,
			"Your verification code",
			fmt.Sprintf("Your verification code is %s", value))
	default:
		return fmt.Errorf("method %s does not deliver", record.Method)
	}
}

// CompleteSignin verifies the response against the session's in-flight
// challenge and logs the user in. An expired challenge clears the in-flight
// state and the flow must restart.
func (s *Server) CompleteSignin(ctx context.Context, sessionToken, response string) (*SigninResult, error) {
	doc, err := s.sessions.GetDocument(ctx, sessionToken)
	if err != nil {
		return nil, ErrInvalidToken("Session token is invalid or expired")
	}
	ext := doc.ExtendedAuthentication
	if ext == nil {
		return nil, ErrAuthRequestInvalid("No sign-in challenge is in progress")
	}

	if s.now().Sub(ext.ChallengeCreatedAt) > s.config.ChallengeTTL {
		if err := s.sessions.SetExtendedAuthentication(ctx, sessionToken, nil); err != nil {
			s.logger.Warn("Failed to clear expired challenge", "error", err)
		}
		return nil, ErrAuthTimeout("Challenge has expired; restart sign-in")
	}

	impl, ok := s.challenges.Method(ext.Method)
	if !ok {
		return nil, ErrAuthRequestInvalid("Challenge method is no longer available")
	}

	record, err := s.store.GetAuthMethod(ctx, ext.UserID, ext.Method)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAuthRequestInvalid("Challenge response does not match")
		}
		return nil, fmt.Errorf("gatekeeper: resolve auth method: %w", err)
	}

	if !impl.Verify(ctx, ext.Challenge, response, &record.Data) {
		s.auditor.LogChallenge(security.EventChallengeFailed, ext.UserID, string(ext.Method))
		return nil, ErrAuthRequestInvalid("Challenge response does not match")
	}

	// Security keys advance their sign counter during verification; the
	// updated record must land before the session flips to logged in.
	if err := s.store.SaveAuthMethod(ctx, record); err != nil {
		return nil, fmt.Errorf("gatekeeper: save auth method: %w", err)
	}
	if err := s.sessions.SetExtendedAuthentication(ctx, sessionToken, nil); err != nil {
		return nil, fmt.Errorf("gatekeeper: clear challenge: %w", err)
	}
	if err := s.sessions.Login(ctx, sessionToken, ext.UserID); err != nil {
		return nil, fmt.Errorf("gatekeeper: login session: %w", err)
	}

	s.auditor.LogChallenge(security.EventChallengeVerified, ext.UserID, string(ext.Method))
	return &SigninResult{LoggedIn: true, UserID: ext.UserID}, nil
}

// Logout removes the user from the session; an empty userID logs out every
// user on it.
func (s *Server) Logout(ctx context.Context, sessionToken, userID string) error {
	if err := s.sessions.Logout(ctx, sessionToken, userID); err != nil {
		return ErrInvalidToken("Session token is invalid or expired")
	}
	return nil
}

// SaveAuthMethod registers or updates an authentication method for a user
// and re-checks the two-factor lockout invariant afterwards.
func (s *Server) SaveAuthMethod(ctx context.Context, record *storage.AuthenticationMethod) error {
	if _, ok := s.challenges.Method(record.Method); !ok && record.Method != storage.MethodPassword {
		return ErrInvalidRequest("Unknown authentication method")
	}
	if err := s.store.SaveAuthMethod(ctx, record); err != nil {
		return fmt.Errorf("gatekeeper: save auth method: %w", err)
	}
	return s.enforceTwoFactorInvariant(ctx, record.UserID)
}

// RemoveAuthMethod deletes an authentication method. Removing the last
// two-factor-capable non-password method of a two-factor user disables
// two-factor rather than locking the account out.
func (s *Server) RemoveAuthMethod(ctx context.Context, userID string, method storage.AuthMethod) error {
	if err := s.store.DeleteAuthMethod(ctx, userID, method); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound("Authentication method is not registered")
		}
		return fmt.Errorf("gatekeeper: delete auth method: %w", err)
	}
	return s.enforceTwoFactorInvariant(ctx, userID)
}

// enforceTwoFactorInvariant disables UseTwoFactor when the user no longer
// holds any non-password method with AllowTwoFactor.
func (s *Server) enforceTwoFactorInvariant(ctx context.Context, userID string) error {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("gatekeeper: resolve user: %w", err)
	}
	if !user.UseTwoFactor {
		return nil
	}

	records, err := s.store.ListAuthMethods(ctx, userID)
	if err != nil {
		return fmt.Errorf("gatekeeper: list auth methods: %w", err)
	}
	for _, record := range records {
		if record.Method != storage.MethodPassword && record.AllowTwoFactor {
			return nil
		}
	}

	user.UseTwoFactor = false
	if err := s.store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("gatekeeper: save user: %w", err)
	}
	s.logger.Warn("Two-factor disabled: no capable second factor remains", "user_id", userID)
	return nil
}
