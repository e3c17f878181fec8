// Package gatekeeper implements an OAuth 2.0 / OpenID Connect identity
// provider: authorization-code, device-code, and refresh grants over a
// pluggable datastore, with multi-factor sign-in feeding the grants.
//
// Server holds the protocol logic; Handler adapts it to HTTP.
package gatekeeper

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gatekit/gatekeeper/challenge"
	"github.com/gatekit/gatekeeper/ledger"
	"github.com/gatekit/gatekeeper/notify"
	"github.com/gatekit/gatekeeper/registry"
	"github.com/gatekit/gatekeeper/security"
	"github.com/gatekit/gatekeeper/session"
	"github.com/gatekit/gatekeeper/storage"
	"github.com/gatekit/gatekeeper/token"
)

// Server implements the authorization and token lifecycle engine.
type Server struct {
	store      storage.Datastore
	registry   *registry.Registry
	ledger     *ledger.Ledger
	sessions   *session.Manager
	challenges *challenge.Engine
	codec      *token.Codec
	notifier   notify.Notifier

	// devicePolls throttles token-endpoint polling per device code.
	devicePolls *security.RateLimiter

	auditor *security.Auditor
	config  Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewServer wires the protocol engine over the given datastore and
// collaborators. A nil notifier falls back to log-only delivery.
func NewServer(store storage.Datastore, sessions *session.Manager, challenges *challenge.Engine, notifier notify.Notifier, config Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("gatekeeper: datastore is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("gatekeeper: session manager is required")
	}
	if challenges == nil {
		return nil, fmt.Errorf("gatekeeper: challenge engine is required")
	}
	config = applyDefaults(config)
	logger := config.Logger
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}

	codec := token.NewCodec(config.TokenValidity)
	return &Server{
		store:       store,
		registry:    registry.New(store, logger),
		ledger:      ledger.New(store, store, codec, logger),
		sessions:    sessions,
		challenges:  challenges,
		codec:       codec,
		notifier:    notifier,
		devicePolls: security.NewRateLimiter(security.Every(config.DevicePollInterval), 1, logger),
		auditor:     security.NewAuditor(logger, config.EnableAuditLogging),
		config:      config,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// SetClock overrides the time source for the server and its codec.
// Intended for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
	s.codec = token.NewCodec(s.config.TokenValidity, token.WithClock(now))
	s.ledger = ledger.New(s.store, s.store, s.codec, s.logger)
	s.ledger.SetClock(now)
}

// Sessions exposes the session manager for the HTTP layer.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Registry exposes the client registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Codec exposes the token codec.
func (s *Server) Codec() *token.Codec { return s.codec }

// Close releases background resources.
func (s *Server) Close() {
	s.devicePolls.Stop()
}

// ------------------------------------------------------------
// Authorization-code grant
// ------------------------------------------------------------

// AuthorizeRequest carries the authorization endpoint parameters plus the
// session-authenticated user.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	AccessType          string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string

	// UserID is the authenticated user granting consent.
	UserID string
}

// AuthorizeResult carries the minted code and the redirect target.
type AuthorizeResult struct {
	Code        string
	State       string
	RedirectURI string
}

// RedirectLocation builds the redirect_uri with code and state attached.
func (r *AuthorizeResult) RedirectLocation() string {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		return r.RedirectURI
	}
	q := u.Query()
	q.Set("code", r.Code)
	if r.State != "" {
		q.Set("state", r.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Authorize runs the authorization-code grant up to code issuance:
// client, redirect, response type, scope, and ACL checks, then grant
// upsert and AUTHORIZATION_CODE mint.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	client, err := s.registry.GetByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("Unknown client")
		}
		return nil, fmt.Errorf("gatekeeper: resolve client: %w", err)
	}

	valid, err := s.registry.IsValidRedirectURI(ctx, client.ID, req.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: check redirect uri: %w", err)
	}
	if !valid {
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	if req.ResponseType != "code" {
		return nil, ErrUnsupportedResponseType(fmt.Sprintf("Response type %q is not supported", req.ResponseType))
	}

	switch req.CodeChallengeMethod {
	case "", PKCEMethodS256, PKCEMethodPlain:
	default:
		return nil, ErrInvalidRequest("code_challenge_method must be S256 or plain")
	}
	if req.CodeChallengeMethod != "" && req.CodeChallenge == "" {
		return nil, ErrInvalidRequest("code_challenge is required with code_challenge_method")
	}

	scopes, err := s.validateScopes(ctx, client, req.Scope)
	if err != nil {
		return nil, err
	}

	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrForbidden("Unknown user")
		}
		return nil, fmt.Errorf("gatekeeper: resolve user: %w", err)
	}
	if !s.registry.CheckUserAccess(&client.ACL, user) {
		s.auditor.LogAuthFailure(user.ID, client.ID, "", "acl_denied")
		return nil, ErrForbidden("User is not permitted to authorize this client")
	}

	auth, err := s.ledger.CreateOrReuseAuthorization(ctx, client.ID, user, scopes)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: upsert authorization: %w", err)
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" && method == "" {
		method = PKCEMethodPlain
	}
	code, err := s.ledger.CreateToken(ctx, auth, token.TypeAuthorizationCode, storage.TokenMetadata{
		Code: &storage.CodeMetadata{
			Offline:             req.AccessType != "online",
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: method,
			Nonce:               req.Nonce,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: mint authorization code: %w", err)
	}

	s.logger.Info("Authorization code issued",
		"client_id", client.ID, "scopes", scopes)
	return &AuthorizeResult{
		Code:        code.Token,
		State:       req.State,
		RedirectURI: req.RedirectURI,
	}, nil
}

// validateScopes splits and checks the requested scope string: every
// permission must be registered, available, and allowed by the client ACL.
// The openid/profile/email/phone scopes carry protocol meaning and are
// always accepted.
func (s *Server) validateScopes(ctx context.Context, client *storage.Client, scope string) ([]string, error) {
	scopes := strings.Fields(scope)
	if len(scopes) == 0 {
		return nil, ErrInvalidScope("scope is required")
	}

	var plain []string
	for _, sc := range scopes {
		switch sc {
		case ScopeOpenID, ScopeProfile, ScopeEmail, ScopePhone:
			continue
		}
		perm, err := s.store.GetPermission(ctx, sc)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrInvalidScope(fmt.Sprintf("Unknown scope %q", sc))
			}
			return nil, fmt.Errorf("gatekeeper: resolve permission: %w", err)
		}
		if !perm.IsAvailable {
			return nil, ErrInvalidScope(fmt.Sprintf("Scope %q is not available", sc))
		}
		plain = append(plain, sc)
	}

	if denied := s.registry.CheckPermissionsAllowed(&client.ACL, plain); len(denied) > 0 {
		return nil, ErrInvalidScope(fmt.Sprintf("Scopes not allowed for this client: %s", strings.Join(denied, " ")))
	}
	return scopes, nil
}

// authenticateClient verifies the client's credentials.
func (s *Server) authenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.registry.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidClient("Unknown client")
		}
		return nil, fmt.Errorf("gatekeeper: resolve client: %w", err)
	}
	ok, err := s.registry.VerifySecret(ctx, clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: verify secret: %w", err)
	}
	if !ok {
		s.auditor.LogAuthFailure("", clientID, "", "bad_client_secret")
		return nil, ErrInvalidClient("Client authentication failed")
	}
	return client, nil
}

// ExchangeAuthorizationCode redeems an authorization code. The consume is
// atomic: concurrent exchanges of the same code yield exactly one success.
// A replayed code is audited and refused.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, clientSecret, redirectURI, codeVerifier string) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	record, err := s.store.ConsumeToken(ctx, code, token.TypeAuthorizationCode)
	if err != nil {
		if errors.Is(err, storage.ErrConsumed) {
			s.logger.Warn("Authorization code replay detected", "client_id", clientID)
			s.auditor.LogEvent(security.Event{
				Type:     security.EventCodeReuseDetected,
				ClientID: clientID,
			})
			return nil, ErrInvalidGrant("Authorization code is invalid or expired")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("Authorization code is invalid or expired")
		}
		return nil, fmt.Errorf("gatekeeper: consume code: %w", err)
	}

	if !s.codec.IsValid(record.Type, record.IssuedAt) {
		return nil, ErrInvalidGrant("Authorization code is invalid or expired")
	}
	if record.ClientID != client.ID {
		return nil, ErrInvalidGrant("Authorization code was issued to a different client")
	}
	if redirectURI != "" {
		valid, err := s.registry.IsValidRedirectURI(ctx, client.ID, redirectURI)
		if err != nil {
			return nil, fmt.Errorf("gatekeeper: check redirect uri: %w", err)
		}
		if !valid {
			return nil, ErrInvalidGrant("redirect_uri does not match")
		}
	}

	meta := record.Metadata.Code
	if meta == nil {
		return nil, ErrInvalidGrant("Authorization code is malformed")
	}
	if err := validatePKCE(meta.CodeChallenge, meta.CodeChallengeMethod, codeVerifier); err != nil {
		s.auditor.LogAuthFailure("", client.ID, "", "pkce_mismatch")
		return nil, err
	}

	auth, err := s.store.GetAuthorization(ctx, record.AuthorizationID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: resolve authorization: %w", err)
	}
	user, err := s.store.GetUser(ctx, auth.UserID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: resolve user: %w", err)
	}

	return s.issueTokens(ctx, auth, user, client.ID, issueOptions{
		offline:  meta.Offline,
		nonce:    meta.Nonce,
		authTime: record.IssuedAt,
	})
}

// validatePKCE checks the verifier against the stored challenge. A code
// minted without a challenge accepts exchanges without a verifier.
func validatePKCE(challengeValue, method, verifier string) error {
	if challengeValue == "" {
		return nil
	}
	if verifier == "" {
		return ErrInvalidGrant("code_verifier is required")
	}
	switch method {
	case PKCEMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(derived), []byte(challengeValue)) != 1 {
			return ErrInvalidGrant("code_verifier does not match")
		}
	case PKCEMethodPlain, "":
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challengeValue)) != 1 {
			return ErrInvalidGrant("code_verifier does not match")
		}
	default:
		return ErrInvalidGrant("Unsupported code_challenge_method")
	}
	return nil
}

type issueOptions struct {
	offline  bool
	nonce    string
	authTime time.Time
}

// issueTokens mints the access token, the refresh token when offline
// access was granted, and the ID token when the openid scope is present.
func (s *Server) issueTokens(ctx context.Context, auth *storage.ClientAuthorization, user *storage.User, clientID string, opts issueOptions) (*TokenResponse, error) {
	access, err := s.ledger.CreateToken(ctx, auth, token.TypeAccessToken, storage.TokenMetadata{})
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: mint access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken: access.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.codec.ExpiresIn(token.TypeAccessToken, access.IssuedAt).Seconds()),
		Scope:       strings.Join(auth.Permissions, " "),
	}

	if opts.offline {
		refresh, err := s.ledger.GetOrRefreshToken(ctx, auth, token.TypeRefreshToken)
		if err != nil {
			return nil, fmt.Errorf("gatekeeper: mint refresh token: %w", err)
		}
		resp.RefreshToken = refresh.Token
	}

	if containsScope(auth.Permissions, ScopeOpenID) {
		authTime := opts.authTime
		if authTime.IsZero() {
			authTime = s.now()
		}
		idToken, err := s.mintIDToken(user, clientID, auth.Permissions, opts.nonce, authTime)
		if err != nil {
			return nil, fmt.Errorf("gatekeeper: mint id token: %w", err)
		}
		resp.IDToken = idToken
	}

	s.auditor.LogTokenIssued(user.ID, clientID, "", resp.Scope)
	return resp, nil
}

func containsScope(scopes []string, want string) bool {
	for _, sc := range scopes {
		if sc == want {
			return true
		}
	}
	return false
}

// ------------------------------------------------------------
// Device-code grant
// ------------------------------------------------------------

// StartDeviceAuthorization mints a device code and user code for the
// client. The device code has no bound user yet; ApproveDevice binds one.
func (s *Server) StartDeviceAuthorization(ctx context.Context, clientID, clientSecret, scope string) (*DeviceCodeResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if _, err := s.validateScopes(ctx, client, scope); err != nil {
		return nil, err
	}

	deviceCode, err := token.Generate(token.DefaultLength, token.AlphabetAlphanumeric)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: generate device code: %w", err)
	}
	userCode, err := token.GenerateUserCode()
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: generate user code: %w", err)
	}

	record := &storage.Token{
		Token:    deviceCode,
		Type:     token.TypeDeviceCode,
		IssuedAt: s.now(),
		ClientID: client.ID,
		Metadata: storage.TokenMetadata{
			Device: &storage.DeviceMetadata{UserCode: userCode, Scope: scope},
		},
	}
	if err := s.store.SaveToken(ctx, record); err != nil {
		return nil, fmt.Errorf("gatekeeper: save device code: %w", err)
	}

	s.logger.Info("Device code issued", "client_id", client.ID)
	return &DeviceCodeResponse{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURL: s.config.DeviceVerificationURL,
		Interval:        int64(s.config.DevicePollInterval.Seconds()),
		ExpiresIn:       int64(s.codec.ExpiresIn(token.TypeDeviceCode, record.IssuedAt).Seconds()),
	}, nil
}

// ApproveDevice binds the authenticated user to the device code carrying
// userCode and flips its authorized flag. The flip is atomic; a code that
// was already decided is refused.
func (s *Server) ApproveDevice(ctx context.Context, userCode, userID string) error {
	record, err := s.store.GetTokenByUserCode(ctx, userCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidRequest("Unknown user code")
		}
		return fmt.Errorf("gatekeeper: resolve user code: %w", err)
	}
	if !s.codec.IsValid(record.Type, record.IssuedAt) {
		return ErrInvalidGrant("Device code has expired")
	}

	client, err := s.registry.GetByClientID(ctx, record.ClientID)
	if err != nil {
		return fmt.Errorf("gatekeeper: resolve client: %w", err)
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrForbidden("Unknown user")
		}
		return fmt.Errorf("gatekeeper: resolve user: %w", err)
	}
	if !s.registry.CheckUserAccess(&client.ACL, user) {
		s.auditor.LogAuthFailure(user.ID, client.ID, "", "acl_denied")
		return ErrForbidden("User is not permitted to authorize this client")
	}

	scopes := strings.Fields(record.Metadata.Device.Scope)
	auth, err := s.ledger.CreateOrReuseAuthorization(ctx, client.ID, user, scopes)
	if err != nil {
		return fmt.Errorf("gatekeeper: upsert authorization: %w", err)
	}

	if _, err := s.store.AuthorizeDevice(ctx, userCode, auth.ID); err != nil {
		if errors.Is(err, storage.ErrConsumed) {
			return ErrInvalidGrant("Device code was already decided")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidRequest("Unknown user code")
		}
		return fmt.Errorf("gatekeeper: authorize device: %w", err)
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventDeviceCodeAuthorized,
		UserID:   user.ID,
		ClientID: client.ID,
	})
	return nil
}

// RejectDevice marks the device code carrying userCode as rejected. The
// flip is atomic, like ApproveDevice's; a code that was already decided
// is refused and an approval racing in first wins.
func (s *Server) RejectDevice(ctx context.Context, userCode string) error {
	record, err := s.store.GetTokenByUserCode(ctx, userCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidRequest("Unknown user code")
		}
		return fmt.Errorf("gatekeeper: resolve user code: %w", err)
	}
	if !s.codec.IsValid(record.Type, record.IssuedAt) {
		return ErrInvalidGrant("Device code has expired")
	}

	if _, err := s.store.RejectDevice(ctx, userCode); err != nil {
		if errors.Is(err, storage.ErrConsumed) {
			return ErrInvalidGrant("Device code was already decided")
		}
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidRequest("Unknown user code")
		}
		return fmt.Errorf("gatekeeper: reject device: %w", err)
	}
	return nil
}

// ExchangeDeviceCode serves token-endpoint polling for the device grant.
// Until the user decides, polls yield ErrAuthorizationPending; polling
// faster than the advertised interval yields ErrSlowDown. A decided code
// is redeemed atomically, exactly once.
func (s *Server) ExchangeDeviceCode(ctx context.Context, deviceCode, clientID, clientSecret string) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	if !s.devicePolls.Allow(deviceCode) {
		return nil, ErrSlowDown()
	}

	record, err := s.store.GetToken(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("Device code is invalid or expired")
		}
		return nil, fmt.Errorf("gatekeeper: resolve device code: %w", err)
	}
	if record.Type != token.TypeDeviceCode || record.Metadata.Device == nil {
		return nil, ErrInvalidGrant("Device code is invalid or expired")
	}
	if !s.codec.IsValid(record.Type, record.IssuedAt) {
		return nil, ErrInvalidGrant("Device code is invalid or expired")
	}
	if record.ClientID != client.ID {
		return nil, ErrInvalidGrant("Device code was issued to a different client")
	}
	if record.Metadata.Device.IsRejected {
		return nil, ErrForbidden("The user rejected the authorization request")
	}
	if !record.Metadata.Device.IsAuthorized {
		return nil, ErrAuthorizationPending()
	}

	consumed, err := s.store.ConsumeToken(ctx, deviceCode, token.TypeDeviceCode)
	if err != nil {
		if errors.Is(err, storage.ErrConsumed) || errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("Device code is invalid or expired")
		}
		return nil, fmt.Errorf("gatekeeper: consume device code: %w", err)
	}

	auth, err := s.store.GetAuthorization(ctx, consumed.AuthorizationID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: resolve authorization: %w", err)
	}
	user, err := s.store.GetUser(ctx, auth.UserID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: resolve user: %w", err)
	}

	return s.issueTokens(ctx, auth, user, client.ID, issueOptions{
		offline:  true,
		authTime: s.now(),
	})
}

// ------------------------------------------------------------
// Refresh grant
// ------------------------------------------------------------

// RefreshAccessToken redeems a refresh token for a fresh access token,
// re-deriving scope from the authorization. The refresh token rotates via
// the ledger's sliding window: a near-expiry token is replaced, a fresh
// one is returned unchanged.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID, clientSecret string) (*TokenResponse, error) {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	record, err := s.store.GetToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidGrant("Refresh token is invalid or expired")
		}
		return nil, fmt.Errorf("gatekeeper: resolve refresh token: %w", err)
	}
	if record.Type != token.TypeRefreshToken || !s.codec.IsValid(record.Type, record.IssuedAt) {
		return nil, ErrInvalidGrant("Refresh token is invalid or expired")
	}
	if record.ClientID != client.ID {
		return nil, ErrInvalidGrant("Refresh token was issued to a different client")
	}

	auth, err := s.store.GetAuthorization(ctx, record.AuthorizationID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: resolve authorization: %w", err)
	}
	user, err := s.store.GetUser(ctx, auth.UserID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: resolve user: %w", err)
	}

	resp, err := s.issueTokens(ctx, auth, user, client.ID, issueOptions{
		offline:  true,
		authTime: s.now(),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Access token refreshed", "client_id", client.ID)
	return resp, nil
}

// ------------------------------------------------------------
// Revocation, userinfo, discovery
// ------------------------------------------------------------

// RevokeToken deletes a token owned by the client. Per RFC 7009, unknown
// tokens and tokens owned by other clients are not an error.
func (s *Server) RevokeToken(ctx context.Context, tok, clientID, clientSecret string) error {
	client, err := s.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}

	record, err := s.store.GetToken(ctx, tok)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("gatekeeper: resolve token: %w", err)
	}
	if record.ClientID != client.ID {
		return nil
	}
	if err := s.store.DeleteToken(ctx, tok); err != nil {
		return fmt.Errorf("gatekeeper: delete token: %w", err)
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventTokenRevoked,
		ClientID: client.ID,
		Details:  map[string]any{"token_type": string(record.Type)},
	})
	return nil
}

// UserInfo resolves the identity claims for a bearer access token, gated
// by the scopes of its authorization.
func (s *Server) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	record, err := s.store.GetToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidToken("Access token is invalid or expired")
		}
		return nil, fmt.Errorf("gatekeeper: resolve access token: %w", err)
	}
	if record.Type != token.TypeAccessToken || !s.codec.IsValid(record.Type, record.IssuedAt) {
		return nil, ErrInvalidToken("Access token is invalid or expired")
	}

	auth, err := s.store.GetAuthorization(ctx, record.AuthorizationID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: resolve authorization: %w", err)
	}
	user, err := s.store.GetUser(ctx, auth.UserID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: resolve user: %w", err)
	}
	return identityClaims(user, auth.Permissions), nil
}

// Discovery builds the OpenID discovery document. Scopes are the
// currently available permissions plus the protocol scopes.
func (s *Server) Discovery(ctx context.Context) (*DiscoveryDocument, error) {
	perms, err := s.store.ListPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: list permissions: %w", err)
	}

	scopes := []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopePhone}
	for _, perm := range perms {
		if perm.IsAvailable {
			scopes = append(scopes, perm.Name)
		}
	}
	sort.Strings(scopes[4:])

	issuer := strings.TrimSuffix(s.config.Issuer, "/")
	return &DiscoveryDocument{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth2/auth",
		TokenEndpoint:                     issuer + "/oauth2/token",
		DeviceAuthorizationEndpoint:       issuer + "/oauth2/device/code",
		UserinfoEndpoint:                  issuer + "/oauth2/userinfo",
		RevocationEndpoint:                issuer + "/oauth2/revoke",
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken, GrantTypeDeviceCode},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"HS256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256, PKCEMethodPlain},
		ClaimsSupported: []string{
			"sub", "aud", "iat", "exp", "auth_time", "nonce",
			"preferred_username", "given_name", "family_name",
			"email", "email_verified", "phone_number", "phone_number_verified",
		},
	}, nil
}

// ------------------------------------------------------------
// Maintenance
// ------------------------------------------------------------

// GarbageCollect runs one maintenance pass: expired tokens, expired
// sessions, and duplicate authorization merges. Each sub-pass failure is
// logged and does not stop the others.
func (s *Server) GarbageCollect(ctx context.Context) {
	if removed, err := s.store.DeleteExpiredTokens(ctx, s.codec); err != nil {
		s.logger.Warn("GC: expired token sweep failed", "error", err)
	} else if removed > 0 {
		s.logger.Debug("GC: removed expired tokens", "count", removed)
	}

	if removed, err := s.sessions.GarbageCollect(ctx); err != nil {
		s.logger.Warn("GC: expired session sweep failed", "error", err)
	} else if removed > 0 {
		s.logger.Debug("GC: removed expired sessions", "count", removed)
	}

	if err := s.ledger.GarbageCollect(ctx); err != nil {
		s.logger.Warn("GC: authorization merge failed", "error", err)
	}
}

// RunGarbageCollector runs GarbageCollect on the interval until the
// context is cancelled.
func (s *Server) RunGarbageCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.GarbageCollect(ctx)
		}
	}
}
