package gatekeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/gatekit/gatekeeper/challenge"
	"github.com/gatekit/gatekeeper/registry"
	"github.com/gatekit/gatekeeper/session"
	"github.com/gatekit/gatekeeper/storage"
	"github.com/gatekit/gatekeeper/storage/memory"
	"github.com/gatekit/gatekeeper/token"
)

const (
	testClientID     = "test-client"
	testClientSecret = "test-secret"
	testRedirectURI  = "https://app.example.com/callback"
	testPassword     = "correct horse battery staple"
)

type testEnv struct {
	server *Server
	store  *memory.Store
	http   *httptest.Server

	notifier *captureNotifier
}

// captureNotifier records deliveries so tests can read challenge codes.
type captureNotifier struct {
	lastSMS   string
	lastEmail string
}

func (c *captureNotifier) SendSMS(_ context.Context, _, message string) error {
	c.lastSMS = message
	return nil
}

func (c *captureNotifier) SendEmail(_ context.Context, _, _, body string) error {
	c.lastEmail = body
	return nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	sessions := session.NewManager(store, session.Config{Debounce: time.Nanosecond}, nil)
	challenges, err := challenge.NewEngine(challenge.Config{}, nil)
	require.NoError(t, err)

	notifier := &captureNotifier{}
	server, err := NewServer(store, sessions, challenges, notifier, Config{
		Issuer:             "http://localhost:8080",
		IDTokenSigningKey:  []byte("0123456789abcdef0123456789abcdef"),
		DevicePollInterval: time.Nanosecond,
	})
	require.NoError(t, err)
	t.Cleanup(server.Close)

	handler := NewHandler(server, nil, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", handler.ServeOpenIDConfiguration)
	mux.HandleFunc("/oauth2/auth", handler.ServeAuthorization)
	mux.HandleFunc("/oauth2/token", handler.ServeToken)
	mux.HandleFunc("/oauth2/device/code", handler.ServeDeviceCode)
	mux.HandleFunc("/oauth2/device/approve", handler.ServeDeviceApproval)
	mux.HandleFunc("/oauth2/userinfo", handler.ServeUserInfo)
	mux.HandleFunc("/oauth2/revoke", handler.ServeRevocation)
	mux.HandleFunc("/session", handler.ServeSession)
	mux.HandleFunc("/signin", handler.ServeSignin)
	mux.HandleFunc("/signin/challenge", handler.ServeSigninChallenge)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	env := &testEnv{server: server, store: store, http: ts, notifier: notifier}
	env.seed(t)
	return env
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for _, name := range []string{"read", "write"} {
		require.NoError(t, e.store.SavePermission(ctx, &storage.Permission{
			Name: name, IsAvailable: true,
		}))
	}

	secretHash, err := registry.HashSecret(testClientSecret)
	require.NoError(t, err)
	require.NoError(t, e.store.SaveClient(ctx, &storage.Client{
		ID:           testClientID,
		Name:         "Test Client",
		SecretHashes: []string{secretHash},
		RedirectURIs: []string{testRedirectURI},
		ACL: storage.AccessControlList{
			AllowedPermissions: []string{"read", "write"},
		},
	}))

	require.NoError(t, e.store.SaveUser(ctx, &storage.User{
		ID:            "alice",
		Username:      "alice",
		Name:          storage.PersonName{Given: "Alice", Family: "Liddell"},
		Email:         "alice@example.com",
		EmailVerified: true,
		Phone:         "+15551234567",
	}))

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, e.store.SaveAuthMethod(ctx, &storage.AuthenticationMethod{
		UserID: "alice",
		Method: storage.MethodPassword,
		Data: storage.AuthMethodData{
			Password: &storage.PasswordData{Hash: string(passwordHash)},
		},
	}))
}

// newSession issues a session and logs alice in on it.
func (e *testEnv) newSession(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	tok, err := e.server.Sessions().CreateToken(ctx, "198.51.100.7")
	require.NoError(t, err)
	require.NoError(t, e.server.Sessions().Login(ctx, tok, "alice"))
	return tok
}

// authorize drives GET /oauth2/auth and returns the code from the redirect.
func (e *testEnv) authorize(t *testing.T, sessionToken string, params url.Values) string {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, e.http.URL+"/oauth2/auth?"+params.Encode(), nil)
	require.NoError(t, err)
	req.Header.Set("X-Session-Token", sessionToken)

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.NotEmpty(t, location.Query().Get("code"))
	return location.Query().Get("code")
}

func (e *testEnv) oauthConfig(scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  testRedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  e.http.URL + "/oauth2/auth",
			TokenURL: e.http.URL + "/oauth2/token",
		},
	}
}

func TestAuthorizationCodeFlowWithPKCE(t *testing.T) {
	env := newTestEnv(t)
	sessionToken := env.newSession(t)

	verifier := oauth2.GenerateVerifier()
	cfg := env.oauthConfig("openid", "read")

	authURL, err := url.Parse(cfg.AuthCodeURL("state-xyz", oauth2.S256ChallengeOption(verifier)))
	require.NoError(t, err)
	code := env.authorize(t, sessionToken, authURL.Query())

	tok, err := cfg.Exchange(context.Background(), code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.NotEmpty(t, tok.RefreshToken, "offline access is the default")
	idToken, _ := tok.Extra("id_token").(string)
	assert.NotEmpty(t, idToken, "openid scope requests an ID token")

	// The code is single-use: a second exchange must fail.
	_, err = cfg.Exchange(context.Background(), code, oauth2.VerifierOption(verifier))
	require.Error(t, err)
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, http.StatusBadRequest, retrieveErr.Response.StatusCode)
}

func TestExchangeRejectsWrongVerifier(t *testing.T) {
	env := newTestEnv(t)
	sessionToken := env.newSession(t)

	verifier := oauth2.GenerateVerifier()
	cfg := env.oauthConfig("read")
	authURL, err := url.Parse(cfg.AuthCodeURL("state-xyz", oauth2.S256ChallengeOption(verifier)))
	require.NoError(t, err)
	code := env.authorize(t, sessionToken, authURL.Query())

	_, err = cfg.Exchange(context.Background(), code, oauth2.VerifierOption(oauth2.GenerateVerifier()))
	require.Error(t, err)
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	assert.Equal(t, ErrorCodeInvalidGrant, retrieveErr.ErrorCode)
}

func TestOnlineAccessOmitsRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	sessionToken := env.newSession(t)

	params := url.Values{
		"client_id":     {testClientID},
		"redirect_uri":  {testRedirectURI},
		"response_type": {"code"},
		"scope":         {"read"},
		"access_type":   {"online"},
	}
	code := env.authorize(t, sessionToken, params)

	resp, err := http.PostForm(env.http.URL+"/oauth2/token", url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.AccessToken)
	assert.Empty(t, body.RefreshToken)
}

func TestRefreshGrant(t *testing.T) {
	env := newTestEnv(t)
	sessionToken := env.newSession(t)

	verifier := oauth2.GenerateVerifier()
	cfg := env.oauthConfig("read", "write")
	authURL, err := url.Parse(cfg.AuthCodeURL("state", oauth2.S256ChallengeOption(verifier)))
	require.NoError(t, err)
	code := env.authorize(t, sessionToken, authURL.Query())

	tok, err := cfg.Exchange(context.Background(), code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	require.NotEmpty(t, tok.RefreshToken)

	resp, err := http.PostForm(env.http.URL+"/oauth2/token", url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {tok.RefreshToken},
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.AccessToken)
	assert.NotEqual(t, tok.AccessToken, body.AccessToken)
	assert.ElementsMatch(t, []string{"read", "write"}, strings.Fields(body.Scope),
		"scope is re-derived from the authorization")
}

func TestDeviceCodeFlow(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.PostForm(env.http.URL+"/oauth2/device/code", url.Values{
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
		"scope":         {"read"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var device DeviceCodeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&device))
	assert.Regexp(t, regexp.MustCompile(`^[0-9A-Z]{8}$`), device.UserCode)
	assert.NotEmpty(t, device.DeviceCode)
	assert.NotEmpty(t, device.VerificationURL)

	poll := func() (*http.Response, error) {
		return http.PostForm(env.http.URL+"/oauth2/token", url.Values{
			"grant_type":    {GrantTypeDeviceCode},
			"device_code":   {device.DeviceCode},
			"client_id":     {testClientID},
			"client_secret": {testClientSecret},
		})
	}

	// Pending until the user decides.
	pending, err := poll()
	require.NoError(t, err)
	defer pending.Body.Close()
	assert.Equal(t, http.StatusPreconditionRequired, pending.StatusCode)
	var pendingBody ErrorResponse
	require.NoError(t, json.NewDecoder(pending.Body).Decode(&pendingBody))
	assert.Equal(t, ErrorCodeAuthorizationPending, pendingBody.Error)

	// A wrong user code is refused.
	sessionToken := env.newSession(t)
	wrongReq, err := http.NewRequest(http.MethodPost, env.http.URL+"/oauth2/device/approve",
		strings.NewReader(url.Values{"user_code": {"WRONGCOD"}}.Encode()))
	require.NoError(t, err)
	wrongReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	wrongReq.Header.Set("X-Session-Token", sessionToken)
	wrongResp, err := http.DefaultClient.Do(wrongReq)
	require.NoError(t, err)
	defer wrongResp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, wrongResp.StatusCode)

	// The user approves.
	approveReq, err := http.NewRequest(http.MethodPost, env.http.URL+"/oauth2/device/approve",
		strings.NewReader(url.Values{"user_code": {device.UserCode}}.Encode()))
	require.NoError(t, err)
	approveReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	approveReq.Header.Set("X-Session-Token", sessionToken)
	approveResp, err := http.DefaultClient.Do(approveReq)
	require.NoError(t, err)
	defer approveResp.Body.Close()
	require.Equal(t, http.StatusOK, approveResp.StatusCode)

	// Polling now yields tokens.
	granted, err := poll()
	require.NoError(t, err)
	defer granted.Body.Close()
	require.Equal(t, http.StatusOK, granted.StatusCode)
	var body TokenResponse
	require.NoError(t, json.NewDecoder(granted.Body).Decode(&body))
	assert.NotEmpty(t, body.AccessToken)
	assert.NotEmpty(t, body.RefreshToken)

	// A consumed device code cannot be redeemed again.
	replay, err := poll()
	require.NoError(t, err)
	defer replay.Body.Close()
	assert.Equal(t, http.StatusBadRequest, replay.StatusCode)
}

func TestDeviceRejectionIsFinal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	device, err := env.server.StartDeviceAuthorization(ctx, testClientID, testClientSecret, "read")
	require.NoError(t, err)

	require.NoError(t, env.server.RejectDevice(ctx, device.UserCode))

	// An approval landing after the rejection is refused.
	err = env.server.ApproveDevice(ctx, device.UserCode, "alice")
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	// So is a second rejection.
	err = env.server.RejectDevice(ctx, device.UserCode)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	// Polling reports the denial.
	_, err = env.server.ExchangeDeviceCode(ctx, device.DeviceCode, testClientID, testClientSecret)
	requireOAuthError(t, err, ErrorCodeAccessDenied)
}

func TestDeviceApprovalWinsOverLateRejection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	device, err := env.server.StartDeviceAuthorization(ctx, testClientID, testClientSecret, "read")
	require.NoError(t, err)

	require.NoError(t, env.server.ApproveDevice(ctx, device.UserCode, "alice"))

	// A rejection after the approval must not disturb the bound
	// authorization.
	err = env.server.RejectDevice(ctx, device.UserCode)
	requireOAuthError(t, err, ErrorCodeInvalidGrant)

	stored, err := env.store.GetTokenByUserCode(ctx, device.UserCode)
	require.NoError(t, err)
	assert.True(t, stored.Metadata.Device.IsAuthorized)
	assert.False(t, stored.Metadata.Device.IsRejected)
	assert.NotEmpty(t, stored.AuthorizationID)

	body, err := env.server.ExchangeDeviceCode(ctx, device.DeviceCode, testClientID, testClientSecret)
	require.NoError(t, err)
	assert.NotEmpty(t, body.AccessToken)
}

func TestSessionEndpointRateLimit(t *testing.T) {
	env := newTestEnv(t)

	post := func() *http.Response {
		resp, err := http.Post(env.http.URL+"/session", "application/x-www-form-urlencoded", nil)
		require.NoError(t, err)
		return resp
	}

	for i := 0; i < 20; i++ {
		resp := post()
		assert.Equal(t, http.StatusCreated, resp.StatusCode, "issuance %d", i+1)
		var body SessionResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.True(t, body.Success)
		assert.NotEmpty(t, body.Token)
	}

	resp := post()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestSessionEndpointValidatesToken(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.http.URL+"/session", "application/x-www-form-urlencoded", nil)
	require.NoError(t, err)
	var body SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/session", nil)
	require.NoError(t, err)
	req.Header.Set("X-Session-Token", body.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, env.http.URL+"/session", nil)
	require.NoError(t, err)
	req.Header.Set("X-Session-Token", "bogus")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestIDTokenClaimGating(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mint := func(scope string) map[string]any {
		result, err := env.server.Authorize(ctx, AuthorizeRequest{
			ClientID:     testClientID,
			RedirectURI:  testRedirectURI,
			ResponseType: "code",
			Scope:        scope,
			UserID:       "alice",
		})
		require.NoError(t, err)

		resp, err := env.server.ExchangeAuthorizationCode(ctx,
			result.Code, testClientID, testClientSecret, testRedirectURI, "")
		require.NoError(t, err)
		require.NotEmpty(t, resp.IDToken)

		claims, err := env.server.ParseIDToken(resp.IDToken)
		require.NoError(t, err)
		return claims
	}

	emailOnly := mint("openid email read")
	assert.Equal(t, "alice", emailOnly["sub"])
	assert.Equal(t, "alice@example.com", emailOnly["email"])
	assert.Equal(t, true, emailOnly["email_verified"])
	assert.NotContains(t, emailOnly, "given_name", "profile scope was not granted")
	assert.NotContains(t, emailOnly, "phone_number")
	assert.Contains(t, emailOnly, "auth_time")

	// The authorization accumulates scopes, so profile claims appear now.
	withProfile := mint("openid profile read")
	assert.Equal(t, "Alice", withProfile["given_name"])
	assert.Equal(t, "Liddell", withProfile["family_name"])
	assert.Equal(t, "alice", withProfile["preferred_username"])
}

func TestUserInfo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.server.Authorize(ctx, AuthorizeRequest{
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		ResponseType: "code",
		Scope:        "openid email read",
		UserID:       "alice",
	})
	require.NoError(t, err)
	tokens, err := env.server.ExchangeAuthorizationCode(ctx,
		result.Code, testClientID, testClientSecret, testRedirectURI, "")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/oauth2/userinfo", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var claims map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&claims))
	assert.Equal(t, "alice", claims["sub"])
	assert.Equal(t, "alice@example.com", claims["email"])
	assert.NotContains(t, claims, "given_name")

	// A bogus bearer token is refused.
	req.Header.Set("Authorization", "Bearer nonsense")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRevocation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.server.Authorize(ctx, AuthorizeRequest{
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		ResponseType: "code",
		Scope:        "read",
		UserID:       "alice",
	})
	require.NoError(t, err)
	tokens, err := env.server.ExchangeAuthorizationCode(ctx,
		result.Code, testClientID, testClientSecret, testRedirectURI, "")
	require.NoError(t, err)

	resp, err := http.PostForm(env.http.URL+"/oauth2/revoke", url.Values{
		"token":         {tokens.AccessToken},
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = env.server.UserInfo(ctx, tokens.AccessToken)
	require.Error(t, err)

	// Revoking an unknown token is still a success per RFC 7009.
	resp, err = http.PostForm(env.http.URL+"/oauth2/revoke", url.Values{
		"token":         {"unknown-token"},
		"client_id":     {testClientID},
		"client_secret": {testClientSecret},
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDiscoveryDocument(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.http.URL + "/.well-known/openid-configuration")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc DiscoveryDocument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "http://localhost:8080", doc.Issuer)
	assert.Contains(t, doc.ScopesSupported, "openid")
	assert.Contains(t, doc.ScopesSupported, "read", "registered permissions are listed dynamically")
	assert.Contains(t, doc.GrantTypesSupported, GrantTypeDeviceCode)
	assert.Contains(t, doc.CodeChallengeMethodsSupported, PKCEMethodS256)
}

func TestSigninTwoFactorFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Give alice a two-factor SMS method and flip the flag.
	require.NoError(t, env.store.SaveAuthMethod(ctx, &storage.AuthenticationMethod{
		UserID:         "alice",
		Method:         storage.MethodSMS,
		Data:           storage.AuthMethodData{SMS: &storage.SMSData{PhoneNumber: "+15551234567"}},
		AllowTwoFactor: true,
	}))
	user, err := env.store.GetUser(ctx, "alice")
	require.NoError(t, err)
	user.UseTwoFactor = true
	require.NoError(t, env.store.SaveUser(ctx, user))

	sessionToken, err := env.server.Sessions().CreateToken(ctx, "198.51.100.9")
	require.NoError(t, err)

	result, err := env.server.SigninWithPassword(ctx, sessionToken, "alice", testPassword, "")
	require.NoError(t, err)
	assert.False(t, result.LoggedIn)
	assert.Equal(t, string(storage.MethodSMS), result.ChallengeMethod)
	assert.Empty(t, result.Challenge, "delivered challenges are not returned")
	require.NotEmpty(t, env.notifier.lastSMS)

	code := regexp.MustCompile(`\d{6}`).FindString(env.notifier.lastSMS)
	require.Len(t, code, 6)

	// A wrong response is refused and the challenge survives.
	_, err = env.server.CompleteSignin(ctx, sessionToken, "000000")
	require.Error(t, err)

	completed, err := env.server.CompleteSignin(ctx, sessionToken, code)
	require.NoError(t, err)
	assert.True(t, completed.LoggedIn)
	assert.Equal(t, "alice", completed.UserID)

	doc, err := env.server.Sessions().GetDocument(ctx, sessionToken)
	require.NoError(t, err)
	assert.True(t, doc.HasUser("alice"))
	assert.Nil(t, doc.ExtendedAuthentication, "challenge is cleared after success")
}

func TestSigninPasswordless(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SaveAuthMethod(ctx, &storage.AuthenticationMethod{
		UserID:            "alice",
		Method:            storage.MethodSMS,
		Data:              storage.AuthMethodData{SMS: &storage.SMSData{PhoneNumber: "+15551234567"}},
		AllowSingleFactor: true,
	}))

	sessionToken, err := env.server.Sessions().CreateToken(ctx, "198.51.100.9")
	require.NoError(t, err)

	// The account is resolved by username, so one is always required.
	_, err = env.server.SigninPasswordless(ctx, sessionToken, "", storage.MethodSMS)
	requireOAuthError(t, err, ErrorCodeInvalidRequest)

	result, err := env.server.SigninPasswordless(ctx, sessionToken, "alice", storage.MethodSMS)
	require.NoError(t, err)
	assert.False(t, result.LoggedIn)
	assert.Equal(t, string(storage.MethodSMS), result.ChallengeMethod)
	require.NotEmpty(t, env.notifier.lastSMS)

	code := regexp.MustCompile(`\d{6}`).FindString(env.notifier.lastSMS)
	require.Len(t, code, 6)

	completed, err := env.server.CompleteSignin(ctx, sessionToken, code)
	require.NoError(t, err)
	assert.True(t, completed.LoggedIn)
	assert.Equal(t, "alice", completed.UserID)
}

func TestSigninWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sessionToken, err := env.server.Sessions().CreateToken(ctx, "198.51.100.9")
	require.NoError(t, err)

	_, err = env.server.SigninWithPassword(ctx, sessionToken, "alice", "wrong", "")
	requireOAuthError(t, err, ErrorCodeAuthRequestInvalid)

	_, err = env.server.SigninWithPassword(ctx, sessionToken, "nobody", testPassword, "")
	requireOAuthError(t, err, ErrorCodeAuthRequestInvalid)
}

func TestChallengeExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SaveAuthMethod(ctx, &storage.AuthenticationMethod{
		UserID:         "alice",
		Method:         storage.MethodSMS,
		Data:           storage.AuthMethodData{SMS: &storage.SMSData{PhoneNumber: "+15551234567"}},
		AllowTwoFactor: true,
	}))
	user, err := env.store.GetUser(ctx, "alice")
	require.NoError(t, err)
	user.UseTwoFactor = true
	require.NoError(t, env.store.SaveUser(ctx, user))

	sessionToken, err := env.server.Sessions().CreateToken(ctx, "198.51.100.9")
	require.NoError(t, err)

	_, err = env.server.SigninWithPassword(ctx, sessionToken, "alice", testPassword, "")
	require.NoError(t, err)
	code := regexp.MustCompile(`\d{6}`).FindString(env.notifier.lastSMS)

	// Advance past the challenge TTL: the correct answer no longer counts.
	env.server.SetClock(func() time.Time { return time.Now().Add(10 * time.Minute) })
	_, err = env.server.CompleteSignin(ctx, sessionToken, code)
	requireOAuthError(t, err, ErrorCodeAuthTimeout)
	var timeoutErr *Error
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, http.StatusGatewayTimeout, timeoutErr.Status)

	doc, err := env.server.Sessions().GetDocument(ctx, sessionToken)
	require.NoError(t, err)
	assert.Nil(t, doc.ExtendedAuthentication, "expired challenge is cleared")
}

func TestTwoFactorLockoutInvariant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.server.SaveAuthMethod(ctx, &storage.AuthenticationMethod{
		UserID:         "alice",
		Method:         storage.MethodOTP,
		Data:           storage.AuthMethodData{OTP: &storage.OTPData{Secret: "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"}},
		AllowTwoFactor: true,
	}))
	user, err := env.store.GetUser(ctx, "alice")
	require.NoError(t, err)
	user.UseTwoFactor = true
	require.NoError(t, env.store.SaveUser(ctx, user))

	// Removing the last capable second factor must disable two-factor
	// instead of locking alice out.
	require.NoError(t, env.server.RemoveAuthMethod(ctx, "alice", storage.MethodOTP))

	user, err = env.store.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, user.UseTwoFactor)
}

func TestInvalidScopeRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.server.Authorize(ctx, AuthorizeRequest{
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		ResponseType: "code",
		Scope:        "nonexistent",
		UserID:       "alice",
	})
	requireOAuthError(t, err, ErrorCodeInvalidScope)
}

func TestACLDeniesUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	client, err := env.store.GetClient(ctx, testClientID)
	require.NoError(t, err)
	client.ACL.AllowedUsers = []string{"someone-else"}
	require.NoError(t, env.store.SaveClient(ctx, client))

	_, err = env.server.Authorize(ctx, AuthorizeRequest{
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		ResponseType: "code",
		Scope:        "read",
		UserID:       "alice",
	})
	requireOAuthError(t, err, ErrorCodeAccessDenied)
}

func TestUnregisteredRedirectURIRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.server.Authorize(ctx, AuthorizeRequest{
		ClientID:     testClientID,
		RedirectURI:  "https://evil.example.com/callback",
		ResponseType: "code",
		Scope:        "read",
		UserID:       "alice",
	})
	requireOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestExpiredAuthorizationCodeRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.server.Authorize(ctx, AuthorizeRequest{
		ClientID:     testClientID,
		RedirectURI:  testRedirectURI,
		ResponseType: "code",
		Scope:        "read",
		UserID:       "alice",
	})
	require.NoError(t, err)

	env.server.SetClock(func() time.Time { return time.Now().Add(6 * time.Minute) })
	_, err = env.server.ExchangeAuthorizationCode(ctx,
		result.Code, testClientID, testClientSecret, testRedirectURI, "")
	requireOAuthError(t, err, ErrorCodeInvalidGrant)
}

func requireOAuthError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var oauthErr *Error
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, code, oauthErr.Code)
}

func TestTokenValidityDefaults(t *testing.T) {
	cfg := applyDefaults(Config{})
	codec := token.NewCodec(cfg.TokenValidity)

	assert.Equal(t, 5*time.Minute, codec.ValidityDuration(token.TypeAuthorizationCode))
	assert.Equal(t, time.Hour, codec.ValidityDuration(token.TypeAccessToken))
	assert.Equal(t, token.NeverExpires, codec.ValidityDuration(token.TypeAccountToken))
	assert.True(t, codec.IsValid(token.TypeAccountToken, time.Time{}))
}

func TestErrorURIFormat(t *testing.T) {
	store := memory.New()
	sessions := session.NewManager(store, session.Config{Debounce: time.Nanosecond}, nil)
	challenges, err := challenge.NewEngine(challenge.Config{}, nil)
	require.NoError(t, err)
	server, err := NewServer(store, sessions, challenges, nil, Config{
		ErrorURIFormat: "https://errors.example.com/%s",
	})
	require.NoError(t, err)
	t.Cleanup(server.Close)

	handler := NewHandler(server, nil, nil)
	ts := httptest.NewServer(http.HandlerFunc(handler.ServeToken))
	t.Cleanup(ts.Close)

	resp, err := http.PostForm(ts.URL, url.Values{"grant_type": {"bogus"}})
	require.NoError(t, err)
	defer resp.Body.Close()

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, ErrorCodeUnsupportedGrantType, body.Error)
	assert.Equal(t, fmt.Sprintf("https://errors.example.com/%s", ErrorCodeUnsupportedGrantType), body.ErrorURI)
}
