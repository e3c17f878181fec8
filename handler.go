package gatekeeper

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatekit/gatekeeper/instrumentation"
	"github.com/gatekit/gatekeeper/security"
	"github.com/gatekit/gatekeeper/session"
	"github.com/gatekit/gatekeeper/storage"
)

// SessionCookieName is the cookie the session token travels in. The
// X-Session-Token header and the session_token form field are accepted as
// alternatives for non-browser clients.
const SessionCookieName = "gatekeeper_session"

// Handler adapts the Server to HTTP. It owns parameter parsing, client
// credential extraction, and response encoding; protocol decisions stay in
// the Server.
type Handler struct {
	server  *Server
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// NewHandler creates the HTTP adapter. A nil inst falls back to no-op
// metrics and tracing.
func NewHandler(server *Server, inst *instrumentation.Instrumentation, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if inst == nil {
		inst, _ = instrumentation.New(instrumentation.Config{})
	}
	h := &Handler{server: server, logger: logger}
	if inst != nil {
		h.metrics = inst.Metrics()
		h.tracer = inst.Tracer("http")
	}
	return h
}

func (h *Handler) clientIP(r *http.Request) string {
	cfg := h.server.config
	return security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
}

func (h *Handler) startSpan(r *http.Request, name string) (*http.Request, trace.Span) {
	if h.tracer == nil {
		return r, nil
	}
	ctx, span := h.tracer.Start(r.Context(), name)
	return r.WithContext(ctx), span
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

// writeError encodes an RFC 6749 error body with the mapped HTTP status.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	oauthErr := asError(err)

	body := ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	}
	if format := h.server.config.ErrorURIFormat; format != "" {
		body.ErrorURI = fmt.Sprintf(format, oauthErr.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	if oauthErr.Code == ErrorCodeInvalidClient && oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="gatekeeper"`)
	}
	w.WriteHeader(oauthErr.Status)
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		h.logger.Error("Failed to encode error response", "error", encodeErr)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeTokenResponse adds the RFC 6749 cache suppression headers.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, resp *TokenResponse) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	h.writeJSON(w, http.StatusOK, resp)
}

// parseBody accepts a form-encoded or JSON request body and flattens it
// into the request's form values.
func parseBody(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			return err
		}
		if r.Form == nil {
			r.Form = make(map[string][]string, len(fields))
		}
		for key, value := range fields {
			if s, ok := value.(string); ok {
				r.Form.Set(key, s)
			}
		}
		return nil
	}
	return r.ParseForm()
}

// clientCredentials extracts client authentication from Basic auth or the
// request body, in that order.
func clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.Form.Get("client_id"), r.Form.Get("client_secret")
}

// sessionTokenFromRequest resolves the session token from cookie, header,
// or form field.
func sessionTokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if tok := r.Header.Get("X-Session-Token"); tok != "" {
		return tok
	}
	return r.Form.Get("session_token")
}

// sessionUser resolves the first logged-in user on the request's session.
func (h *Handler) sessionUser(r *http.Request) (sessionToken, userID string, err error) {
	sessionToken = sessionTokenFromRequest(r)
	if sessionToken == "" || !h.server.sessions.IsValid(r.Context(), sessionToken) {
		return "", "", ErrInvalidToken("A valid session is required")
	}
	doc, err := h.server.sessions.GetDocument(r.Context(), sessionToken)
	if err != nil {
		return "", "", ErrInvalidToken("A valid session is required")
	}
	if len(doc.Users) == 0 {
		return "", "", ErrInvalidToken("Sign in before authorizing")
	}
	return sessionToken, doc.Users[0].ID, nil
}

// ------------------------------------------------------------
// OAuth endpoints
// ------------------------------------------------------------

// ServeAuthorization handles GET /oauth2/auth.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r, span := h.startSpan(r, "oauth.http.authorization")
	defer endSpan(span)

	if r.Method != http.MethodGet {
		h.metrics.RecordHTTPRequest(r.Context(), "authorization", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	req := AuthorizeRequest{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		ResponseType:        query.Get("response_type"),
		Scope:               query.Get("scope"),
		AccessType:          query.Get("access_type"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		Nonce:               query.Get("nonce"),
	}
	if req.ClientID == "" {
		h.metrics.RecordHTTPRequest(r.Context(), "authorization", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("client_id is required"))
		return
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrScope, req.Scope),
	)

	_, userID, err := h.sessionUser(r)
	if err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "authorization", r.Method, http.StatusUnauthorized, start)
		instrumentation.SetSpanError(span, err)
		h.writeError(w, err)
		return
	}
	req.UserID = userID

	result, err := h.server.Authorize(r.Context(), req)
	if err != nil {
		oauthErr := asError(err)
		if oauthErr.Code == ErrorCodeServerError {
			h.logger.Error("Authorization failed", "error", err)
		}
		h.metrics.RecordHTTPRequest(r.Context(), "authorization", r.Method, oauthErr.Status, start)
		instrumentation.SetSpanError(span, err)
		h.writeError(w, err)
		return
	}

	h.metrics.Add(r.Context(), h.metrics.TokensIssued,
		attribute.String(instrumentation.AttrTokenType, "AUTHORIZATION_CODE"),
		attribute.String(instrumentation.AttrClientID, req.ClientID))
	h.metrics.RecordHTTPRequest(r.Context(), "authorization", r.Method, http.StatusFound, start)
	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, result.RedirectLocation(), http.StatusFound)
}

// ServeToken handles POST /oauth2/token for all three grant types.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r, span := h.startSpan(r, "oauth.http.token")
	defer endSpan(span)

	if r.Method != http.MethodPost {
		h.metrics.RecordHTTPRequest(r.Context(), "token", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := parseBody(r); err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "token", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Malformed request body"))
		return
	}

	grantType := r.Form.Get("grant_type")
	clientID, clientSecret := clientCredentials(r)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, grantType),
		attribute.String(instrumentation.AttrClientID, clientID),
	)

	var (
		resp *TokenResponse
		err  error
	)
	switch grantType {
	case GrantTypeAuthorizationCode:
		resp, err = h.server.ExchangeAuthorizationCode(r.Context(),
			r.Form.Get("code"), clientID, clientSecret,
			r.Form.Get("redirect_uri"), r.Form.Get("code_verifier"))
		if err == nil {
			h.metrics.Add(r.Context(), h.metrics.CodeExchanged,
				attribute.String(instrumentation.AttrClientID, clientID))
		}
	case GrantTypeRefreshToken:
		resp, err = h.server.RefreshAccessToken(r.Context(),
			r.Form.Get("refresh_token"), clientID, clientSecret)
		if err == nil {
			h.metrics.Add(r.Context(), h.metrics.TokenRefreshed,
				attribute.String(instrumentation.AttrClientID, clientID))
		}
	case GrantTypeDeviceCode, GrantTypeDeviceCodeLegacy:
		resp, err = h.server.ExchangeDeviceCode(r.Context(),
			r.Form.Get("device_code"), clientID, clientSecret)
	case "":
		err = ErrInvalidRequest("grant_type is required")
	default:
		err = ErrUnsupportedGrantType(fmt.Sprintf("Grant type %q is not supported", grantType))
	}

	if err != nil {
		oauthErr := asError(err)
		if oauthErr.Code == ErrorCodeServerError {
			h.logger.Error("Token request failed", "grant_type", grantType, "error", err)
		}
		h.metrics.RecordHTTPRequest(r.Context(), "token", r.Method, oauthErr.Status, start)
		instrumentation.SetSpanError(span, err)
		h.writeError(w, err)
		return
	}

	h.metrics.Add(r.Context(), h.metrics.TokensIssued,
		attribute.String(instrumentation.AttrTokenType, "ACCESS_TOKEN"),
		attribute.String(instrumentation.AttrGrantType, grantType),
		attribute.String(instrumentation.AttrClientID, clientID))
	h.metrics.RecordHTTPRequest(r.Context(), "token", r.Method, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)
	h.writeTokenResponse(w, resp)
}

// ServeDeviceCode handles POST /oauth2/device/code.
func (h *Handler) ServeDeviceCode(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r, span := h.startSpan(r, "oauth.http.device_code")
	defer endSpan(span)

	if r.Method != http.MethodPost {
		h.metrics.RecordHTTPRequest(r.Context(), "device_code", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := parseBody(r); err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "device_code", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Malformed request body"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	resp, err := h.server.StartDeviceAuthorization(r.Context(), clientID, clientSecret, r.Form.Get("scope"))
	if err != nil {
		oauthErr := asError(err)
		h.metrics.RecordHTTPRequest(r.Context(), "device_code", r.Method, oauthErr.Status, start)
		instrumentation.SetSpanError(span, err)
		h.writeError(w, err)
		return
	}

	h.metrics.Add(r.Context(), h.metrics.DeviceCodeIssued,
		attribute.String(instrumentation.AttrClientID, clientID))
	h.metrics.RecordHTTPRequest(r.Context(), "device_code", r.Method, http.StatusOK, start)
	instrumentation.SetSpanSuccess(span)
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeDeviceApproval handles POST /oauth2/device/approve: the
// session-authenticated user submits the user code shown on the device,
// with decision "approve" (default) or "reject".
func (h *Handler) ServeDeviceApproval(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		h.metrics.RecordHTTPRequest(r.Context(), "device_approve", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := parseBody(r); err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "device_approve", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Malformed request body"))
		return
	}

	_, userID, err := h.sessionUser(r)
	if err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "device_approve", r.Method, http.StatusUnauthorized, start)
		h.writeError(w, err)
		return
	}

	userCode := strings.ToUpper(strings.TrimSpace(r.Form.Get("user_code")))
	if userCode == "" {
		h.metrics.RecordHTTPRequest(r.Context(), "device_approve", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("user_code is required"))
		return
	}

	if r.Form.Get("decision") == "reject" {
		err = h.server.RejectDevice(r.Context(), userCode)
	} else {
		err = h.server.ApproveDevice(r.Context(), userCode, userID)
	}
	if err != nil {
		oauthErr := asError(err)
		h.metrics.RecordHTTPRequest(r.Context(), "device_approve", r.Method, oauthErr.Status, start)
		h.writeError(w, err)
		return
	}

	h.metrics.Add(r.Context(), h.metrics.DeviceCodeAuthorized)
	h.metrics.RecordHTTPRequest(r.Context(), "device_approve", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ServeUserInfo handles GET and POST /oauth2/userinfo.
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.metrics.RecordHTTPRequest(r.Context(), "userinfo", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accessToken, err := bearerToken(r)
	if err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "userinfo", r.Method, http.StatusUnauthorized, start)
		h.writeError(w, err)
		return
	}

	claims, err := h.server.UserInfo(r.Context(), accessToken)
	if err != nil {
		oauthErr := asError(err)
		h.metrics.RecordHTTPRequest(r.Context(), "userinfo", r.Method, oauthErr.Status, start)
		h.writeError(w, err)
		return
	}

	h.metrics.RecordHTTPRequest(r.Context(), "userinfo", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, claims)
}

// bearerToken extracts the RFC 6750 bearer token from the Authorization
// header, falling back to the access_token form field on POST.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			return "", ErrInvalidToken("Malformed Authorization header")
		}
		return parts[1], nil
	}
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			if tok := r.Form.Get("access_token"); tok != "" {
				return tok, nil
			}
		}
	}
	return "", ErrInvalidToken("Bearer token is required")
}

// ServeRevocation handles POST /oauth2/revoke (RFC 7009).
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		h.metrics.RecordHTTPRequest(r.Context(), "revocation", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := parseBody(r); err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "revocation", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Malformed request body"))
		return
	}

	tok := r.Form.Get("token")
	if tok == "" {
		h.metrics.RecordHTTPRequest(r.Context(), "revocation", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("token is required"))
		return
	}

	clientID, clientSecret := clientCredentials(r)
	if err := h.server.RevokeToken(r.Context(), tok, clientID, clientSecret); err != nil {
		oauthErr := asError(err)
		if oauthErr.Code == ErrorCodeServerError {
			h.logger.Error("Revocation failed", "error", err)
		}
		h.metrics.RecordHTTPRequest(r.Context(), "revocation", r.Method, oauthErr.Status, start)
		h.writeError(w, err)
		return
	}

	h.metrics.Add(r.Context(), h.metrics.TokenRevoked,
		attribute.String(instrumentation.AttrClientID, clientID))
	h.metrics.RecordHTTPRequest(r.Context(), "revocation", r.Method, http.StatusOK, start)
	w.WriteHeader(http.StatusOK)
}

// ServeOpenIDConfiguration handles GET /.well-known/openid-configuration.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodGet {
		h.metrics.RecordHTTPRequest(r.Context(), "discovery", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	doc, err := h.server.Discovery(r.Context())
	if err != nil {
		h.logger.Error("Discovery document build failed", "error", err)
		h.metrics.RecordHTTPRequest(r.Context(), "discovery", r.Method, http.StatusInternalServerError, start)
		h.writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	h.metrics.RecordHTTPRequest(r.Context(), "discovery", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, doc)
}

// ------------------------------------------------------------
// Session and sign-in endpoints
// ------------------------------------------------------------

// ServeSession handles POST /session. Without a token a fresh session is
// issued (201); a valid token is confirmed (200); an invalid one is
// rejected.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		h.metrics.RecordHTTPRequest(r.Context(), "session", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := parseBody(r); err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "session", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Malformed request body"))
		return
	}

	tok := sessionTokenFromRequest(r)
	if tok == "" {
		issued, err := h.server.sessions.CreateToken(r.Context(), h.clientIP(r))
		if err != nil {
			if errors.Is(err, session.ErrRateLimited) {
				h.metrics.Add(r.Context(), h.metrics.RateLimitExceeded,
					attribute.String(instrumentation.AttrEndpoint, "session"))
				h.metrics.RecordHTTPRequest(r.Context(), "session", r.Method, http.StatusTooManyRequests, start)
				h.writeError(w, ErrRateLimited("Too many sessions requested from this address"))
				return
			}
			h.logger.Error("Session issuance failed", "error", err)
			h.metrics.RecordHTTPRequest(r.Context(), "session", r.Method, http.StatusInternalServerError, start)
			h.writeError(w, ErrServerError("Failed to create session"))
			return
		}
		h.metrics.Add(r.Context(), h.metrics.SessionsIssued)
		h.metrics.RecordHTTPRequest(r.Context(), "session", r.Method, http.StatusCreated, start)
		h.writeJSON(w, http.StatusCreated, SessionResponse{Success: true, Token: issued})
		return
	}

	if !h.server.sessions.IsValid(r.Context(), tok) {
		h.metrics.RecordHTTPRequest(r.Context(), "session", r.Method, http.StatusUnauthorized, start)
		h.writeError(w, ErrInvalidToken("Session token is invalid or expired"))
		return
	}
	h.metrics.RecordHTTPRequest(r.Context(), "session", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, SessionResponse{Success: true})
}

// ServeSignin handles POST /signin: password sign-in, optionally followed
// by a second factor carried on the session.
func (h *Handler) ServeSignin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		h.metrics.RecordHTTPRequest(r.Context(), "signin", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := parseBody(r); err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "signin", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Malformed request body"))
		return
	}

	sessionToken := sessionTokenFromRequest(r)
	username := r.Form.Get("username")
	password := r.Form.Get("password")
	method := storage.AuthMethod(r.Form.Get("method"))
	if username == "" || password == "" {
		h.metrics.RecordHTTPRequest(r.Context(), "signin", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("username and password are required"))
		return
	}

	result, err := h.server.SigninWithPassword(r.Context(), sessionToken, username, password, method)
	if err != nil {
		oauthErr := asError(err)
		h.metrics.RecordHTTPRequest(r.Context(), "signin", r.Method, oauthErr.Status, start)
		h.writeError(w, err)
		return
	}

	if !result.LoggedIn {
		h.metrics.Add(r.Context(), h.metrics.ChallengeIssued,
			attribute.String(instrumentation.AttrMethod, result.ChallengeMethod))
	}
	h.metrics.RecordHTTPRequest(r.Context(), "signin", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, result)
}

// ServePasswordlessSignin handles POST /signin/passwordless.
func (h *Handler) ServePasswordlessSignin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		h.metrics.RecordHTTPRequest(r.Context(), "signin_passwordless", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := parseBody(r); err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "signin_passwordless", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Malformed request body"))
		return
	}

	sessionToken := sessionTokenFromRequest(r)
	username := r.Form.Get("username")
	method := storage.AuthMethod(r.Form.Get("method"))

	result, err := h.server.SigninPasswordless(r.Context(), sessionToken, username, method)
	if err != nil {
		oauthErr := asError(err)
		h.metrics.RecordHTTPRequest(r.Context(), "signin_passwordless", r.Method, oauthErr.Status, start)
		h.writeError(w, err)
		return
	}

	h.metrics.Add(r.Context(), h.metrics.ChallengeIssued,
		attribute.String(instrumentation.AttrMethod, result.ChallengeMethod))
	h.metrics.RecordHTTPRequest(r.Context(), "signin_passwordless", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, result)
}

// ServeSigninChallenge handles POST /signin/challenge: the response to the
// session's in-flight challenge.
func (h *Handler) ServeSigninChallenge(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		h.metrics.RecordHTTPRequest(r.Context(), "signin_challenge", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := parseBody(r); err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "signin_challenge", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Malformed request body"))
		return
	}

	sessionToken := sessionTokenFromRequest(r)
	response := r.Form.Get("response")
	if response == "" {
		h.metrics.RecordHTTPRequest(r.Context(), "signin_challenge", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("response is required"))
		return
	}

	result, err := h.server.CompleteSignin(r.Context(), sessionToken, response)
	if err != nil {
		oauthErr := asError(err)
		h.metrics.RecordHTTPRequest(r.Context(), "signin_challenge", r.Method, oauthErr.Status, start)
		h.writeError(w, err)
		return
	}

	h.metrics.Add(r.Context(), h.metrics.ChallengeVerified)
	h.metrics.RecordHTTPRequest(r.Context(), "signin_challenge", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, result)
}

// ServeLogout handles POST /logout. An empty user_id logs out every user
// on the session.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		h.metrics.RecordHTTPRequest(r.Context(), "logout", r.Method, http.StatusMethodNotAllowed, start)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := parseBody(r); err != nil {
		h.metrics.RecordHTTPRequest(r.Context(), "logout", r.Method, http.StatusBadRequest, start)
		h.writeError(w, ErrInvalidRequest("Malformed request body"))
		return
	}

	sessionToken := sessionTokenFromRequest(r)
	if err := h.server.Logout(r.Context(), sessionToken, r.Form.Get("user_id")); err != nil {
		oauthErr := asError(err)
		h.metrics.RecordHTTPRequest(r.Context(), "logout", r.Method, oauthErr.Status, start)
		h.writeError(w, err)
		return
	}

	h.metrics.RecordHTTPRequest(r.Context(), "logout", r.Method, http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
