// Package memory provides an in-memory implementation of the full
// storage.Datastore contract. It is suitable for development, testing,
// and single-instance deployments without persistence requirements.
//
// Expired rows are not swept automatically; callers drive the
// DeleteExpired* methods, typically from a periodic garbage collection
// runner.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatekit/gatekeeper/instrumentation"
	"github.com/gatekit/gatekeeper/storage"
	"github.com/gatekit/gatekeeper/token"
)

// consumedRetention is how long redeemed single-use tokens are kept so a
// replay attempt can be distinguished from an unknown token.
const consumedRetention = 24 * time.Hour

type consumedToken struct {
	record     *storage.Token
	consumedAt time.Time
}

// Store is an in-memory implementation of storage.Datastore.
type Store struct {
	mu sync.RWMutex

	clients     map[string]*storage.Client
	permissions map[string]*storage.Permission
	users       map[string]*storage.User
	usernames   map[string]string // username -> user ID

	// authMethods is keyed by user ID, then method.
	authMethods map[string]map[storage.AuthMethod]*storage.AuthenticationMethod

	authorizations map[string]*storage.ClientAuthorization

	tokens   map[string]*storage.Token
	consumed map[string]*consumedToken

	sessions map[string]*storage.SessionToken

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

var _ storage.Datastore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		clients:        make(map[string]*storage.Client),
		permissions:    make(map[string]*storage.Permission),
		users:          make(map[string]*storage.User),
		usernames:      make(map[string]string),
		authMethods:    make(map[string]map[storage.AuthMethod]*storage.AuthenticationMethod),
		authorizations: make(map[string]*storage.ClientAuthorization),
		tokens:         make(map[string]*storage.Token),
		consumed:       make(map[string]*consumedToken),
		sessions:       make(map[string]*storage.SessionToken),
		logger:         slog.Default(),
		now:            time.Now,
	}
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation enables tracing of storage operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(attribute.String("operation", operation)))
}

// ------------------------------------------------------------
// ClientStore
// ------------------------------------------------------------

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	return client.Clone(), nil
}

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients[client.ID] = client.Clone()
	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clients, clientID)
	return nil
}

// ------------------------------------------------------------
// PermissionStore
// ------------------------------------------------------------

func (s *Store) GetPermission(ctx context.Context, name string) (*storage.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perm, ok := s.permissions[name]
	if !ok {
		return nil, fmt.Errorf("%w: permission %s", storage.ErrNotFound, name)
	}
	clone := *perm
	return &clone, nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]*storage.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perms := make([]*storage.Permission, 0, len(s.permissions))
	for _, perm := range s.permissions {
		clone := *perm
		perms = append(perms, &clone)
	}
	return perms, nil
}

func (s *Store) SavePermission(ctx context.Context, perm *storage.Permission) error {
	if perm == nil || perm.Name == "" {
		return fmt.Errorf("invalid permission")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *perm
	s.permissions[perm.Name] = &clone
	return nil
}

// ------------------------------------------------------------
// UserStore
// ------------------------------------------------------------

func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, userID)
	}
	return user.Clone(), nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.usernames[username]
	if !ok {
		return nil, fmt.Errorf("%w: username %s", storage.ErrNotFound, username)
	}
	user, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, userID)
	}
	return user.Clone(), nil
}

func (s *Store) SaveUser(ctx context.Context, user *storage.User) error {
	if user == nil || user.ID == "" || user.Username == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.usernames[user.Username]; ok && existingID != user.ID {
		return fmt.Errorf("%w: username %s", storage.ErrDuplicate, user.Username)
	}
	if existing, ok := s.users[user.ID]; ok && existing.Username != user.Username {
		delete(s.usernames, existing.Username)
	}

	s.users[user.ID] = user.Clone()
	s.usernames[user.Username] = user.ID
	return nil
}

// ------------------------------------------------------------
// AuthMethodStore
// ------------------------------------------------------------

func (s *Store) ListAuthMethods(ctx context.Context, userID string) ([]*storage.AuthenticationMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	methods := make([]*storage.AuthenticationMethod, 0, len(s.authMethods[userID]))
	for _, record := range s.authMethods[userID] {
		methods = append(methods, record.Clone())
	}
	return methods, nil
}

func (s *Store) GetAuthMethod(ctx context.Context, userID string, method storage.AuthMethod) (*storage.AuthenticationMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.authMethods[userID][method]
	if !ok {
		return nil, fmt.Errorf("%w: auth method %s for user %s", storage.ErrNotFound, method, userID)
	}
	return record.Clone(), nil
}

func (s *Store) SaveAuthMethod(ctx context.Context, record *storage.AuthenticationMethod) error {
	if record == nil || record.UserID == "" || record.Method == "" {
		return fmt.Errorf("invalid authentication method")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.authMethods[record.UserID] == nil {
		s.authMethods[record.UserID] = make(map[storage.AuthMethod]*storage.AuthenticationMethod)
	}
	s.authMethods[record.UserID][record.Method] = record.Clone()
	return nil
}

func (s *Store) DeleteAuthMethod(ctx context.Context, userID string, method storage.AuthMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authMethods[userID], method)
	return nil
}

// ------------------------------------------------------------
// AuthorizationStore
// ------------------------------------------------------------

func (s *Store) GetAuthorization(ctx context.Context, id string) (*storage.ClientAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.authorizations[id]
	if !ok {
		return nil, fmt.Errorf("%w: authorization %s", storage.ErrNotFound, id)
	}
	return auth.Clone(), nil
}

func (s *Store) FindAuthorizations(ctx context.Context, clientID, userID string) ([]*storage.ClientAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []*storage.ClientAuthorization
	for _, auth := range s.authorizations {
		if auth.ClientID == clientID && auth.UserID == userID {
			found = append(found, auth.Clone())
		}
	}
	return found, nil
}

func (s *Store) ListAuthorizations(ctx context.Context) ([]*storage.ClientAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auths := make([]*storage.ClientAuthorization, 0, len(s.authorizations))
	for _, auth := range s.authorizations {
		auths = append(auths, auth.Clone())
	}
	return auths, nil
}

func (s *Store) SaveAuthorization(ctx context.Context, auth *storage.ClientAuthorization) error {
	if auth == nil || auth.ID == "" {
		return fmt.Errorf("invalid authorization")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.authorizations[auth.ID] = auth.Clone()
	return nil
}

func (s *Store) DeleteAuthorization(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authorizations, id)
	return nil
}

// ------------------------------------------------------------
// TokenStore
// ------------------------------------------------------------

func (s *Store) GetToken(ctx context.Context, tok string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tokens[tok]
	if !ok {
		return nil, fmt.Errorf("%w: token", storage.ErrNotFound)
	}
	return record.Clone(), nil
}

func (s *Store) GetTokenByUserCode(ctx context.Context, userCode string) (*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record := s.findByUserCodeLocked(userCode)
	if record == nil {
		return nil, fmt.Errorf("%w: user code", storage.ErrNotFound)
	}
	return record.Clone(), nil
}

// findByUserCodeLocked scans for the device code carrying userCode.
// Caller holds the lock.
func (s *Store) findByUserCodeLocked(userCode string) *storage.Token {
	for _, record := range s.tokens {
		if record.Type != token.TypeDeviceCode || record.Metadata.Device == nil {
			continue
		}
		if record.Metadata.Device.UserCode == userCode {
			return record
		}
	}
	return nil
}

func (s *Store) ListTokensByAuthorization(ctx context.Context, authorizationID string) ([]*storage.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []*storage.Token
	for _, record := range s.tokens {
		if record.AuthorizationID == authorizationID {
			found = append(found, record.Clone())
		}
	}
	return found, nil
}

func (s *Store) SaveToken(ctx context.Context, t *storage.Token) error {
	ctx, span := s.startSpan(ctx, "save_token")
	defer span.End()
	_ = ctx

	if t == nil || t.Token == "" {
		return fmt.Errorf("invalid token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[t.Token] = t.Clone()
	s.logger.Debug("Saved token", "type", t.Type, "client_id", t.ClientID)
	return nil
}

func (s *Store) DeleteToken(ctx context.Context, tok string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, tok)
	return nil
}

// ConsumeToken atomically removes a live token of the given type and
// returns it. The record moves to a consumed set so a replay of the same
// token is reported as ErrConsumed rather than ErrNotFound, which lets
// callers detect reuse and revoke derived tokens.
func (s *Store) ConsumeToken(ctx context.Context, tok string, typ token.Type) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, "consume_token")
	defer span.End()
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.consumed[tok]; ok {
		return prior.record.Clone(), fmt.Errorf("%w: %s", storage.ErrConsumed, typ)
	}

	record, ok := s.tokens[tok]
	if !ok || record.Type != typ {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, typ)
	}

	delete(s.tokens, tok)
	s.consumed[tok] = &consumedToken{record: record, consumedAt: s.now()}

	s.logger.Debug("Consumed token", "type", typ, "client_id", record.ClientID)
	return record.Clone(), nil
}

// AuthorizeDevice atomically binds a pending device code to an
// authorization. Only a token whose device decision is still open
// matches; a decided token yields ErrConsumed.
func (s *Store) AuthorizeDevice(ctx context.Context, userCode, authorizationID string) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, "authorize_device")
	defer span.End()
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.findByUserCodeLocked(userCode)
	if record == nil {
		return nil, fmt.Errorf("%w: user code", storage.ErrNotFound)
	}

	device := record.Metadata.Device
	if device.IsAuthorized || device.IsRejected || record.AuthorizationID != "" {
		return nil, fmt.Errorf("%w: device code already decided", storage.ErrConsumed)
	}

	record.AuthorizationID = authorizationID
	device.IsAuthorized = true

	s.logger.Debug("Authorized device code", "client_id", record.ClientID)
	return record.Clone(), nil
}

// RejectDevice atomically marks a pending device code rejected. Like
// AuthorizeDevice, only a token whose device decision is still open
// matches; a decided token yields ErrConsumed.
func (s *Store) RejectDevice(ctx context.Context, userCode string) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, "reject_device")
	defer span.End()
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	record := s.findByUserCodeLocked(userCode)
	if record == nil {
		return nil, fmt.Errorf("%w: user code", storage.ErrNotFound)
	}

	device := record.Metadata.Device
	if device.IsAuthorized || device.IsRejected || record.AuthorizationID != "" {
		return nil, fmt.Errorf("%w: device code already decided", storage.ErrConsumed)
	}

	device.IsRejected = true

	s.logger.Debug("Rejected device code", "client_id", record.ClientID)
	return record.Clone(), nil
}

func (s *Store) DeleteExpiredTokens(ctx context.Context, codec *token.Codec) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for tok, record := range s.tokens {
		if !codec.IsValid(record.Type, record.IssuedAt) {
			delete(s.tokens, tok)
			removed++
		}
	}
	for tok, entry := range s.consumed {
		if now.Sub(entry.consumedAt) > consumedRetention {
			delete(s.consumed, tok)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Deleted expired tokens", "count", removed)
	}
	return removed, nil
}

// ------------------------------------------------------------
// SessionStore
// ------------------------------------------------------------

func (s *Store) GetSession(ctx context.Context, tok string) (*storage.SessionToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[tok]
	if !ok {
		return nil, fmt.Errorf("%w: session", storage.ErrNotFound)
	}
	return session.Clone(), nil
}

func (s *Store) SaveSession(ctx context.Context, session *storage.SessionToken) error {
	if session == nil || session.Token == "" {
		return fmt.Errorf("invalid session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.Token] = session.Clone()
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, tok string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, tok)
	return nil
}

func (s *Store) CountSessionsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, session := range s.sessions {
		if session.IP == ip && !session.IssuedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for tok, session := range s.sessions {
		if session.ExpiresAt.Before(now) {
			delete(s.sessions, tok)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Deleted expired sessions", "count", removed)
	}
	return removed, nil
}
