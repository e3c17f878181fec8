// Package storage defines the datastore contract for clients, users,
// authorizations, tokens, and sessions. It supports various backend
// implementations including in-memory and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gatekit/gatekeeper/token"
)

// Sentinel errors returned by every backend.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConsumed indicates a single-use token was already redeemed or a
	// device code was already decided. Returned by the atomic consume
	// operations when the conditional update matched zero rows.
	ErrConsumed = errors.New("storage: token already consumed")

	// ErrDuplicate indicates a unique key collision on insert.
	ErrDuplicate = errors.New("storage: duplicate key")
)

// ClientStore manages registered OAuth client applications.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// SaveClient creates or replaces a client registration.
	SaveClient(ctx context.Context, client *Client) error

	// DeleteClient removes a client registration.
	DeleteClient(ctx context.Context, clientID string) error
}

// PermissionStore manages the named scopes clients may request.
type PermissionStore interface {
	// GetPermission retrieves a permission by its unique name.
	GetPermission(ctx context.Context, name string) (*Permission, error)

	// ListPermissions returns every registered permission.
	ListPermissions(ctx context.Context) ([]*Permission, error)

	// SavePermission creates or replaces a permission.
	SavePermission(ctx context.Context, perm *Permission) error
}

// UserStore manages end-user accounts.
type UserStore interface {
	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByUsername retrieves a user by their unique username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// SaveUser creates or replaces a user.
	SaveUser(ctx context.Context, user *User) error
}

// AuthMethodStore manages per-user authentication method records.
type AuthMethodStore interface {
	// ListAuthMethods returns every method registered for a user.
	ListAuthMethods(ctx context.Context, userID string) ([]*AuthenticationMethod, error)

	// GetAuthMethod retrieves one method record for a user.
	GetAuthMethod(ctx context.Context, userID string, method AuthMethod) (*AuthenticationMethod, error)

	// SaveAuthMethod creates or replaces a method record.
	SaveAuthMethod(ctx context.Context, record *AuthenticationMethod) error

	// DeleteAuthMethod removes a method record.
	DeleteAuthMethod(ctx context.Context, userID string, method AuthMethod) error
}

// AuthorizationStore manages the durable (client, user, permissions) grants.
type AuthorizationStore interface {
	// GetAuthorization retrieves a grant by ID.
	GetAuthorization(ctx context.Context, id string) (*ClientAuthorization, error)

	// FindAuthorizations returns every grant for a (client, user) pair.
	// Concurrent authorize calls may have accumulated duplicates; callers
	// that need the logically active grant should take the earliest.
	FindAuthorizations(ctx context.Context, clientID, userID string) ([]*ClientAuthorization, error)

	// ListAuthorizations returns every grant. Used by the garbage collector.
	ListAuthorizations(ctx context.Context) ([]*ClientAuthorization, error)

	// SaveAuthorization creates or replaces a grant.
	SaveAuthorization(ctx context.Context, auth *ClientAuthorization) error

	// DeleteAuthorization removes a grant.
	DeleteAuthorization(ctx context.Context, id string) error
}

// TokenStore manages issued token records, keyed by the token string.
type TokenStore interface {
	// GetToken retrieves a token record by its token string.
	GetToken(ctx context.Context, tok string) (*Token, error)

	// GetTokenByUserCode retrieves the DEVICE_CODE token carrying the
	// given user code.
	GetTokenByUserCode(ctx context.Context, userCode string) (*Token, error)

	// ListTokensByAuthorization returns every token minted against a grant.
	ListTokensByAuthorization(ctx context.Context, authorizationID string) ([]*Token, error)

	// SaveToken creates or replaces a token record.
	SaveToken(ctx context.Context, t *Token) error

	// DeleteToken removes a token record. Deleting an absent token is not
	// an error.
	DeleteToken(ctx context.Context, tok string) error

	// ConsumeToken atomically deletes a live token of the given type and
	// returns its record. It is the single-use redemption primitive for
	// authorization codes and device codes: two concurrent calls for the
	// same token must yield exactly one success; the loser receives
	// ErrConsumed. A missing token yields ErrNotFound.
	ConsumeToken(ctx context.Context, tok string, typ token.Type) (*Token, error)

	// AuthorizeDevice atomically binds a pending DEVICE_CODE token to an
	// authorization and flips its IsAuthorized flag. The update only
	// matches a token whose device metadata is still undecided; a second
	// concurrent call receives ErrConsumed.
	AuthorizeDevice(ctx context.Context, userCode, authorizationID string) (*Token, error)

	// RejectDevice atomically flips the IsRejected flag of a pending
	// DEVICE_CODE token. Like AuthorizeDevice, the update only matches a
	// token whose device metadata is still undecided; a code that was
	// already approved or rejected yields ErrConsumed, an unknown user
	// code ErrNotFound.
	RejectDevice(ctx context.Context, userCode string) (*Token, error)

	// DeleteExpiredTokens removes tokens whose validity window closed
	// before now, given the codec's per-type windows. Returns the number
	// of rows removed.
	DeleteExpiredTokens(ctx context.Context, codec *token.Codec) (int, error)
}

// SessionStore persists session token documents.
type SessionStore interface {
	// GetSession retrieves a session by its opaque token.
	GetSession(ctx context.Context, tok string) (*SessionToken, error)

	// SaveSession creates or replaces a session.
	SaveSession(ctx context.Context, s *SessionToken) error

	// DeleteSession removes a session.
	DeleteSession(ctx context.Context, tok string) error

	// CountSessionsByIP counts sessions issued to an IP at or after since.
	CountSessionsByIP(ctx context.Context, ip string, since time.Time) (int, error)

	// DeleteExpiredSessions removes sessions with ExpiresAt before now.
	// Returns the number of rows removed.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// Datastore is the full contract a relational backend provides.
type Datastore interface {
	ClientStore
	PermissionStore
	UserStore
	AuthMethodStore
	AuthorizationStore
	TokenStore
	SessionStore
}
