// Package registry resolves OAuth client applications and evaluates their
// redirect URIs, secrets, and access-control lists.
package registry

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatekit/gatekeeper/storage"
)

// deviceURNPrefix marks redirect URIs that are compared verbatim rather
// than component-wise.
const deviceURNPrefix = "urn:ietf:wg:oauth:2.0:"

// Registry answers client, redirect-URI, secret, and ACL questions against
// the client store.
type Registry struct {
	clients storage.ClientStore
	logger  *slog.Logger
}

// New creates a registry backed by the given client store.
func New(clients storage.ClientStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{clients: clients, logger: logger}
}

// GetByClientID resolves a client application. Returns
// storage.ErrNotFound for unknown IDs.
func (r *Registry) GetByClientID(ctx context.Context, clientID string) (*storage.Client, error) {
	return r.clients.GetClient(ctx, clientID)
}

// IsValidRedirectURI reports whether uri matches one of the client's
// registered redirect URIs. Device-grant URNs are compared as opaque
// strings; ordinary URIs match on scheme, host, port, and path, with query
// and fragment ignored.
func (r *Registry) IsValidRedirectURI(ctx context.Context, clientID, uri string) (bool, error) {
	client, err := r.clients.GetClient(ctx, clientID)
	if err != nil {
		return false, err
	}
	for _, registered := range client.RedirectURIs {
		if redirectURIsMatch(registered, uri) {
			return true, nil
		}
	}
	return false, nil
}

func redirectURIsMatch(registered, presented string) bool {
	if strings.HasPrefix(registered, deviceURNPrefix) || strings.HasPrefix(presented, deviceURNPrefix) {
		return registered == presented
	}

	a, err := url.Parse(registered)
	if err != nil {
		return false
	}
	b, err := url.Parse(presented)
	if err != nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		a.Port() == b.Port() &&
		a.Path == b.Path
}

// VerifySecret reports whether secret authenticates the client. A secret
// matches if it verifies against any registered hash. A client with no
// registered secrets is public and authenticates only with an empty secret.
func (r *Registry) VerifySecret(ctx context.Context, clientID, secret string) (bool, error) {
	client, err := r.clients.GetClient(ctx, clientID)
	if err != nil {
		return false, err
	}
	if len(client.SecretHashes) == 0 {
		return secret == "", nil
	}
	for _, hash := range client.SecretHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil {
			return true, nil
		}
	}
	return false, nil
}

// CheckUserAccess reports whether the ACL admits the user. An ACL with no
// user or group allow-list admits everyone.
func (r *Registry) CheckUserAccess(acl *storage.AccessControlList, user *storage.User) bool {
	if !acl.HasUserAllowList() {
		return true
	}
	for _, id := range acl.AllowedUsers {
		if id == user.ID {
			return true
		}
	}
	for _, group := range acl.AllowedGroups {
		for _, g := range user.Groups {
			if g == group {
				return true
			}
		}
	}
	return false
}

// CheckPermissionsAllowed verifies every requested permission against the
// ACL's allowed set. It returns the denied subset; an empty result means
// all requested permissions are allowed.
func (r *Registry) CheckPermissionsAllowed(acl *storage.AccessControlList, permissions []string) []string {
	allowed := make(map[string]struct{}, len(acl.AllowedPermissions))
	for _, p := range acl.AllowedPermissions {
		allowed[p] = struct{}{}
	}
	var denied []string
	for _, p := range permissions {
		if _, ok := allowed[p]; !ok {
			denied = append(denied, p)
		}
	}
	return denied
}

// HashSecret produces the bcrypt hash stored for a client secret.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
