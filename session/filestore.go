package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gatekit/gatekeeper/storage"
)

// fileDocument is the on-disk shape of the session file. The whole file is
// rewritten on every mutation; the format is fixed for compatibility with
// existing session files.
type fileDocument struct {
	IssuedTokens []*storage.SessionToken `json:"issuedTokens"`
}

// FileStore is the JSON-file-backed storage.SessionStore. It holds the
// session set in memory and persists the full set on every mutation,
// deduplicating by token string before writing.
type FileStore struct {
	mu       sync.RWMutex
	path     string
	sessions map[string]*storage.SessionToken
}

var _ storage.SessionStore = (*FileStore)(nil)

// OpenFileStore loads (or creates) the session file at path.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:     path,
		sessions: make(map[string]*storage.SessionToken),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: read file store: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("session: parse file store: %w", err)
	}
	for _, s := range doc.IssuedTokens {
		// Later entries win: historical files may carry duplicates.
		fs.sessions[s.Token] = s
	}
	return fs, nil
}

// persist rewrites the file wholesale. Caller holds the write lock.
func (f *FileStore) persist() error {
	doc := fileDocument{IssuedTokens: make([]*storage.SessionToken, 0, len(f.sessions))}
	for _, s := range f.sessions {
		doc.IssuedTokens = append(doc.IssuedTokens, s)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("session: encode file store: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// GetSession implements storage.SessionStore.
func (f *FileStore) GetSession(_ context.Context, tok string) (*storage.SessionToken, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sessions[tok]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.Clone(), nil
}

// SaveSession implements storage.SessionStore.
func (f *FileStore) SaveSession(_ context.Context, s *storage.SessionToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.Token] = s.Clone()
	return f.persist()
}

// DeleteSession implements storage.SessionStore.
func (f *FileStore) DeleteSession(_ context.Context, tok string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tok)
	return f.persist()
}

// CountSessionsByIP implements storage.SessionStore.
func (f *FileStore) CountSessionsByIP(_ context.Context, ip string, since time.Time) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	count := 0
	for _, s := range f.sessions {
		if s.IP == ip && !s.IssuedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// DeleteExpiredSessions implements storage.SessionStore.
func (f *FileStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for tok, s := range f.sessions {
		if s.ExpiresAt.Before(now) {
			delete(f.sessions, tok)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, f.persist()
}
