package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a nonce or session does not exist or has expired.
var ErrNotFound = errors.New("not found")

// NonceStore keeps login state nonces until the callback consumes them.
type NonceStore interface {
	SaveNonce(ctx context.Context, n AuthNonce) error
	// ConsumeNonce returns and deletes the nonce. A second call fails with ErrNotFound.
	ConsumeNonce(ctx context.Context, id string) (AuthNonce, error)
}

// SessionStore persists browser sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, sess Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Store is the combined ephemeral state backend.
type Store interface {
	NonceStore
	SessionStore
	Ping(ctx context.Context) error
	Close() error
}

// NewID generates a random identifier.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

// InMemoryStore keeps nonces and sessions in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	sessions map[string]Session
	nonces   map[string]AuthNonce
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:      time.Now,
		sessions: make(map[string]Session),
		nonces:   make(map[string]AuthNonce),
	}
}

// SaveNonce stores a nonce.
func (s *InMemoryStore) SaveNonce(_ context.Context, n AuthNonce) error {
	if n.ID == "" {
		return errors.New("nonce ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.nonces[n.ID] = n
	return nil
}

// ConsumeNonce fetches and removes a nonce.
func (s *InMemoryStore) ConsumeNonce(_ context.Context, id string) (AuthNonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[id]
	if !ok {
		return AuthNonce{}, ErrNotFound
	}
	delete(s.nonces, id)
	if s.now().After(n.ExpiresAt) {
		return AuthNonce{}, ErrNotFound
	}
	return n, nil
}

// SaveSession stores or replaces a session.
func (s *InMemoryStore) SaveSession(_ context.Context, sess Session) error {
	if sess.ID == "" {
		return errors.New("session ID cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession retrieves a live session by ID.
func (s *InMemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.now().After(sess.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// sweepLocked drops expired nonces and sessions so abandoned logins and
// sessions that are never read again do not accumulate.
func (s *InMemoryStore) sweepLocked() {
	now := s.now()
	for id, n := range s.nonces {
		if now.After(n.ExpiresAt) {
			delete(s.nonces, id)
		}
	}
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}
