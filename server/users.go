package server

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUserNotFound is returned when no user matches a lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when a username or email is already taken.
	ErrUserExists = errors.New("user already exists")
)

// UserStore is the local user directory.
type UserStore interface {
	Get(ctx context.Context, id string) (User, error)
	FindByCognitoID(ctx context.Context, sub string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByUsername(ctx context.Context, username string) (User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	// Create assigns ID and CreatedAt and returns the stored user.
	Create(ctx context.Context, u User) (User, error)
	// Update replaces every mutable field of the user with u.ID.
	Update(ctx context.Context, u User) error
	Close() error
}

// MemoryUserStore keeps users in process memory.
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryUserStore constructs an empty directory.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]User)}
}

// Get returns the user with id.
func (s *MemoryUserStore) Get(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return cloneUser(u), nil
}

// FindByCognitoID returns the user linked to a Cognito subject.
func (s *MemoryUserStore) FindByCognitoID(_ context.Context, sub string) (User, error) {
	if sub == "" {
		return User{}, ErrUserNotFound
	}
	return s.find(func(u User) bool { return u.CognitoID == sub })
}

// FindByEmail matches email case-insensitively.
func (s *MemoryUserStore) FindByEmail(_ context.Context, email string) (User, error) {
	if email == "" {
		return User{}, ErrUserNotFound
	}
	return s.find(func(u User) bool { return strings.EqualFold(u.Email, email) })
}

// FindByUsername matches username case-insensitively.
func (s *MemoryUserStore) FindByUsername(_ context.Context, username string) (User, error) {
	return s.find(func(u User) bool { return strings.EqualFold(u.Username, username) })
}

// UsernameExists reports whether username is taken.
func (s *MemoryUserStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	_, err := s.FindByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Create stores a new user.
func (s *MemoryUserStore) Create(_ context.Context, u User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if s.conflicts(existing, u) {
			return User{}, ErrUserExists
		}
	}
	u = cloneUser(u)
	u.ID = uuid.NewString()
	u.CreatedAt = time.Now().UTC()
	s.users[u.ID] = u
	return cloneUser(u), nil
}

// Update replaces the stored user.
func (s *MemoryUserStore) Update(_ context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	for id, existing := range s.users {
		if id != u.ID && s.conflicts(existing, u) {
			return ErrUserExists
		}
	}
	u = cloneUser(u)
	u.CreatedAt = current.CreatedAt
	s.users[u.ID] = u
	return nil
}

// Close is a no-op.
func (s *MemoryUserStore) Close() error { return nil }

func (s *MemoryUserStore) find(match func(User) bool) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if match(u) {
			return cloneUser(u), nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *MemoryUserStore) conflicts(existing, u User) bool {
	if strings.EqualFold(existing.Username, u.Username) {
		return true
	}
	if u.Email != "" && strings.EqualFold(existing.Email, u.Email) {
		return true
	}
	return u.CognitoID != "" && existing.CognitoID == u.CognitoID
}

func cloneUser(u User) User {
	u.Roles = slices.Clone(u.Roles)
	u.Attributes = maps.Clone(u.Attributes)
	return u
}
