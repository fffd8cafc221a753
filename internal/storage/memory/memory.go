package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"identity/internal/domain/models"
	"identity/internal/storage"
)

// Storage keeps users and refresh tokens in process memory.
type Storage struct {
	mu      sync.Mutex
	nextID  int64
	users   map[int64]*models.User
	byEmail map[string]int64
	tokens  map[string]*models.RefreshToken
}

func New() *Storage {
	return &Storage{
		users:   make(map[int64]*models.User),
		byEmail: make(map[string]int64),
		tokens:  make(map[string]*models.RefreshToken),
	}
}

func (s *Storage) SaveUser(_ context.Context, email string, passHash []byte, role models.Role) (int64, error) {
	const op = "storage.memory.SaveUser"

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(email)
	if _, ok := s.byEmail[key]; ok {
		return 0, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
	}

	s.nextID++
	u := &models.User{
		ID:        s.nextID,
		Email:     email,
		PassHash:  append([]byte(nil), passHash...),
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}
	s.users[u.ID] = u
	s.byEmail[key] = u.ID

	return u.ID, nil
}

func (s *Storage) User(_ context.Context, email string) (*models.User, error) {
	const op = "storage.memory.User"

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	u := *s.users[id]

	return &u, nil
}

func (s *Storage) UserByID(_ context.Context, userID int64) (*models.User, error) {
	const op = "storage.memory.UserByID"

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	cp := *u

	return &cp, nil
}

func (s *Storage) SaveRefreshToken(_ context.Context, token models.RefreshToken) error {
	const op = "storage.memory.SaveRefreshToken"

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[token.TokenHash]; ok {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenExists)
	}
	s.tokens[token.TokenHash] = &token

	return nil
}

func (s *Storage) RefreshToken(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.memory.RefreshToken"

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenHash]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}
	cp := *t

	return &cp, nil
}

// RotateRefreshToken revokes oldHash and stores next for the same user under one lock.
func (s *Storage) RotateRefreshToken(
	_ context.Context,
	oldHash string,
	next models.RefreshToken,
	now time.Time,
) (*models.RefreshToken, error) {
	const op = "storage.memory.RotateRefreshToken"

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[oldHash]
	switch {
	case !ok:
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	case old.Revoked:
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenRevoked)
	case old.Expired(now):
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenExpired)
	}
	if _, ok := s.tokens[next.TokenHash]; ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenExists)
	}

	revokedAt := now
	replacedBy := next.TokenHash
	old.Revoked = true
	old.RevokedAt = &revokedAt
	old.ReplacedByHash = &replacedBy

	next.UserID = old.UserID
	s.tokens[next.TokenHash] = &next

	cp := *old

	return &cp, nil
}

// RevokeRefreshToken marks the token revoked. Revoking a revoked token is a no-op.
func (s *Storage) RevokeRefreshToken(_ context.Context, tokenHash string, now time.Time) error {
	const op = "storage.memory.RevokeRefreshToken"

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenHash]
	if !ok {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}
	if t.Revoked {
		return nil
	}
	revokedAt := now
	t.Revoked = true
	t.RevokedAt = &revokedAt

	return nil
}
