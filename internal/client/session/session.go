// Package session keeps the client-side view of a login: the in-memory access token
// and the refresh token plus user that survive a restart.
package session

import (
	"context"
	"fmt"
	"sync"
)

type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Session is a snapshot. The access token is never persisted.
type Session struct {
	AccessToken  string
	RefreshToken string
	User         *User
}

// LoggedIn reports whether the session can still obtain an access token.
func (s Session) LoggedIn() bool {
	return s.AccessToken != "" || s.RefreshToken != ""
}

// Persisted is the part of a Session written to local storage.
type Persisted struct {
	RefreshToken string
	User         *User
}

type Persister interface {
	Load(ctx context.Context) (Persisted, error)
	Save(ctx context.Context, p Persisted) error
	Clear(ctx context.Context) error
}

// Store guards the current Session. Persistence runs outside the state lock.
type Store struct {
	mu      sync.RWMutex
	current Session

	persistMu sync.Mutex
	persister Persister
}

// NewStore restores the persisted part of the session. A nil persister keeps everything in memory.
func NewStore(ctx context.Context, p Persister) (*Store, error) {
	const op = "session.NewStore"

	s := &Store{persister: p}
	if p == nil {
		return s, nil
	}

	saved, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.current = Session{RefreshToken: saved.RefreshToken, User: saved.User}

	return s, nil
}

func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur := s.current
	if cur.User != nil {
		u := *cur.User
		cur.User = &u
	}
	return cur
}

func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AccessToken
}

// SetTokens replaces both tokens. The in-memory session is updated even when persisting fails.
func (s *Store) SetTokens(ctx context.Context, accessToken, refreshToken string) error {
	s.mu.Lock()
	s.current.AccessToken = accessToken
	s.current.RefreshToken = refreshToken
	s.mu.Unlock()

	return s.persist(ctx)
}

func (s *Store) SetUser(ctx context.Context, u User) error {
	s.mu.Lock()
	s.current.User = &u
	s.mu.Unlock()

	return s.persist(ctx)
}

// Clear logs the session out locally.
func (s *Store) Clear(ctx context.Context) error {
	const op = "session.Clear"

	s.mu.Lock()
	s.current = Session{}
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := s.persister.Clear(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) persist(ctx context.Context) error {
	const op = "session.persist"

	if s.persister == nil {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	// snapshot under persistMu so the last writer persists the latest state
	cur := s.Current()
	if err := s.persister.Save(ctx, Persisted{RefreshToken: cur.RefreshToken, User: cur.User}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
