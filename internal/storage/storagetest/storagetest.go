// Package storagetest holds the behaviour every storage backend must share.
// Backend tests call these helpers against their own store.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"identity/internal/domain/models"
	"identity/internal/storage"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type UserStore interface {
	SaveUser(ctx context.Context, email string, passHash []byte, role models.Role) (int64, error)
	User(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, userID int64) (*models.User, error)
}

type TokenStore interface {
	SaveRefreshToken(ctx context.Context, token models.RefreshToken) error
	RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldHash string, next models.RefreshToken, now time.Time) (*models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error
}

const rotateRacers = 16

// Now is a clock value every backend can store without losing precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NewToken builds an active token for userID expiring after ttl.
func NewToken(userID int64, ttl time.Duration) models.RefreshToken {
	now := Now()
	return models.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: gofakeit.UUID(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func RunUserStore(t *testing.T, s UserStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		email := gofakeit.Email()
		hash := []byte(gofakeit.Password(true, true, true, false, false, 20))

		id, err := s.SaveUser(ctx, email, hash, models.RoleHR)
		require.NoError(t, err)
		assert.Positive(t, id)

		byEmail, err := s.User(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, id, byEmail.ID)
		assert.Equal(t, email, byEmail.Email)
		assert.Equal(t, hash, byEmail.PassHash)
		assert.Equal(t, models.RoleHR, byEmail.Role)

		byID, err := s.UserByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, email, byID.Email)
		assert.Equal(t, models.RoleHR, byID.Role)
	})

	t.Run("duplicate email", func(t *testing.T) {
		email := gofakeit.Email()

		_, err := s.SaveUser(ctx, email, []byte("h"), models.RoleCandidate)
		require.NoError(t, err)

		_, err = s.SaveUser(ctx, email, []byte("h"), models.RoleCandidate)
		require.ErrorIs(t, err, storage.ErrUserExists)
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := s.User(ctx, "nobody-"+gofakeit.Email())
		require.ErrorIs(t, err, storage.ErrUserNotFound)

		_, err = s.UserByID(ctx, 1<<40)
		require.ErrorIs(t, err, storage.ErrUserNotFound)
	})
}

// RunTokenStore checks the refresh token contract. userID must reference an existing user.
func RunTokenStore(t *testing.T, s TokenStore, userID int64) {
	t.Helper()
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		tok := NewToken(userID, time.Hour)
		require.NoError(t, s.SaveRefreshToken(ctx, tok))

		got, err := s.RefreshToken(ctx, tok.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, tok.ID, got.ID)
		assert.Equal(t, userID, got.UserID)
		assert.False(t, got.Revoked)
		assert.Nil(t, got.RevokedAt)
		assert.True(t, tok.ExpiresAt.Equal(got.ExpiresAt))
	})

	t.Run("duplicate hash", func(t *testing.T) {
		tok := NewToken(userID, time.Hour)
		require.NoError(t, s.SaveRefreshToken(ctx, tok))

		dup := NewToken(userID, time.Hour)
		dup.TokenHash = tok.TokenHash
		require.ErrorIs(t, s.SaveRefreshToken(ctx, dup), storage.ErrTokenExists)
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := s.RefreshToken(ctx, "missing-"+gofakeit.UUID())
		require.ErrorIs(t, err, storage.ErrTokenNotFound)
	})

	t.Run("rotate once", func(t *testing.T) {
		tok := NewToken(userID, time.Hour)
		require.NoError(t, s.SaveRefreshToken(ctx, tok))

		next := NewToken(0, time.Hour)
		old, err := s.RotateRefreshToken(ctx, tok.TokenHash, next, Now())
		require.NoError(t, err)
		assert.Equal(t, userID, old.UserID)

		stored, err := s.RefreshToken(ctx, tok.TokenHash)
		require.NoError(t, err)
		assert.True(t, stored.Revoked)
		require.NotNil(t, stored.RevokedAt)
		require.NotNil(t, stored.ReplacedByHash)
		assert.Equal(t, next.TokenHash, *stored.ReplacedByHash)

		successor, err := s.RefreshToken(ctx, next.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, userID, successor.UserID)
		assert.False(t, successor.Revoked)

		_, err = s.RotateRefreshToken(ctx, tok.TokenHash, NewToken(0, time.Hour), Now())
		require.ErrorIs(t, err, storage.ErrTokenRevoked)
	})

	t.Run("rotate missing", func(t *testing.T) {
		_, err := s.RotateRefreshToken(ctx, "missing-"+gofakeit.UUID(), NewToken(0, time.Hour), Now())
		require.ErrorIs(t, err, storage.ErrTokenNotFound)
	})

	t.Run("rotate expired leaves record untouched", func(t *testing.T) {
		tok := NewToken(userID, time.Hour)
		tok.CreatedAt = tok.CreatedAt.Add(-2 * time.Hour)
		tok.ExpiresAt = tok.CreatedAt.Add(time.Hour)
		require.NoError(t, s.SaveRefreshToken(ctx, tok))

		next := NewToken(0, time.Hour)
		_, err := s.RotateRefreshToken(ctx, tok.TokenHash, next, Now())
		require.ErrorIs(t, err, storage.ErrTokenExpired)

		stored, err := s.RefreshToken(ctx, tok.TokenHash)
		require.NoError(t, err)
		assert.False(t, stored.Revoked)
		assert.Nil(t, stored.ReplacedByHash)

		_, err = s.RefreshToken(ctx, next.TokenHash)
		require.ErrorIs(t, err, storage.ErrTokenNotFound)
	})

	t.Run("revoke is idempotent", func(t *testing.T) {
		tok := NewToken(userID, time.Hour)
		require.NoError(t, s.SaveRefreshToken(ctx, tok))

		require.NoError(t, s.RevokeRefreshToken(ctx, tok.TokenHash, Now()))
		require.NoError(t, s.RevokeRefreshToken(ctx, tok.TokenHash, Now()))

		stored, err := s.RefreshToken(ctx, tok.TokenHash)
		require.NoError(t, err)
		assert.True(t, stored.Revoked)

		_, err = s.RotateRefreshToken(ctx, tok.TokenHash, NewToken(0, time.Hour), Now())
		require.ErrorIs(t, err, storage.ErrTokenRevoked)

		err = s.RevokeRefreshToken(ctx, "missing-"+gofakeit.UUID(), Now())
		require.ErrorIs(t, err, storage.ErrTokenNotFound)
	})

	t.Run("concurrent rotate has one winner", func(t *testing.T) {
		tok := NewToken(userID, time.Hour)
		require.NoError(t, s.SaveRefreshToken(ctx, tok))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			wins     int
			revoked  int
			start    = make(chan struct{})
			failures []error
		)

		for range rotateRacers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start

				_, err := s.RotateRefreshToken(ctx, tok.TokenHash, NewToken(0, time.Hour), Now())

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, storage.ErrTokenRevoked):
					revoked++
				default:
					failures = append(failures, err)
				}
			}()
		}

		close(start)
		wg.Wait()

		assert.Empty(t, failures)
		assert.Equal(t, 1, wins)
		assert.Equal(t, rotateRacers-1, revoked)
	})
}
