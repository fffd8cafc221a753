package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshToken is one link of a refresh chain. Only the hash of the raw token is stored.
type RefreshToken struct {
	ID             uuid.UUID
	UserID         int64
	TokenHash      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Revoked        bool
	RevokedAt      *time.Time
	ReplacedByHash *string
}

// Expired reports whether the token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// TokenPair is what login and refresh hand back to the caller.
type TokenPair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
}
