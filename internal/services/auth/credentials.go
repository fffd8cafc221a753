package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"identity/internal/domain/models"
	"identity/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the user does not exist, so an unknown
// email costs the same as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("identity-dummy-password"), bcrypt.DefaultCost)
	if err != nil {
		panic("generate dummy bcrypt hash: " + err.Error())
	}
	return h
})

// verifyCredentials returns ErrInvalidCredentials for both an unknown email and a wrong password.
func (a *Auth) verifyCredentials(ctx context.Context, email, password string) (*models.User, error) {
	const op = "auth.verifyCredentials"

	user, err := a.userProvider.User(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}
