package models

import "time"

// User is an identity record owned by the identity store.
type User struct {
	ID        int64
	Email     string
	PassHash  []byte
	Role      Role
	CreatedAt time.Time
}
