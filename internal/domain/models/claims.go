package models

import "time"

// Claims is the verified identity carried by an access token.
type Claims struct {
	UserID    int64
	Email     string
	Role      Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}
