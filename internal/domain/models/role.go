package models

import (
	"errors"
	"fmt"
)

// Role is the closed set of roles a user can hold.
type Role int

const (
	RoleUnknown Role = iota
	RoleCandidate
	RoleHR
)

var ErrInvalidRole = errors.New("invalid role")

const (
	roleCandidate = "Candidate"
	roleHR        = "HR"
)

// ParseRole converts the wire form of a role. Matching is exact.
func ParseRole(s string) (Role, error) {
	switch s {
	case roleCandidate:
		return RoleCandidate, nil
	case roleHR:
		return RoleHR, nil
	default:
		return RoleUnknown, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

func (r Role) String() string {
	switch r {
	case RoleCandidate:
		return roleCandidate
	case RoleHR:
		return roleHR
	case RoleUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Valid reports whether r is one of the assignable roles.
func (r Role) Valid() bool {
	switch r {
	case RoleCandidate, RoleHR:
		return true
	case RoleUnknown:
		return false
	default:
		return false
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
