package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"identity/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
)

// SchemaVersion is the version of the claim set below. Tokens with any other version are rejected.
const SchemaVersion = 1

const minSecretLen = 32

var (
	ErrSigningKeyMisconfigured = errors.New("signing key misconfigured")
	ErrInvalidToken            = errors.New("invalid token")
	ErrTokenExpired            = errors.New("token expired")
)

type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
	Now      func() time.Time
}

// accessClaims is the wire schema of an access token.
type accessClaims struct {
	Email   string `json:"email"`
	Role    string `json:"role"`
	Version int    `json:"ver"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies access tokens with a shared HMAC secret.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("%w: secret must be at least %d bytes", ErrSigningKeyMisconfigured, minSecretLen)
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, fmt.Errorf("%w: issuer and audience are required", ErrSigningKeyMisconfigured)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("%w: access token ttl must be positive", ErrSigningKeyMisconfigured)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Issuer{
		secret:   cfg.Secret,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		now:      cfg.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithTimeFunc(cfg.Now),
		),
	}, nil
}

// Issue creates an access token for the user.
func (i *Issuer) Issue(userID int64, email string, role models.Role) (string, time.Time, error) {
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("issue token: %w", models.ErrInvalidRole)
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		Email:   email,
		Role:    role.String(),
		Version: SchemaVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// Verify checks signature, issuer, audience and lifetime, then validates the claim schema.
// A token missing any required claim is rejected.
func (i *Issuer) Verify(tokenString string) (*models.Claims, error) {
	var claims accessClaims

	_, err := i.parser.ParseWithClaims(tokenString, &claims, func(_ *jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported claim schema version %d", ErrInvalidToken, claims.Version)
	}
	if claims.Subject == "" || claims.Email == "" || claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing required claim", ErrInvalidToken)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: malformed subject", ErrInvalidToken)
	}

	role, err := models.ParseRole(claims.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return &models.Claims{
		UserID:    userID,
		Email:     claims.Email,
		Role:      role,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
