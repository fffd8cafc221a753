package jwt

import (
	"testing"
	"time"

	"identity/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestIssuer(t *testing.T, now func() time.Time) *Issuer {
	t.Helper()

	iss, err := NewIssuer(Config{
		Secret:   []byte(testSecret),
		Issuer:   "identity-test",
		Audience: "jobtracker-test",
		TTL:      15 * time.Minute,
		Now:      now,
	})
	require.NoError(t, err)

	return iss
}

func TestNewIssuer_Misconfigured(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{
			name: "short secret",
			cfg:  Config{Secret: []byte("short"), Issuer: "i", Audience: "a", TTL: time.Minute},
		},
		{
			name: "missing issuer",
			cfg:  Config{Secret: []byte(testSecret), Audience: "a", TTL: time.Minute},
		},
		{
			name: "missing audience",
			cfg:  Config{Secret: []byte(testSecret), Issuer: "i", TTL: time.Minute},
		},
		{
			name: "zero ttl",
			cfg:  Config{Secret: []byte(testSecret), Issuer: "i", Audience: "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIssuer(tt.cfg)
			require.ErrorIs(t, err, ErrSigningKeyMisconfigured)
		})
	}
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	iss := newTestIssuer(t, nil)

	token, expiresAt, err := iss.Issue(42, "a@x.com", models.RoleHR)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, 2*time.Second)

	claims, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, models.RoleHR, claims.Role)
}

func TestIssue_WireClaims(t *testing.T) {
	iss := newTestIssuer(t, nil)

	token, _, err := iss.Issue(7, "b@x.com", models.RoleCandidate)
	require.NoError(t, err)

	parsed, err := jwt.Parse(token, func(_ *jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)

	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "7", claims["sub"])
	assert.Equal(t, "b@x.com", claims["email"])
	assert.Equal(t, "Candidate", claims["role"])
	assert.Equal(t, "identity-test", claims["iss"])
	assert.Equal(t, float64(SchemaVersion), claims["ver"])
	assert.Contains(t, claims, "iat")
	assert.Contains(t, claims, "exp")
	assert.Contains(t, claims, "aud")
}

func TestIssue_InvalidRole(t *testing.T) {
	iss := newTestIssuer(t, nil)

	_, _, err := iss.Issue(1, "c@x.com", models.RoleUnknown)
	require.ErrorIs(t, err, models.ErrInvalidRole)
}

func TestVerify_Expired(t *testing.T) {
	past := func() time.Time { return time.Now().Add(-time.Hour) }
	token, _, err := newTestIssuer(t, past).Issue(1, "d@x.com", models.RoleCandidate)
	require.NoError(t, err)

	_, err = newTestIssuer(t, nil).Verify(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerify_WrongSecret(t *testing.T) {
	token, _, err := newTestIssuer(t, nil).Issue(1, "e@x.com", models.RoleCandidate)
	require.NoError(t, err)

	other, err := NewIssuer(Config{
		Secret:   []byte("ffffffffffffffffffffffffffffffff"),
		Issuer:   "identity-test",
		Audience: "jobtracker-test",
		TTL:      time.Minute,
	})
	require.NoError(t, err)

	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_WrongAudience(t *testing.T) {
	token, _, err := newTestIssuer(t, nil).Issue(1, "f@x.com", models.RoleCandidate)
	require.NoError(t, err)

	other, err := NewIssuer(Config{
		Secret:   []byte(testSecret),
		Issuer:   "identity-test",
		Audience: "someone-else",
		TTL:      time.Minute,
	})
	require.NoError(t, err)

	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_SchemaViolations(t *testing.T) {
	iss := newTestIssuer(t, nil)
	now := time.Now()

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub":   "5",
			"email": "g@x.com",
			"role":  "HR",
			"ver":   SchemaVersion,
			"iss":   "identity-test",
			"aud":   "jobtracker-test",
			"iat":   now.Unix(),
			"exp":   now.Add(time.Minute).Unix(),
		}
	}

	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{name: "missing sub", mutate: func(c jwt.MapClaims) { delete(c, "sub") }},
		{name: "missing email", mutate: func(c jwt.MapClaims) { delete(c, "email") }},
		{name: "missing iat", mutate: func(c jwt.MapClaims) { delete(c, "iat") }},
		{name: "missing exp", mutate: func(c jwt.MapClaims) { delete(c, "exp") }},
		{name: "unknown role", mutate: func(c jwt.MapClaims) { c["role"] = "Admin" }},
		{name: "lowercase role", mutate: func(c jwt.MapClaims) { c["role"] = "hr" }},
		{name: "old schema", mutate: func(c jwt.MapClaims) { c["ver"] = 0 }},
		{name: "non numeric subject", mutate: func(c jwt.MapClaims) { c["sub"] = "abc" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := base()
			tt.mutate(claims)

			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
			require.NoError(t, err)

			_, err = iss.Verify(token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerify_RejectsNoneAlgorithm(t *testing.T) {
	iss := newTestIssuer(t, nil)

	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "1", "email": "h@x.com", "role": "HR", "ver": SchemaVersion,
		"iss": "identity-test", "aud": "jobtracker-test",
		"iat": time.Now().Unix(), "exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = iss.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
