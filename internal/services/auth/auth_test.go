package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"identity/internal/domain/models"
	"identity/internal/events"
	"identity/internal/lib/jwt"
	"identity/internal/lib/logger/handlers/slogdiscard"
	"identity/internal/metrics"
	"identity/internal/storage/memory"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPepper     = "test-pepper"
	refreshTTL     = 24 * time.Hour
	passDefaultLen = 12
)

type recordingPublisher struct {
	mu      sync.Mutex
	created []events.UserCreated
	reused  []events.RefreshTokenReused
}

func (p *recordingPublisher) PublishUserCreated(_ context.Context, e events.UserCreated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return nil
}

func (p *recordingPublisher) PublishRefreshTokenReused(_ context.Context, e events.RefreshTokenReused) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reused = append(p.reused, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type fixture struct {
	auth      *Auth
	store     *memory.Storage
	issuer    *jwt.Issuer
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	return newFixtureWithTokens(t, nil)
}

func newFixtureWithTokens(t *testing.T, tokens RefreshTokenStore) *fixture {
	t.Helper()

	store := memory.New()
	if tokens == nil {
		tokens = store
	}

	issuer, err := jwt.NewIssuer(jwt.Config{
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Issuer:   "identity-test",
		Audience: "jobtracker-test",
		TTL:      15 * time.Minute,
	})
	require.NoError(t, err)

	pub := &recordingPublisher{}
	a := New(
		slogdiscard.NewDiscardLogger(),
		store,
		store,
		tokens,
		issuer,
		pub,
		metrics.NewWithRegistry(prometheus.NewRegistry()),
		refreshTTL,
		testPepper,
	)

	return &fixture{auth: a, store: store, issuer: issuer, publisher: pub}
}

func (f *fixture) register(t *testing.T, role string) (email, password string, id int64) {
	t.Helper()

	email = gofakeit.Email()
	password = gofakeit.Password(true, true, true, true, false, passDefaultLen)

	id, err := f.auth.Register(context.Background(), email, password, role)
	require.NoError(t, err)

	return email, password, id
}

func TestLogin_ClaimsMatchUser(t *testing.T) {
	f := newFixture(t)
	email, password, id := f.register(t, "HR")

	pair, err := f.auth.Login(context.Background(), email, password)
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), pair.AccessExpiresAt, 2*time.Second)

	claims, err := f.issuer.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, normalizeEmail(email), claims.Email)
	assert.Equal(t, models.RoleHR, claims.Role)
}

func TestLogin_NormalizesEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.auth.Register(context.Background(), "  Jane.Doe@Example.COM ", "secret-pass", "")
	require.NoError(t, err)

	_, err = f.auth.Login(context.Background(), "jane.doe@example.com", "secret-pass")
	require.NoError(t, err)

	_, err = f.auth.Login(context.Background(), " JANE.DOE@example.com", "secret-pass")
	require.NoError(t, err)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	f := newFixture(t)
	email, password, _ := f.register(t, "")

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "unknown email", email: gofakeit.Email(), password: password},
		{name: "wrong password", email: email, password: password + "x"},
		{name: "empty password", email: email, password: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.auth.Login(context.Background(), tt.email, tt.password)
			require.ErrorIs(t, err, ErrInvalidCredentials)
			assert.Equal(t, "auth.Login: invalid credentials", err.Error())
		})
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	email, _, id := f.register(t, "")

	user, err := f.store.UserByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RoleCandidate, user.Role)
	assert.NotEqual(t, email, string(user.PassHash))

	require.Len(t, f.publisher.created, 1)
	assert.Equal(t, id, f.publisher.created[0].ID)
	assert.Equal(t, "Candidate", f.publisher.created[0].Role)

	_, err = f.auth.Register(ctx, email, "other-password", "")
	require.ErrorIs(t, err, ErrUserAlreadyExists)
	assert.Len(t, f.publisher.created, 1)
}

func TestRegister_Invalid(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		email    string
		password string
		role     string
		wantErr  error
	}{
		{name: "empty email", email: " ", password: "p", wantErr: ErrInvalidArgument},
		{name: "empty password", email: gofakeit.Email(), password: "  ", wantErr: ErrInvalidArgument},
		{name: "unknown role", email: gofakeit.Email(), password: "p", role: "Admin", wantErr: models.ErrInvalidRole},
		{name: "lowercase role", email: gofakeit.Email(), password: "p", role: "hr", wantErr: models.ErrInvalidRole},
		{name: "password over 72 bytes", email: gofakeit.Email(), password: strings.Repeat("a", 73), wantErr: ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.auth.Register(context.Background(), tt.email, tt.password, tt.role)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.publisher.created)
		})
	}
}

func TestUserProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	email := gofakeit.Email()
	id, err := f.auth.Register(ctx, email, "secret", "HR")
	require.NoError(t, err)

	u, err := f.auth.UserProfile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(email), u.Email)
	assert.Equal(t, models.RoleHR, u.Role)

	_, err = f.auth.UserProfile(ctx, id+1000)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestRefresh_RotatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password, id := f.register(t, "")

	pair, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	next, err := f.auth.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	claims, err := f.issuer.Verify(next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)

	_, err = f.auth.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	require.Len(t, f.publisher.reused, 1)
	assert.Equal(t, id, f.publisher.reused[0].UserID)
}

func TestRefresh_Chain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password, _ := f.register(t, "HR")

	p1, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	p2, err := f.auth.Refresh(ctx, p1.RefreshToken)
	require.NoError(t, err)

	_, err = f.auth.Refresh(ctx, p1.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)

	p3, err := f.auth.Refresh(ctx, p2.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, p2.RefreshToken, p3.RefreshToken)

	first, err := f.store.RefreshToken(ctx, f.auth.hashRefreshToken(p1.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, first.ReplacedByHash)
	assert.Equal(t, f.auth.hashRefreshToken(p2.RefreshToken), *first.ReplacedByHash)
}

func TestRefresh_ExpiredTokenLeftUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, id := f.register(t, "")

	raw := "expired-" + gofakeit.UUID()
	past := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, f.store.SaveRefreshToken(ctx, models.RefreshToken{
		ID:        uuid.New(),
		UserID:    id,
		TokenHash: f.auth.hashRefreshToken(raw),
		CreatedAt: past,
		ExpiresAt: past.Add(time.Hour),
	}))

	_, err := f.auth.Refresh(ctx, raw)
	require.ErrorIs(t, err, ErrTokenExpired)

	stored, err := f.store.RefreshToken(ctx, f.auth.hashRefreshToken(raw))
	require.NoError(t, err)
	assert.False(t, stored.Revoked)
	assert.Nil(t, stored.ReplacedByHash)
	assert.Empty(t, f.publisher.reused)
}

func TestRefresh_Unknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.auth.Refresh(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, ErrTokenNotFound)

	_, err = f.auth.Refresh(context.Background(), "")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRefresh_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password, _ := f.register(t, "")

	pair, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	const racers = 20

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		revoked int
	)

	start := make(chan struct{})
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			_, err := f.auth.Refresh(ctx, pair.RefreshToken)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if errors.Is(err, ErrTokenRevoked) {
				revoked++
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, revoked)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password, _ := f.register(t, "")

	pair, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	require.NoError(t, f.auth.Logout(ctx, pair.RefreshToken))
	require.NoError(t, f.auth.Logout(ctx, pair.RefreshToken))
	require.NoError(t, f.auth.Logout(ctx, "never-issued"))
	require.NoError(t, f.auth.Logout(ctx, ""))

	_, err = f.auth.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrTokenRevoked)
}

type brokenTokens struct {
	*memory.Storage
	err error
}

func (b brokenTokens) RotateRefreshToken(context.Context, string, models.RefreshToken, time.Time) (*models.RefreshToken, error) {
	return nil, b.err
}

func (b brokenTokens) RevokeRefreshToken(context.Context, string, time.Time) error {
	return b.err
}

func TestStoreOutage(t *testing.T) {
	outage := errors.New("connection refused")
	f := newFixtureWithTokens(t, brokenTokens{Storage: memory.New(), err: outage})
	ctx := context.Background()

	require.NoError(t, f.auth.Logout(ctx, "some-token"))

	_, err := f.auth.Refresh(ctx, "some-token")
	require.ErrorIs(t, err, outage)
	assert.NotErrorIs(t, err, ErrTokenNotFound)
	assert.NotErrorIs(t, err, ErrTokenRevoked)
	assert.NotErrorIs(t, err, ErrTokenExpired)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	email, password, id := f.register(t, "HR")

	pair, err := f.auth.Login(ctx, email, password)
	require.NoError(t, err)

	claims, err := f.auth.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, id, claims.UserID)
	assert.Equal(t, models.RoleHR, claims.Role)

	_, err = f.auth.Authenticate(ctx, "not.a.jwt")
	require.ErrorIs(t, err, ErrInvalidAccessToken)
	require.ErrorIs(t, err, jwt.ErrInvalidToken)
}

func TestHashRefreshToken(t *testing.T) {
	f := newFixture(t)

	h1 := f.auth.hashRefreshToken("abc")
	assert.Equal(t, h1, f.auth.hashRefreshToken("abc"))
	assert.NotEqual(t, h1, f.auth.hashRefreshToken("abd"))
	assert.NotContains(t, h1, "abc")

	raw, err := generateRefreshTokenRaw()
	require.NoError(t, err)
	assert.Len(t, raw, 43)
}
