package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"identity/internal/domain/models"
	"identity/internal/events"
	"identity/internal/lib/logger/sl"
	"identity/internal/metrics"
	"identity/internal/storage"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
)

const refreshTokenBytes = 32

// bcrypt only reads the first 72 bytes of a password.
const maxPasswordBytes = 72

var tracer = otel.Tracer("identity/services/auth")

type UserSaver interface {
	SaveUser(
		ctx context.Context,
		email string,
		passHash []byte,
		role models.Role,
	) (uid int64, err error)
}

type UserProvider interface {
	User(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, userID int64) (*models.User, error)
}

// RefreshTokenStore persists refresh token hashes. RotateRefreshToken must be atomic:
// for a given oldHash at most one call succeeds.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token models.RefreshToken) error
	RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldHash string, next models.RefreshToken, now time.Time) (*models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error
}

type TokenIssuer interface {
	Issue(userID int64, email string, role models.Role) (string, time.Time, error)
	Verify(token string) (*models.Claims, error)
}

type Recorder interface {
	Login(outcome string)
	Register(outcome string)
	Refresh(outcome string)
	RefreshReused()
	Logout()
}

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUserAlreadyExists   = errors.New("user already exists")
	ErrInvalidAccessToken  = errors.New("invalid access token")
	ErrUserNotFound        = errors.New("user not found")
	ErrTokenNotFound       = storage.ErrTokenNotFound
	ErrTokenRevoked        = storage.ErrTokenRevoked
	ErrTokenExpired        = storage.ErrTokenExpired
	errRefreshUserNotFound = errors.New("refresh token owner not found")
)

type Auth struct {
	log           *slog.Logger
	userSaver     UserSaver
	userProvider  UserProvider
	tokens        RefreshTokenStore
	issuer        TokenIssuer
	events        events.Publisher
	metrics       Recorder
	refreshTTL    time.Duration
	refreshPepper string
	now           func() time.Time
}

// New returns a new instance of the Auth service.
func New(
	log *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	tokens RefreshTokenStore,
	issuer TokenIssuer,
	publisher events.Publisher,
	recorder Recorder,
	refreshTTL time.Duration,
	refreshPepper string,
) *Auth {
	return &Auth{
		log:           log,
		userSaver:     userSaver,
		userProvider:  userProvider,
		tokens:        tokens,
		issuer:        issuer,
		events:        publisher,
		metrics:       recorder,
		refreshTTL:    refreshTTL,
		refreshPepper: refreshPepper,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a user with a bcrypt hashed password. An empty role means Candidate.
func (a *Auth) Register(
	ctx context.Context,
	email string,
	password string,
	role string,
) (userID int64, err error) {
	const op = "auth.Register"

	ctx, span := tracer.Start(ctx, op)
	defer func() { endSpan(span, err) }()

	email = normalizeEmail(email)
	log := a.log.With(slog.String("op", op), slog.String("email", email))
	log.Info("register request")

	if email == "" || strings.TrimSpace(password) == "" {
		a.metrics.Register(metrics.OutcomeInvalidRequest)
		return 0, fmt.Errorf("%s: %w: email and password are required", op, ErrInvalidArgument)
	}
	if len(password) > maxPasswordBytes {
		a.metrics.Register(metrics.OutcomeInvalidRequest)
		return 0, fmt.Errorf("%s: %w: password longer than %d bytes", op, ErrInvalidArgument, maxPasswordBytes)
	}

	r := models.RoleCandidate
	if role != "" {
		if r, err = models.ParseRole(role); err != nil {
			a.metrics.Register(metrics.OutcomeInvalidRequest)
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		a.metrics.Register(metrics.OutcomeError)
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	userID, err = a.userSaver.SaveUser(ctx, email, passHash, r)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("user already exists", sl.Err(err))
			a.metrics.Register(metrics.OutcomeConflict)
			return 0, fmt.Errorf("%s: %w", op, ErrUserAlreadyExists)
		}
		log.Error("failed to save user", sl.Err(err))
		a.metrics.Register(metrics.OutcomeError)
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.Int64("userID", userID), slog.String("role", r.String()))
	a.metrics.Register(metrics.OutcomeSuccess)

	if err := a.events.PublishUserCreated(ctx, events.UserCreated{
		ID:           userID,
		Email:        email,
		Role:         r.String(),
		CreatedAtUtc: a.now(),
	}); err != nil {
		log.Error("failed to publish UserCreated", sl.Err(err))
	}

	return userID, nil
}

// Login verifies credentials and starts a new refresh chain.
func (a *Auth) Login(
	ctx context.Context,
	email string,
	password string,
) (pair models.TokenPair, err error) {
	const op = "auth.Login"

	ctx, span := tracer.Start(ctx, op)
	defer func() { endSpan(span, err) }()

	log := a.log.With(slog.String("op", op))
	log.Info("login request", slog.String("email", normalizeEmail(email)))

	user, err := a.verifyCredentials(ctx, email, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			log.Warn("invalid credentials")
			a.metrics.Login(metrics.OutcomeInvalidCredentials)
		} else {
			log.Error("failed to verify credentials", sl.Err(err))
			a.metrics.Login(metrics.OutcomeError)
		}
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	accessToken, expiresAt, err := a.issuer.Issue(user.ID, user.Email, user.Role)
	if err != nil {
		log.Error("failed to generate access token", sl.Err(err))
		a.metrics.Login(metrics.OutcomeError)
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	refreshToken, err := a.issueRefreshToken(ctx, user.ID)
	if err != nil {
		log.Error("failed to issue refresh token", sl.Err(err))
		a.metrics.Login(metrics.OutcomeError)
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in", slog.Int64("userID", user.ID))
	a.metrics.Login(metrics.OutcomeSuccess)

	return models.TokenPair{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		AccessExpiresAt: expiresAt,
	}, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is consumed
// whether or not the caller ever receives the response.
func (a *Auth) Refresh(
	ctx context.Context,
	refreshToken string,
) (pair models.TokenPair, err error) {
	const op = "auth.Refresh"

	ctx, span := tracer.Start(ctx, op)
	defer func() { endSpan(span, err) }()

	log := a.log.With(slog.String("op", op))
	log.Info("refresh request")

	if refreshToken == "" {
		a.metrics.Refresh(metrics.OutcomeNotFound)
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrTokenNotFound)
	}

	now := a.now()
	oldHash := a.hashRefreshToken(refreshToken)

	raw, next, err := a.newRefreshToken(now)
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		a.metrics.Refresh(metrics.OutcomeError)
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	old, err := a.tokens.RotateRefreshToken(ctx, oldHash, next, now)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenNotFound):
			log.Warn("refresh token not found")
			a.metrics.Refresh(metrics.OutcomeNotFound)
			return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrTokenNotFound)
		case errors.Is(err, storage.ErrTokenRevoked):
			a.reuseDetected(ctx, log, oldHash, now)
			a.metrics.Refresh(metrics.OutcomeRevoked)
			return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrTokenRevoked)
		case errors.Is(err, storage.ErrTokenExpired):
			log.Info("refresh token expired")
			a.metrics.Refresh(metrics.OutcomeExpired)
			return models.TokenPair{}, fmt.Errorf("%s: %w", op, ErrTokenExpired)
		default:
			log.Error("failed to rotate refresh token", sl.Err(err))
			a.metrics.Refresh(metrics.OutcomeError)
			return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	log = log.With(slog.Int64("userID", old.UserID))

	user, err := a.userProvider.UserByID(ctx, old.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("refresh token owner no longer exists")
			a.metrics.Refresh(metrics.OutcomeNotFound)
			return models.TokenPair{}, fmt.Errorf("%s: %w: %w", op, ErrTokenNotFound, errRefreshUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		a.metrics.Refresh(metrics.OutcomeError)
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	accessToken, expiresAt, err := a.issuer.Issue(user.ID, user.Email, user.Role)
	if err != nil {
		log.Error("failed to generate access token", sl.Err(err))
		a.metrics.Refresh(metrics.OutcomeError)
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens refreshed")
	a.metrics.Refresh(metrics.OutcomeSuccess)

	return models.TokenPair{
		AccessToken:     accessToken,
		RefreshToken:    raw,
		AccessExpiresAt: expiresAt,
	}, nil
}

// Logout revokes the refresh token. It never fails: unknown and already revoked
// tokens are accepted, and storage failures are only logged.
func (a *Auth) Logout(ctx context.Context, refreshToken string) error {
	const op = "auth.Logout"

	log := a.log.With(slog.String("op", op))
	a.metrics.Logout()

	if refreshToken == "" {
		log.Debug("logout without refresh token")
		return nil
	}

	err := a.tokens.RevokeRefreshToken(ctx, a.hashRefreshToken(refreshToken), a.now())
	switch {
	case err == nil:
		log.Info("refresh token revoked")
	case errors.Is(err, storage.ErrTokenNotFound):
		log.Debug("logout with unknown refresh token")
	default:
		log.Error("failed to revoke refresh token", sl.Err(err))
	}

	return nil
}

// Authenticate verifies an access token and returns its claims.
func (a *Auth) Authenticate(_ context.Context, accessToken string) (*models.Claims, error) {
	const op = "auth.Authenticate"

	claims, err := a.issuer.Verify(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidAccessToken, err)
	}

	return claims, nil
}

// UserProfile loads an account by id.
func (a *Auth) UserProfile(ctx context.Context, userID int64) (_ *models.User, err error) {
	const op = "auth.UserProfile"

	ctx, span := tracer.Start(ctx, op)
	defer func() { endSpan(span, err) }()

	user, err := a.userProvider.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		a.log.Error("failed to load user", slog.String("op", op), sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (a *Auth) reuseDetected(ctx context.Context, log *slog.Logger, tokenHash string, now time.Time) {
	a.metrics.RefreshReused()

	token, err := a.tokens.RefreshToken(ctx, tokenHash)
	if err != nil {
		log.Warn("revoked refresh token presented", sl.Err(err))
		return
	}

	log.Warn("revoked refresh token presented",
		slog.Int64("userID", token.UserID),
		slog.String("tokenID", token.ID.String()),
	)

	if err := a.events.PublishRefreshTokenReused(ctx, events.RefreshTokenReused{
		UserID:        token.UserID,
		TokenID:       token.ID.String(),
		DetectedAtUtc: now,
	}); err != nil {
		log.Error("failed to publish RefreshTokenReused", sl.Err(err))
	}
}

// issueRefreshToken stores a new active token for the user and returns its raw value.
func (a *Auth) issueRefreshToken(ctx context.Context, userID int64) (string, error) {
	raw, token, err := a.newRefreshToken(a.now())
	if err != nil {
		return "", err
	}
	token.UserID = userID

	if err := a.tokens.SaveRefreshToken(ctx, token); err != nil {
		return "", err
	}

	return raw, nil
}

func (a *Auth) newRefreshToken(now time.Time) (string, models.RefreshToken, error) {
	raw, err := generateRefreshTokenRaw()
	if err != nil {
		return "", models.RefreshToken{}, err
	}

	return raw, models.RefreshToken{
		ID:        uuid.New(),
		TokenHash: a.hashRefreshToken(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(a.refreshTTL),
	}, nil
}

// hashRefreshToken computes SHA-256 of the token with pepper.
func (a *Auth) hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token + a.refreshPepper))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// generateRefreshTokenRaw returns 32 random bytes, base64url encoded.
func generateRefreshTokenRaw() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
