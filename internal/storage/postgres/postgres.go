package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"identity/internal/domain/models"
	"identity/internal/lib/dbx"
	"identity/internal/storage"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const uniqueViolation = "23505"

const (
	qUserInsert = `
INSERT INTO users (email, pass_hash, role, created_at)
VALUES ($1, $2, $3, $4)
RETURNING id;
`
	qUserByEmail = `
SELECT id, email, pass_hash, role, created_at FROM users WHERE email = $1;
`
	qUserByID = `
SELECT id, email, pass_hash, role, created_at FROM users WHERE id = $1;
`
	qRTInsert = `
INSERT INTO refresh_tokens (id, user_id, token_hash, created_at, expires_at, revoked, revoked_at, replaced_by_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`
	qRTByHash = `
SELECT id, user_id, token_hash, created_at, expires_at, revoked, revoked_at, replaced_by_hash
FROM refresh_tokens
WHERE token_hash = $1;
`
	qRTConsume = `
UPDATE refresh_tokens
SET revoked = TRUE, revoked_at = $2, replaced_by_hash = $3
WHERE token_hash = $1 AND revoked = FALSE AND expires_at > $2;
`
	qRTRevoke = `
UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token_hash = $1 AND revoked = FALSE;
`
)

type Storage struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// New opens a pgx-backed database/sql pool and pings it.
func New(ctx context.Context, dsn string, queryTimeout time.Duration) (*Storage, error) {
	const op = "storage.postgres.New"

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return NewWithDB(db, queryTimeout), nil
}

// NewWithDB wraps an already opened pool.
func NewWithDB(db *sql.DB, queryTimeout time.Duration) *Storage {
	return &Storage{db: db, queryTimeout: queryTimeout}
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

func (s *Storage) SaveUser(ctx context.Context, email string, passHash []byte, role models.Role) (int64, error) {
	const op = "storage.postgres.SaveUser"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var id int64
	err := s.db.QueryRowContext(ctx, qUserInsert, email, passHash, role.String(), time.Now().UTC()).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.postgres.User"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := scanUser(s.db.QueryRowContext(ctx, qUserByEmail, email))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.postgres.UserByID"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user, err := scanUser(s.db.QueryRowContext(ctx, qUserByID, userID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.postgres.SaveRefreshToken"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := insertToken(ctx, s.db, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.postgres.RefreshToken"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	token, err := selectToken(ctx, s.db, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// RotateRefreshToken consumes oldHash and inserts next in one transaction.
// A concurrent rotation blocks on the row lock and then matches zero rows.
func (s *Storage) RotateRefreshToken(
	ctx context.Context,
	oldHash string,
	next models.RefreshToken,
	now time.Time,
) (*models.RefreshToken, error) {
	const op = "storage.postgres.RotateRefreshToken"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var old *models.RefreshToken

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx, qRTConsume, oldHash, now, next.TokenHash)
		if err != nil {
			return err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		current, err := selectToken(ctx, tx, oldHash)
		if err != nil {
			return err
		}
		if affected == 0 {
			if current.Revoked {
				return storage.ErrTokenRevoked
			}
			return storage.ErrTokenExpired
		}

		next.UserID = current.UserID
		if err := insertToken(ctx, tx, next); err != nil {
			return err
		}

		old = current
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return old, nil
}

func (s *Storage) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	const op = "storage.postgres.RevokeRefreshToken"

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, qRTRevoke, tokenHash, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := selectToken(ctx, s.db, tokenHash); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func insertToken(ctx context.Context, q dbx.DBTX, t models.RefreshToken) error {
	_, err := q.ExecContext(ctx, qRTInsert,
		t.ID, t.UserID, t.TokenHash, t.CreatedAt, t.ExpiresAt, t.Revoked, t.RevokedAt, t.ReplacedByHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrTokenExists
		}
		return err
	}

	return nil
}

func selectToken(ctx context.Context, q dbx.DBTX, tokenHash string) (*models.RefreshToken, error) {
	var (
		t          models.RefreshToken
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)

	err := q.QueryRowContext(ctx, qRTByHash, tokenHash).
		Scan(&t.ID, &t.UserID, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &t.Revoked, &revokedAt, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, err
	}

	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	if replacedBy.Valid {
		t.ReplacedByHash = &replacedBy.String
	}

	return &t, nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		user models.User
		role string
	)

	if err := row.Scan(&user.ID, &user.Email, &user.PassHash, &role, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}

	parsed, err := models.ParseRole(role)
	if err != nil {
		return nil, err
	}
	user.Role = parsed

	return &user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
