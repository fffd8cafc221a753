package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"identity/internal/domain/models"
	"identity/internal/lib/dbx"
	"identity/internal/storage"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

// New opens the database file. The schema is created by the migrator.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// single writer: rotation transactions queue instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, email string, passHash []byte, role models.Role) (int64, error) {
	const op = "storage.sqlite.SaveUser"

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (email, pass_hash, role, created_at) VALUES (?, ?, ?, ?)",
		email, passHash, role.String(), time.Now().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.sqlite.User"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, role, created_at FROM users WHERE email = ?", email)

	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.sqlite.UserByID"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, role, created_at FROM users WHERE id = ?", userID)

	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.sqlite.SaveRefreshToken"

	if err := insertToken(ctx, s.db, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshToken"

	token, err := selectToken(ctx, s.db, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// RotateRefreshToken revokes oldHash and inserts next in one transaction.
// The conditional UPDATE is the gate: only one caller can flip revoked for a given hash.
func (s *Storage) RotateRefreshToken(
	ctx context.Context,
	oldHash string,
	next models.RefreshToken,
	now time.Time,
) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RotateRefreshToken"

	var old *models.RefreshToken

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE refresh_tokens
			SET revoked = 1, revoked_at = ?, replaced_by_hash = ?
			WHERE token_hash = ? AND revoked = 0 AND expires_at > ?`,
			now.UnixMilli(), next.TokenHash, oldHash, now.UnixMilli(),
		)
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
	const op = "storage.sqlite.RevokeRefreshToken"

	res, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = 1, revoked_at = ? WHERE token_hash = ? AND revoked = 0",
		now.UnixMilli(), tokenHash,
	)
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
	var revokedAt sql.NullInt64
	if t.RevokedAt != nil {
		revokedAt = sql.NullInt64{Int64: t.RevokedAt.UnixMilli(), Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, created_at, expires_at, revoked, revoked_at, replaced_by_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.UserID, t.TokenHash, t.CreatedAt.UnixMilli(), t.ExpiresAt.UnixMilli(),
		t.Revoked, revokedAt, t.ReplacedByHash,
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
	row := q.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, revoked, revoked_at, replaced_by_hash
		FROM refresh_tokens WHERE token_hash = ?`, tokenHash)

	var (
		t          models.RefreshToken
		id         string
		createdAt  int64
		expiresAt  int64
		revokedAt  sql.NullInt64
		replacedBy sql.NullString
	)

	err := row.Scan(&id, &t.UserID, &t.TokenHash, &createdAt, &expiresAt, &t.Revoked, &revokedAt, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, err
	}

	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse token id: %w", err)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if revokedAt.Valid {
		ts := time.UnixMilli(revokedAt.Int64).UTC()
		t.RevokedAt = &ts
	}
	if replacedBy.Valid {
		t.ReplacedByHash = &replacedBy.String
	}

	return &t, nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		user      models.User
		role      string
		createdAt int64
	)

	if err := row.Scan(&user.ID, &user.Email, &user.PassHash, &role, &createdAt); err != nil {
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
	user.CreatedAt = time.UnixMilli(createdAt).UTC()

	return &user, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
