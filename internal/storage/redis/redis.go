// Package redis keeps refresh tokens in Redis hashes. Users stay in the primary store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"identity/internal/domain/models"
	"identity/internal/storage"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	statusNotFound int64 = iota
	statusRevoked
	statusExpired
	statusExists
	statusOK
)

// KEYS[1] token key
// ARGV: id, user_id, created_at, expires_at, revoked, revoked_at, replaced_by, expire_at
const saveTokenScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return {3}
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "user_id", ARGV[2], "created_at", ARGV[3], "expires_at", ARGV[4],
  "revoked", ARGV[5], "revoked_at", ARGV[6], "replaced_by", ARGV[7])
redis.call("PEXPIREAT", KEYS[1], ARGV[8])
return {4}
`

// KEYS[1] old token key, KEYS[2] successor key
// ARGV: now, next_id, next_hash, next_created_at, next_expires_at, next_expire_at
const rotateTokenScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return {1}
end
local now = tonumber(ARGV[1])
if tonumber(redis.call("HGET", KEYS[1], "expires_at")) <= now then
  return {2}
end
if redis.call("EXISTS", KEYS[2]) == 1 then
  return {3}
end
redis.call("HSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[1], "replaced_by", ARGV[3])
local user_id = redis.call("HGET", KEYS[1], "user_id")
redis.call("HSET", KEYS[2],
  "id", ARGV[2], "user_id", user_id, "created_at", ARGV[4], "expires_at", ARGV[5],
  "revoked", "0", "revoked_at", "", "replaced_by", "")
redis.call("PEXPIREAT", KEYS[2], ARGV[6])
return {4}
`

// KEYS[1] token key; ARGV: now
const revokeTokenScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
if redis.call("HGET", KEYS[1], "revoked") == "1" then
  return {1}
end
redis.call("HSET", KEYS[1], "revoked", "1", "revoked_at", ARGV[1])
return {4}
`

var (
	saveTokenLua   = redis.NewScript(saveTokenScript)
	rotateTokenLua = redis.NewScript(rotateTokenScript)
	revokeTokenLua = redis.NewScript(revokeTokenScript)
)

var ErrUnexpectedReply = errors.New("unexpected redis script reply")

type Config struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Retention keeps a token key around this long after its expiry, so reuse of a
	// recently expired or rotated token is still classified. After that the key is
	// gone whether or not it was revoked, and the token reads as not found.
	Retention time.Duration
}

type Storage struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// New dials Redis and pings it.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	const op = "storage.redis.New"

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return NewWithClient(client, cfg.Prefix, cfg.Retention), nil
}

func NewWithClient(client redis.UniversalClient, prefix string, retention time.Duration) *Storage {
	return &Storage{client: client, prefix: prefix, retention: retention}
}

func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) key(tokenHash string) string {
	return s.prefix + ":rt:" + tokenHash
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.redis.SaveRefreshToken"

	revokedAt := ""
	if token.RevokedAt != nil {
		revokedAt = msString(*token.RevokedAt)
	}
	replacedBy := ""
	if token.ReplacedByHash != nil {
		replacedBy = *token.ReplacedByHash
	}

	code, err := runScript(ctx, saveTokenLua, s.client, []string{s.key(token.TokenHash)},
		token.ID.String(),
		strconv.FormatInt(token.UserID, 10),
		msString(token.CreatedAt),
		msString(token.ExpiresAt),
		boolString(token.Revoked),
		revokedAt,
		replacedBy,
		msString(token.ExpiresAt.Add(s.retention)),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if code == statusExists {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenExists)
	}

	return nil
}

func (s *Storage) RefreshToken(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const op = "storage.redis.RefreshToken"

	fields, err := s.client.HGetAll(ctx, s.key(tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	token, err := parseToken(tokenHash, fields)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return token, nil
}

// RotateRefreshToken runs check, revoke and insert as one script, so two callers
// presenting the same token cannot both succeed.
func (s *Storage) RotateRefreshToken(
	ctx context.Context,
	oldHash string,
	next models.RefreshToken,
	now time.Time,
) (*models.RefreshToken, error) {
	const op = "storage.redis.RotateRefreshToken"

	code, err := runScript(ctx, rotateTokenLua, s.client,
		[]string{s.key(oldHash), s.key(next.TokenHash)},
		msString(now),
		next.ID.String(),
		next.TokenHash,
		msString(next.CreatedAt),
		msString(next.ExpiresAt),
		msString(next.ExpiresAt.Add(s.retention)),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	switch code {
	case statusNotFound:
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	case statusRevoked:
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenRevoked)
	case statusExpired:
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenExpired)
	case statusExists:
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenExists)
	case statusOK:
	default:
		return nil, fmt.Errorf("%s: %w: status %d", op, ErrUnexpectedReply, code)
	}

	old, err := s.RefreshToken(ctx, oldHash)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return old, nil
}

func (s *Storage) RevokeRefreshToken(ctx context.Context, tokenHash string, now time.Time) error {
	const op = "storage.redis.RevokeRefreshToken"

	code, err := runScript(ctx, revokeTokenLua, s.client, []string{s.key(tokenHash)}, msString(now))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if code == statusNotFound {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return nil
}

func runScript(ctx context.Context, script *redis.Script, c redis.Scripter, keys []string, args ...any) (int64, error) {
	res, err := script.Run(ctx, c, keys, args...).Result()
	if err != nil {
		return 0, err
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) == 0 {
		return 0, ErrUnexpectedReply
	}
	code, ok := parts[0].(int64)
	if !ok {
		return 0, ErrUnexpectedReply
	}

	return code, nil
}

func parseToken(tokenHash string, f map[string]string) (*models.RefreshToken, error) {
	id, err := uuid.Parse(f["id"])
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	userID, err := strconv.ParseInt(f["user_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w", err)
	}
	createdAt, err := parseMs(f["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	expiresAt, err := parseMs(f["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	t := &models.RefreshToken{
		ID:        id,
		UserID:    userID,
		TokenHash: tokenHash,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		Revoked:   f["revoked"] == "1",
	}

	if v := f["revoked_at"]; v != "" {
		revokedAt, err := parseMs(v)
		if err != nil {
			return nil, fmt.Errorf("parse revoked_at: %w", err)
		}
		t.RevokedAt = &revokedAt
	}
	if v := f["replaced_by"]; v != "" {
		t.ReplacedByHash = &v
	}

	return t, nil
}

func msString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMs(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
