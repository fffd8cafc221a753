package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"identity/internal/lib/dbx"

	_ "github.com/mattn/go-sqlite3"
)

const (
	keyRefreshToken = "refresh_token"
	keyUser         = "user"
)

const schema = `CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// SQLitePersister keeps the session in a key/value table of a local database file
// readable by the owner only.
type SQLitePersister struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLitePersister, error) {
	const op = "session.OpenSQLite"

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	_ = f.Close()
	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &SQLitePersister{db: db}, nil
}

func (p *SQLitePersister) Close() error {
	return p.db.Close()
}

func (p *SQLitePersister) Load(ctx context.Context) (Persisted, error) {
	const op = "session.sqlite.Load"

	var out Persisted

	token, err := get(ctx, p.db, keyRefreshToken)
	if err != nil {
		return Persisted{}, fmt.Errorf("%s: %w", op, err)
	}
	out.RefreshToken = string(token)

	raw, err := get(ctx, p.db, keyUser)
	if err != nil {
		return Persisted{}, fmt.Errorf("%s: %w", op, err)
	}
	if raw != nil {
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			return Persisted{}, fmt.Errorf("%s: user: %w", op, err)
		}
		out.User = &u
	}

	return out, nil
}

// Save replaces the stored session in one transaction.
func (p *SQLitePersister) Save(ctx context.Context, s Persisted) error {
	const op = "session.sqlite.Save"

	err := dbx.WithTx(ctx, p.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := setOrDelete(ctx, tx, keyRefreshToken, []byte(s.RefreshToken), s.RefreshToken == ""); err != nil {
			return err
		}

		var raw []byte
		if s.User != nil {
			b, err := json.Marshal(s.User)
			if err != nil {
				return err
			}
			raw = b
		}
		return setOrDelete(ctx, tx, keyUser, raw, s.User == nil)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *SQLitePersister) Clear(ctx context.Context) error {
	const op = "session.sqlite.Clear"

	if _, err := p.db.ExecContext(ctx, `DELETE FROM metadata`); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func get(ctx context.Context, db dbx.DBTX, key string) ([]byte, error) {
	var value []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func setOrDelete(ctx context.Context, db dbx.DBTX, key string, value []byte, remove bool) error {
	if remove {
		if _, err := db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		return nil
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
