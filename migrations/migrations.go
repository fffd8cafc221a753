// Package migrations embeds the SQL schema of the relational stores.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrUnsupportedDriver = errors.New("unsupported migration driver")

//go:embed sqlite/*.sql
var sqliteFS embed.FS

//go:embed postgres/*.sql
var postgresFS embed.FS

// Up applies every pending migration. For sqlite dsn is the database file path,
// for postgres it is a postgres:// URL.
func Up(driver, dsn string) error {
	const op = "migrations.Up"

	m, err := newMigrate(driver, dsn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// Down rolls back every applied migration.
func Down(driver, dsn string) error {
	const op = "migrations.Down"

	m, err := newMigrate(driver, dsn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func newMigrate(driver, dsn string) (*migrate.Migrate, error) {
	var (
		fsys fs.FS
		dir  string
		url  string
	)

	switch driver {
	case DriverSQLite:
		fsys, dir, url = sqliteFS, "sqlite", "sqlite3://"+dsn
	case DriverPostgres:
		fsys, dir, url = postgresFS, "postgres", pgx5URL(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, err
	}

	return migrate.NewWithSourceInstance("iofs", src, url)
}

// pgx5URL swaps the scheme so golang-migrate picks the pgx v5 driver.
func pgx5URL(dsn string) string {
	for _, scheme := range []string{"postgresql://", "postgres://"} {
		if rest, ok := strings.CutPrefix(dsn, scheme); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}
