package database

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate brings the schema up to the latest embedded version.
func (db *DB) Migrate() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(db.url))
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	from, _, _ := m.Version()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		version, dirty, _ := m.Version()
		return &MigrationError{version: version, dirty: dirty, err: err}
	}
	to, _, _ := m.Version()
	if to != from {
		db.log.Info().Uint("from", from).Uint("to", to).Msg("schema migrations applied")
	}
	return nil
}

// migrateURL rewrites a postgres:// DSN to the pgx5:// scheme the
// golang-migrate pgx/v5 driver registers under.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// MigrationError is returned when a migration fails. A dirty schema needs a
// manual `migrate force` before the process can start again.
type MigrationError struct {
	version uint
	dirty   bool
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration to version %d failed: %v", e.version, e.err)
	if e.dirty {
		fmt.Fprintf(&b, "\n\nThe schema is marked dirty at version %d. Fix the cause, then run:\n\n", e.version)
		fmt.Fprintf(&b, "  migrate -database <DATABASE_URL> force %d\n", e.version)
	}
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
