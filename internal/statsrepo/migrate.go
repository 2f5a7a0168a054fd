package statsrepo

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// DefaultMigrationsPath is where Migrate looks for the repository's own SQL
// migrations when the caller doesn't override it.
const DefaultMigrationsPath = "internal/statsrepo/migrations"

// Migrate applies every pending up migration against db. path, if empty,
// defaults to DefaultMigrationsPath.
func Migrate(db *sqlx.DB, path string) error {
	if path == "" {
		path = DefaultMigrationsPath
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "creating postgres migration driver")
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", path), "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "constructing migrator")
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "applying statsrepo migrations")
	}
	return nil
}
