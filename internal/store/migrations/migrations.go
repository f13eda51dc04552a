// Package migrations holds the blob store schema and applies it with
// golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var schemaFiles embed.FS

// Status is where a database stands against the embedded schema.
type Status struct {
	Version uint // 0 for a database that was never migrated
	Latest  uint
	Dirty   bool
}

// Current reports whether the database is exactly at the embedded schema.
func (s Status) Current() bool {
	return !s.Dirty && s.Version == s.Latest
}

func (s Status) String() string {
	switch {
	case s.Dirty:
		return fmt.Sprintf("version %d (dirty)", s.Version)
	case s.Version == 0:
		return "unmigrated"
	case s.Version < s.Latest:
		return fmt.Sprintf("version %d, %d behind", s.Version, s.Latest-s.Version)
	case s.Version > s.Latest:
		return fmt.Sprintf("version %d, newer than this binary (%d)", s.Version, s.Latest)
	default:
		return fmt.Sprintf("version %d", s.Version)
	}
}

// Inspect reads the schema version of db without changing it.
func Inspect(db *sql.DB) (Status, error) {
	latest, err := Latest()
	if err != nil {
		return Status{}, err
	}
	m, err := open(db)
	if err != nil {
		return Status{}, err
	}
	// m is not closed: that would close db, which the caller owns.

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{Latest: latest}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("reading schema version: %w", err)
	}
	return Status{Version: version, Latest: latest, Dirty: dirty}, nil
}

// Apply brings db up to the embedded schema. A dirty database, or one written
// by a newer binary, is refused.
func Apply(db *sql.DB) error {
	st, err := Inspect(db)
	if err != nil {
		return err
	}
	if st.Dirty || st.Version > st.Latest {
		return fmt.Errorf("blob store schema is %s", st)
	}
	if st.Current() {
		return nil
	}

	m, err := open(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying blob store schema: %w", err)
	}
	return nil
}

// Latest is the highest schema version embedded in the binary.
func Latest() (uint, error) {
	src, err := iofs.New(schemaFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("reading schema files: %w", err)
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("reading schema files: %w", err)
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			return version, nil
		}
		version = next
	}
}

func open(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(schemaFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("reading schema files: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("opening sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}
