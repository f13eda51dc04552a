package migrations

import (
	"database/sql"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestApply_FreshDatabase(t *testing.T) {
	db := openTestDB(t)

	if err := Apply(db); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	for _, table := range []string{"blobs", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s was not created: %v", table, err)
		}
	}
}

func TestInspect(t *testing.T) {
	latest, err := Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest == 0 {
		t.Fatal("Latest() = 0, want at least one embedded migration")
	}

	t.Run("fresh database is unmigrated", func(t *testing.T) {
		db := openTestDB(t)

		st, err := Inspect(db)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}
		if st.Current() {
			t.Error("Current() = true for a fresh database")
		}
		if st.Version != 0 || st.Latest != latest {
			t.Errorf("Inspect() = %+v, want version 0 latest %d", st, latest)
		}
		if st.String() != "unmigrated" {
			t.Errorf("String() = %q, want unmigrated", st.String())
		}
	})

	t.Run("migrated database is current", func(t *testing.T) {
		db := openTestDB(t)
		if err := Apply(db); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		st, err := Inspect(db)
		if err != nil {
			t.Fatalf("Inspect() error = %v", err)
		}
		if !st.Current() {
			t.Errorf("Current() = false, status %s", st)
		}
	})

	t.Run("database from a newer binary is refused", func(t *testing.T) {
		db := openTestDB(t)
		if err := Apply(db); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if _, err := db.Exec("UPDATE schema_migrations SET version = ?", latest+1); err != nil {
			t.Fatalf("bumping version: %v", err)
		}
		err := Apply(db)
		if err == nil || !strings.Contains(err.Error(), "newer than this binary") {
			t.Errorf("Apply() error = %v, want newer-binary error", err)
		}
	})

	t.Run("dirty database is refused", func(t *testing.T) {
		db := openTestDB(t)
		if err := Apply(db); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
		if _, err := db.Exec("UPDATE schema_migrations SET dirty = 1"); err != nil {
			t.Fatalf("marking dirty: %v", err)
		}
		err := Apply(db)
		if err == nil || !strings.Contains(err.Error(), "dirty") {
			t.Errorf("Apply() error = %v, want dirty error", err)
		}
	})
}

func TestApply_Idempotent(t *testing.T) {
	db := openTestDB(t)

	if err := Apply(db); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	if err := Apply(db); err != nil {
		t.Errorf("second Apply() error = %v", err)
	}
}

func TestSchema_BlobKeyUnique(t *testing.T) {
	db := openTestDB(t)
	if err := Apply(db); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	_, err := db.Exec("INSERT INTO blobs (key, data, updated_at) VALUES ('@fridge', '[]', datetime('now'))")
	if err != nil {
		t.Fatalf("failed to insert blob: %v", err)
	}
	_, err = db.Exec("INSERT INTO blobs (key, data, updated_at) VALUES ('@fridge', '[]', datetime('now'))")
	if err == nil {
		t.Error("expected unique constraint violation for duplicate key, but insert succeeded")
	}
}

// openTestDB opens a single-connection in-memory SQLite database.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
