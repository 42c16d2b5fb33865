package schema

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "schema.db")
	db, err := sql.Open("sqlite3", "file:"+dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnsureIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	if err := Ensure(db, true); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := Ensure(db, true); err != nil {
		t.Fatalf("second ensure on an already-converged db: %v", err)
	}

	version, err := userVersion(db)
	if err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != CurrentVersion {
		t.Fatalf("expected user_version %d, got %d", CurrentVersion, version)
	}
}

func TestEnsureCreatesExpectedTables(t *testing.T) {
	db := openTestDB(t)
	if err := Ensure(db, true); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	for _, table := range []string{"projects", "sessions", "messages", "writer_lease"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %q to exist: %v", table, err)
		}
	}
}

func TestEnsureWithoutFTSSkipsVirtualTable(t *testing.T) {
	db := openTestDB(t)
	if err := Ensure(db, false); err != nil {
		t.Fatalf("ensure without fts: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'messages_fts'`).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected messages_fts to be absent when withFTS is false")
	}
}
