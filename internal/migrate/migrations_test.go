package migrate_test

import (
	"testing"

	"shoptrack/internal/db"
	"shoptrack/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
	// the schema actually landed
	var n int
	if err := conn.QueryRow(`SELECT count(*) FROM log_entries`).Scan(&n); err != nil {
		t.Fatalf("query log_entries: %v", err)
	}
}
