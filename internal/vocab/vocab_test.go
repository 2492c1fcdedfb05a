package vocab_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"shoptrack/internal/config"
	"shoptrack/internal/db"
	"shoptrack/internal/migrate"
	"shoptrack/internal/repo"
	"shoptrack/internal/vocab"
)

func newService(t *testing.T) (vocab.Service, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc := vocab.Service{Repo: repo.Repo{DB: conn}, Config: config.Default()}
	ctx := context.Background()
	if err := svc.Seed(ctx, time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return svc, ctx
}

func TestSeedIsIdempotent(t *testing.T) {
	svc, ctx := newService(t)
	if err := svc.Seed(ctx, time.Now().UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	terms, err := svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(terms) != 5 {
		t.Fatalf("terms = %d, want 5", len(terms))
	}
}

func TestLookupAndRank(t *testing.T) {
	svc, ctx := newService(t)

	term, err := svc.Lookup(ctx, "Operational")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !term.Usable {
		t.Errorf("Operational should be usable")
	}
	if term.Rank == nil || *term.Rank != 0 {
		t.Errorf("rank = %v, want 0", term.Rank)
	}

	if _, err := svc.Lookup(ctx, "Unknown"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if r, ok := svc.Rank(ctx, "Out of Service"); !ok || r != 2 {
		t.Errorf("Rank(Out of Service) = %d/%v", r, ok)
	}
	if _, ok := svc.Rank(ctx, "Unknown"); ok {
		t.Errorf("unknown label must report no rank")
	}

	storage, err := svc.Lookup(ctx, "Storage")
	if err != nil {
		t.Fatal(err)
	}
	if storage.Usable {
		t.Errorf("Storage must not be usable")
	}
}
