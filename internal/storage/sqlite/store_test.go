package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"slogd/internal/domain"
)

func TestSchemaInitializationCreatesExpectedTable(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var cnt int
	if err := s.db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='key_master'`).Scan(&cnt); err != nil {
		t.Fatal(err)
	}
	if cnt != 1 {
		t.Fatalf("key_master table missing")
	}
}

func TestGetMasterMissingKeyReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	_, ok, err := s.GetMaster(ctx, "no-such-key")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false for unknown key")
	}
}

func TestSetMasterThenGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	want := domain.MasterMetadata{MasterRegion: 2, Counter: 5}
	if err := s.SetMaster(ctx, "A", want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetMaster(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != want {
		t.Fatalf("got %+v ok=%v, want %+v", got, ok, want)
	}
}

func TestSetMasterUpsertsExistingKey(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.SetMaster(ctx, "A", domain.MasterMetadata{MasterRegion: 1, Counter: 0}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMaster(ctx, "A", domain.MasterMetadata{MasterRegion: 2, Counter: 1}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.GetMaster(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.MasterRegion != 2 || got.Counter != 1 {
		t.Fatalf("expected upserted value, got %+v", got)
	}
}

func TestRecoveryReopensWALDatabase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	{
		s, err := NewStore(dir, 3)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.SetMaster(ctx, "A", domain.MasterMetadata{MasterRegion: 1, Counter: 4}); err != nil {
			t.Fatal(err)
		}
		_ = s.Close()
	}

	s2, err := NewStore(dir, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, ok, err := s2.GetMaster(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.Counter != 4 {
		t.Fatalf("unexpected recovered data: %+v", got)
	}
}

func TestSQLiteWALModeEnabled(t *testing.T) {
	s, err := NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil && err != sql.ErrNoRows {
		t.Fatal(err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal mode must be WAL, got %q", mode)
	}
}
