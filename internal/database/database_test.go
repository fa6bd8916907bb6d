package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pbxcore/pbxcore/internal/database/models"
)

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(dir, "pbxcore.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	tables := []string{
		"schema_migrations", "config", "switches", "authorize",
		"extensions", "endpoints", "outbox", "providers",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 1 {
		t.Errorf("migration count = %d, want 1", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestIdleCloseAndReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenWithIdleTimeout(dir, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenWithIdleTimeout() error: %v", err)
	}
	defer db.Close()

	if err := db.QueryRow("SELECT 1").Err(); err != nil {
		t.Fatalf("initial query error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	var one int
	if err := db.QueryRow("SELECT 1").Scan(&one); err != nil {
		t.Fatalf("query after idle close error: %v", err)
	}
	if one != 1 {
		t.Errorf("SELECT 1 = %d, want 1", one)
	}
}

func TestConfigRepository(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := NewConfigRepository(db)

	existing, err := repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if existing != nil {
		t.Fatalf("Get() on empty store = %+v, want nil", existing)
	}

	cfg := &models.Config{
		Realm:       "pbxcore.example",
		Dialing:     "closed",
		UUID:        "11111111-1111-1111-1111-111111111111",
		Version:     "1.0.0",
		FirstNumber: 100,
		LastNumber:  699,
		ExpiresNat:  90,
		ExpiresUdp:  300,
		ExpiresTcp:  3600,
	}
	if err := repo.Set(ctx, cfg); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	got, err := repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil || *got != *cfg {
		t.Errorf("Get() = %+v, want %+v", got, cfg)
	}

	cfg.Dialing = "open"
	if err := repo.Set(ctx, cfg); err != nil {
		t.Fatalf("Set() update error: %v", err)
	}
	got, err = repo.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Dialing != "open" {
		t.Errorf("Dialing = %q, want open", got.Dialing)
	}

	if err := repo.PutSwitches(ctx, &models.Switches{UUID: cfg.UUID, Version: cfg.Version}); err != nil {
		t.Fatalf("PutSwitches() error: %v", err)
	}
}
