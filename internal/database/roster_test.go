package database

import (
	"context"
	"testing"

	"github.com/pbxcore/pbxcore/internal/database/models"
)

func TestRosterRepositorySelectAppliesDisplayFallback(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	authRepo := NewAuthorizeRepository(db)
	extRepo := NewExtensionRepository(db)
	rosterRepo := NewRosterRepository(db)

	if err := authRepo.Create(ctx, &models.Authorize{
		AuthName: "101", Realm: "pbxcore.example", Algorithm: "MD5",
		Secret: "deadbeef", FullName: "", Type: models.ExtensionUser,
	}); err != nil {
		t.Fatalf("Authorize Create() error: %v", err)
	}
	if err := extRepo.Create(ctx, &models.Extension{
		Number: 101, AuthName: "101", Display: "Reception", Type: models.ExtensionUser,
	}); err != nil {
		t.Fatalf("Extension Create() error: %v", err)
	}

	if err := authRepo.Create(ctx, &models.Authorize{
		AuthName: "102", Realm: "pbxcore.example", Algorithm: "MD5",
		Secret: "deadbeef", FullName: "Jane Doe", Type: models.ExtensionUser,
	}); err != nil {
		t.Fatalf("Authorize Create() error: %v", err)
	}
	if err := extRepo.Create(ctx, &models.Extension{
		Number: 102, AuthName: "102", Display: "", Type: models.ExtensionUser,
	}); err != nil {
		t.Fatalf("Extension Create() error: %v", err)
	}

	if err := authRepo.Create(ctx, &models.Authorize{
		AuthName: "103", Realm: "pbxcore.example", Algorithm: "MD5",
		Secret: "deadbeef", FullName: "", Type: models.ExtensionDevice,
	}); err != nil {
		t.Fatalf("Authorize Create() error: %v", err)
	}
	if err := extRepo.Create(ctx, &models.Extension{
		Number: 103, AuthName: "103", Display: "", Type: models.ExtensionDevice,
	}); err != nil {
		t.Fatalf("Extension Create() error: %v", err)
	}

	rows, err := rosterRepo.Select(ctx)
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Select() = %d rows, want 3", len(rows))
	}

	if rows[0].Number != 101 || rows[0].Display != "Reception" {
		t.Errorf("rows[0] = %+v, want number 101 with its own display", rows[0])
	}
	if rows[1].Number != 102 || rows[1].Display != "Jane Doe" {
		t.Errorf("rows[1] = %+v, want display to fall back to the authorize full name", rows[1])
	}
	if rows[2].Number != 103 || rows[2].Display != "103" || rows[2].Type != models.ExtensionDevice {
		t.Errorf("rows[2] = %+v, want display to fall back to the auth name and type DEVICE", rows[2])
	}
}
