package database

import (
	"context"
	"testing"

	"github.com/pbxcore/pbxcore/internal/database/models"
)

func TestExtensionAuthorizeEndpointOutboxRoundTrip(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	authRepo := NewAuthorizeRepository(db)
	extRepo := NewExtensionRepository(db)
	epRepo := NewEndpointRepository(db)
	outRepo := NewOutboxRepository(db)

	auth := &models.Authorize{
		AuthName: "1001", Realm: "pbxcore.example", Algorithm: "SHA256",
		Secret: "deadbeef", FullName: "Reception", Type: models.ExtensionUser,
	}
	if err := authRepo.Create(ctx, auth); err != nil {
		t.Fatalf("Authorize Create() error: %v", err)
	}
	if auth.ID == 0 {
		t.Fatal("Authorize Create() did not set ID")
	}

	got, err := authRepo.GetByAuthName(ctx, "1001")
	if err != nil {
		t.Fatalf("GetByAuthName() error: %v", err)
	}
	if got == nil || got.Secret != "deadbeef" {
		t.Fatalf("GetByAuthName() = %+v, want secret deadbeef", got)
	}

	ext := &models.Extension{
		Number: 1001, AuthName: "1001", Display: "Reception", Type: models.ExtensionUser,
	}
	if err := extRepo.Create(ctx, ext); err != nil {
		t.Fatalf("Extension Create() error: %v", err)
	}

	byNumber, err := extRepo.GetByNumber(ctx, 1001)
	if err != nil {
		t.Fatalf("GetByNumber() error: %v", err)
	}
	if byNumber == nil || byNumber.AuthName != "1001" {
		t.Fatalf("GetByNumber() = %+v, want AuthName 1001", byNumber)
	}

	origin := &models.Endpoint{Extension: 1001, Label: "NONE"}
	if err := epRepo.Create(ctx, origin); err != nil {
		t.Fatalf("Endpoint Create(origin) error: %v", err)
	}

	if err := outRepo.Enqueue(ctx, &models.Outbox{
		EndpointID: origin.ID, MessageID: "m1", Originator: "1002", Sequence: 1,
	}); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	device := &models.Endpoint{Extension: 1001, Label: "desk-phone"}
	if err := epRepo.Create(ctx, device); err != nil {
		t.Fatalf("Endpoint Create(device) error: %v", err)
	}

	if err := outRepo.CopyFromOrigin(ctx, origin.ID, device.ID); err != nil {
		t.Fatalf("CopyFromOrigin() error: %v", err)
	}

	queued, err := outRepo.ListByEndpoint(ctx, device.ID)
	if err != nil {
		t.Fatalf("ListByEndpoint() error: %v", err)
	}
	if len(queued) != 1 || queued[0].MessageID != "m1" {
		t.Fatalf("ListByEndpoint() = %+v, want one row with MessageID m1", queued)
	}

	if err := epRepo.TouchLastOnline(ctx, device.ID); err != nil {
		t.Fatalf("TouchLastOnline() error: %v", err)
	}
	refreshed, err := epRepo.GetByID(ctx, device.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if refreshed.LastOnline == nil {
		t.Fatal("TouchLastOnline() did not stamp LastOnline")
	}

	if err := outRepo.DeleteByID(ctx, queued[0].ID); err != nil {
		t.Fatalf("DeleteByID() error: %v", err)
	}
	remaining, err := outRepo.ListByEndpoint(ctx, device.ID)
	if err != nil {
		t.Fatalf("ListByEndpoint() error: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("ListByEndpoint() after delete = %d rows, want 0", len(remaining))
	}
}

func TestProviderRepository(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := NewProviderRepository(db)

	p := &models.Provider{ContactURI: "sip:trunk.example.com", AuthName: "trunk1", Secret: "s3cr3t"}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := repo.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got == nil || got.ContactURI != "sip:trunk.example.com" {
		t.Fatalf("GetByID() = %+v, want ContactURI sip:trunk.example.com", got)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("List() = %d entries, want 1", len(all))
	}

	if err := repo.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if got, err := repo.GetByID(ctx, p.ID); err != nil || got != nil {
		t.Errorf("GetByID() after delete = %+v, %v, want nil, nil", got, err)
	}
}
