package authorize

import (
	"context"
	"errors"
	"testing"

	"github.com/pbxcore/pbxcore/internal/database"
	"github.com/pbxcore/pbxcore/internal/database/models"
	"github.com/pbxcore/pbxcore/internal/event"
	"github.com/pbxcore/pbxcore/internal/registry"
)

func seed(t *testing.T, dir string) {
	t.Helper()
	db, err := database.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	if err := database.NewConfigRepository(db).Set(ctx, &models.Config{
		Realm: "pbxcore.example", FirstNumber: 100, LastNumber: 699,
		ExpiresNat: 90, ExpiresUdp: 300, ExpiresTcp: 3600,
	}); err != nil {
		t.Fatalf("Set(config) error: %v", err)
	}

	if err := database.NewAuthorizeRepository(db).Create(ctx, &models.Authorize{
		AuthName: "101", Realm: "pbxcore.example", Algorithm: "MD5",
		Secret: "deadbeef", Type: models.ExtensionUser,
	}); err != nil {
		t.Fatalf("Create(authorize) error: %v", err)
	}

	if err := database.NewExtensionRepository(db).Create(ctx, &models.Extension{
		Number: 101, AuthName: "101", Display: "Reception", Type: models.ExtensionUser,
	}); err != nil {
		t.Fatalf("Create(extension) error: %v", err)
	}
}

func TestFindEndpointCreatesOnInitializeLabel(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	reg := registry.New()
	w, err := New(dir, reg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer w.Close()

	ev := &event.Event{
		Method: "REGISTER", RequestID: "101", Label: "desk-phone",
		Initialize: "label", Transport: "udp", Expires: 3600,
	}
	entry, err := w.FindEndpoint(context.Background(), ev)
	if err != nil {
		t.Fatalf("FindEndpoint() error: %v", err)
	}
	if entry.Number != 101 || entry.Label != "desk-phone" {
		t.Errorf("entry = %+v, want number=101 label=desk-phone", entry)
	}
	// UDP without NAT (Natted is false) clamps to ExpiresUdp (300s).
	if entry.Expires.Seconds() != 300 {
		t.Errorf("Expires = %v, want 300s (plain UDP ceiling)", entry.Expires)
	}
}

func TestFindEndpointForbidsMissingEndpointWithoutInitialize(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	w, err := New(dir, registry.New())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer w.Close()

	ev := &event.Event{Method: "REGISTER", RequestID: "101", Label: "unknown-device", Transport: "udp", Expires: 300}
	_, err = w.FindEndpoint(context.Background(), ev)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("FindEndpoint() error = %v, want ErrForbidden", err)
	}
}

func TestFindEndpointOutOfRange(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	w, err := New(dir, registry.New())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer w.Close()

	ev := &event.Event{Method: "REGISTER", RequestID: "9999", Label: "NONE", Transport: "udp", Expires: 300}
	_, err = w.FindEndpoint(context.Background(), ev)
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("FindEndpoint() error = %v, want ErrOutOfRange", err)
	}
}
