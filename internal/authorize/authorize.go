// Package authorize resolves a REGISTER's (extension, label) pair into a
// registry.Entry, the Go translation of original_source's
// Database/authorize.cpp findEndpoint(). It runs on its own OS-thread
// priority, ahead of the general Database engine's work queue, because
// every REGISTER blocks on this lookup before a 401 or 200 can be sent.
package authorize

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pbxcore/pbxcore/internal/database"
	"github.com/pbxcore/pbxcore/internal/database/models"
	"github.com/pbxcore/pbxcore/internal/event"
	"github.com/pbxcore/pbxcore/internal/registry"
)

// Sentinel errors FindEndpoint returns, each mapping to the SIP response
// code the Context must send, per original_source's findEndpoint branches.
var (
	// ErrRangeUnconfigured: Config's extension range has never been set —
	// the "database->firstNumber<1" guard, answered with 500.
	ErrRangeUnconfigured = errors.New("authorize: extension range not configured")
	// ErrSilentDeregister: expires<1 for a number never seen before; the
	// reply is a bare 200 OK with no Entry created.
	ErrSilentDeregister = errors.New("authorize: unknown de-registration")
	// ErrOutOfRange: the number falls outside [FirstNumber, LastNumber] — 404.
	ErrOutOfRange = errors.New("authorize: extension number out of range")
	// ErrForbidden covers every "no matching row" branch original_source
	// answers with 403: unknown extension, missing endpoint without
	// X-Initialize: label, or an authorize row of the wrong type.
	ErrForbidden = errors.New("authorize: endpoint not authorized")
)

// Worker resolves findEndpoint lookups against the database and installs
// the result into the shared Registry.
type Worker struct {
	db         *database.DB
	config     database.ConfigRepository
	extensions database.ExtensionRepository
	authorize  database.AuthorizeRepository
	endpoints  database.EndpointRepository
	outbox     database.OutboxRepository
	registry   *registry.Registry
}

// New creates a Worker backed by its own database connection
// (database.OpenSecondary), so its lookups never queue behind the
// general engine's work.
func New(dataDir string, reg *registry.Registry) (*Worker, error) {
	db, err := database.OpenSecondary(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening authorize connection: %w", err)
	}
	w := &Worker{
		db:         db,
		config:     database.NewConfigRepository(db),
		extensions: database.NewExtensionRepository(db),
		authorize:  database.NewAuthorizeRepository(db),
		endpoints:  database.NewEndpointRepository(db),
		outbox:     database.NewOutboxRepository(db),
		registry:   reg,
	}
	setThreadPriority()
	return w, nil
}

// Close releases the worker's database connection.
func (w *Worker) Close() error {
	return w.db.Close()
}

// FindEndpoint resolves ev's (extension, label) pair into a live
// registry.Entry, creating the Entry eagerly and inactive — matching
// spec.md's resolved Open Question on Registry pre-auth lifecycle.
func (w *Worker) FindEndpoint(ctx context.Context, ev *event.Event) (*registry.Entry, error) {
	cfg, err := w.config.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg == nil || cfg.LastNumber < 1 {
		return nil, ErrRangeUnconfigured
	}
	w.registry.SetRange(cfg.FirstNumber, cfg.LastNumber)

	number, err := strconv.Atoi(ev.RequestID)
	if err != nil {
		return nil, ErrOutOfRange
	}

	if ev.Expires < 1 {
		if existing := w.registry.Lookup(number, ev.Label); existing == nil {
			return nil, ErrSilentDeregister
		}
	}

	if number < cfg.FirstNumber || number > cfg.LastNumber {
		return nil, ErrOutOfRange
	}

	ext, err := w.extensions.GetByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("querying extension %d: %w", number, err)
	}
	if ext == nil {
		return nil, ErrForbidden
	}

	endpoint, err := w.endpoints.GetByExtensionAndLabel(ctx, number, ev.Label)
	if err != nil {
		return nil, fmt.Errorf("querying endpoint %d/%s: %w", number, ev.Label, err)
	}

	if endpoint == nil && ev.Initialize == "label" {
		endpoint = &models.Endpoint{Extension: number, Label: ev.Label}
		if err := w.endpoints.Create(ctx, endpoint); err != nil {
			return nil, fmt.Errorf("creating endpoint %d/%s: %w", number, ev.Label, err)
		}
		if origin, err := w.endpoints.GetByExtensionAndLabel(ctx, number, "NONE"); err == nil && origin != nil {
			if err := w.outbox.CopyFromOrigin(ctx, origin.ID, endpoint.ID); err != nil {
				return nil, fmt.Errorf("copying outbox from origin endpoint: %w", err)
			}
		}
	} else if endpoint == nil {
		return nil, ErrForbidden
	}

	auth, err := w.authorize.GetByAuthName(ctx, ext.AuthName)
	if err != nil {
		return nil, fmt.Errorf("querying authorize row %q: %w", ext.AuthName, err)
	}
	if auth == nil {
		return nil, ErrForbidden
	}
	if auth.Type != models.ExtensionUser && auth.Type != models.ExtensionDevice {
		return nil, ErrForbidden
	}

	expires := clampExpires(ev, cfg)

	entry := registry.NewEntry(number, ev.Label, ext.Display, auth.AuthName, auth.Realm,
		auth.Algorithm, auth.Secret, endpoint.ID, expires)
	w.registry.Create(entry)

	return entry, nil
}

// clampExpires mirrors findEndpoint's transport/NAT-aware ceiling: a UDP
// registration whose Via source disagreed with its Contact (ev.Natted) is
// behind NAT and gets the shorter NAT-friendly ceiling; other UDP
// registrations get the general UDP ceiling; everything else (TCP/TLS)
// gets the long ceiling.
func clampExpires(ev *event.Event, cfg *models.Config) time.Duration {
	ceiling := cfg.ExpiresTcp
	if ev.Transport == "udp" {
		if ev.Natted {
			ceiling = cfg.ExpiresNat
		} else {
			ceiling = cfg.ExpiresUdp
		}
	}
	requested := ev.Expires
	if requested > ceiling {
		requested = ceiling
	}
	return time.Duration(requested) * time.Second
}
