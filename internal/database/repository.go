package database

import (
	"context"

	"github.com/pbxcore/pbxcore/internal/database/models"
)

// ConfigRepository manages the single-row Config record and the
// per-startup Switches identity row.
type ConfigRepository interface {
	Get(ctx context.Context) (*models.Config, error)
	Set(ctx context.Context, cfg *models.Config) error
	PutSwitches(ctx context.Context, sw *models.Switches) error
}

// ExtensionRepository manages addressable PBX extension numbers.
type ExtensionRepository interface {
	Create(ctx context.Context, ext *models.Extension) error
	GetByID(ctx context.Context, id int64) (*models.Extension, error)
	GetByNumber(ctx context.Context, number int) (*models.Extension, error)
	List(ctx context.Context) ([]models.Extension, error)
	Update(ctx context.Context, ext *models.Extension) error
	Delete(ctx context.Context, id int64) error
}

// AuthorizeRepository manages authorizable digest identities.
type AuthorizeRepository interface {
	Create(ctx context.Context, auth *models.Authorize) error
	GetByAuthName(ctx context.Context, authName string) (*models.Authorize, error)
	List(ctx context.Context) ([]models.Authorize, error)
	Update(ctx context.Context, auth *models.Authorize) error
	Delete(ctx context.Context, id int64) error
}

// EndpointRepository manages physical devices bound to an
// (extension, label) pair.
type EndpointRepository interface {
	Create(ctx context.Context, ep *models.Endpoint) error
	GetByExtensionAndLabel(ctx context.Context, extension int, label string) (*models.Endpoint, error)
	GetByID(ctx context.Context, id int64) (*models.Endpoint, error)
	TouchLastOnline(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// OutboxRepository manages messages queued for an endpoint that was
// offline at send time.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg *models.Outbox) error
	ListByEndpoint(ctx context.Context, endpointID int64) ([]models.Outbox, error)
	DeleteByID(ctx context.Context, id int64) error
	DeleteByEndpoint(ctx context.Context, endpointID int64) error
	// CopyFromOrigin duplicates every row queued against originEndpointID
	// onto newEndpointID, the "label=NONE" handoff original_source's
	// Database/authorize.cpp performs the first time a device registers
	// under a real label.
	CopyFromOrigin(ctx context.Context, originEndpointID, newEndpointID int64) error
}

// RosterRepository answers the §4.4 roster-selection query: every
// Extension joined to its Authorize identity, in dialing order.
type RosterRepository interface {
	Select(ctx context.Context) ([]models.RosterRow, error)
}

// ProviderRepository manages external SIP trunking peers. Minimal per
// spec.md §3.9 — no outbound registration logic lives here yet.
type ProviderRepository interface {
	Create(ctx context.Context, p *models.Provider) error
	GetByID(ctx context.Context, id int64) (*models.Provider, error)
	List(ctx context.Context) ([]models.Provider, error)
	Delete(ctx context.Context, id int64) error
}
