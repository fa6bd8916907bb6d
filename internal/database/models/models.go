// Package models holds the persisted record shapes for the PBX core's
// relational store. These mirror the tables spec.md §6 names: Config,
// Switches, Authorize, Extensions, Endpoints, Outbox, and the minimal
// Providers placeholder from SPEC_FULL.md §3.9.
package models

import "time"

// Config is the single-row server configuration read once at startup.
// FirstNumber/LastNumber bound the valid extension range the Authorize
// worker checks before any database lookup; ExpiresNat/ExpiresUdp/
// ExpiresTcp are the registration-lifetime ceilings clamped per transport
// and detected NAT (event.Event.Natted), mirroring original_source's per-deployment
// config row.
type Config struct {
	Realm       string
	Dialing     string
	UUID        string
	Version     string
	FirstNumber int
	LastNumber  int
	ExpiresNat  int
	ExpiresUdp  int
	ExpiresTcp  int
}

// Switches is upserted on every server start with the running instance's
// identity, so operators can tell which build/UUID last touched the store.
type Switches struct {
	UUID    string
	Version string
}

// ExtensionType is the closed set of Extensions.Type values spec.md §3 names.
type ExtensionType string

const (
	ExtensionUser   ExtensionType = "USER"
	ExtensionDevice ExtensionType = "DEVICE"
	ExtensionGroup  ExtensionType = "GROUP"
	ExtensionPilot  ExtensionType = "PILOT"
	ExtensionSystem ExtensionType = "SYSTEM"
)

// Extension is one addressable PBX extension number.
type Extension struct {
	ID        int64
	Number    int
	AuthName  string // foreign key into Authorize.AuthName
	Display   string
	Type      ExtensionType
	Alias     string
	Access    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Authorize is one authorizable identity: the digest credentials a device
// or user presents, independent of which Extension(s) reference it.
type Authorize struct {
	ID        int64
	AuthName  string
	Realm     string
	Algorithm string // MD5 | SHA1 | SHA256 | SHA512 (canonical, post-alias-resolution)
	Secret    string // HA1-equivalent hex, pre-hashed at provisioning time
	FullName  string
	Type      ExtensionType
	Access    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Endpoint is one physical device bound to an (extension, label) pair —
// the persistent identity a Registry entry is constructed from.
type Endpoint struct {
	ID         int64
	Extension  int
	Label      string
	DeviceKey  string
	LastOnline *time.Time
	CreatedAt  time.Time
}

// Outbox is a message queued for an endpoint that was offline when it was
// sent, delivered on the endpoint's next successful registration.
type Outbox struct {
	ID          int64
	EndpointID  int64
	MessageID   string
	Originator  string
	Subject     string
	Posted      time.Time
	Sequence    int
	ContentType string
	Body        []byte
}

// RosterRow is one projected row of the Extensions/Authorize union query
// spec.md §4.4 names, before the `u` URI column is filled in — that part
// is a Context concern (uriTo), not a database one.
type RosterRow struct {
	AuthName string
	Number   int
	Display  string
	Type     ExtensionType
}

// Provider is an external SIP trunking peer. Placeholder per spec.md §3 —
// "Not required for first implementation."
type Provider struct {
	ID             int64
	ContactURI     string
	AuthName       string
	Secret         string
	Display        string
	RegistrationID string
	CreatedAt      time.Time
}
