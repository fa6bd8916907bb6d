// Package manager coordinates every signalling decision that touches
// shared state: it is the single place a REGISTER's Registry lookup, an
// unauthenticated challenge, a fresh authorize.Worker.FindEndpoint call,
// and an outbox flush all funnel through. Grounded on
// original_source/Server/manager.cpp's Manager — the "master sip stack
// management class" that every Context signals into so that registry and
// database state changes never race — realized here as plain method
// calls guarded by the Registry's own lock instead of a Qt signal queue
// on a dedicated thread.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pbxcore/pbxcore/internal/authorize"
	"github.com/pbxcore/pbxcore/internal/database"
	"github.com/pbxcore/pbxcore/internal/database/models"
	"github.com/pbxcore/pbxcore/internal/event"
	"github.com/pbxcore/pbxcore/internal/registry"
	"github.com/pbxcore/pbxcore/internal/sipcontext"
)

// Config is the subset of the running configuration Manager needs to
// compute realms, banners, and local-name sets. Applied at startup and
// on every config reload.
type Config struct {
	Realm     string
	Banner    string
	Hostname  string
	Aliases   []string
	LocalUUID string
}

// Manager is the coordinator. It is safe for concurrent use — every
// exported method may be called from any Context's dispatch goroutine.
type Manager struct {
	mu     sync.RWMutex
	realm  string
	banner string

	registry  *registry.Registry
	authorize *authorize.Worker
	outbox    database.OutboxRepository
	roster    database.RosterRepository
	logger    *slog.Logger

	ctxMu    sync.RWMutex
	contexts map[string]*sipcontext.Context
}

// New builds a Manager bound to a shared Registry, a high-priority
// authorize.Worker, the outbox repository used to flush queued MESSAGE
// bodies on re-registration, and the roster repository used to build the
// §4.4/§4.7 bootstrap body a successful REGISTER carries back.
func New(reg *registry.Registry, az *authorize.Worker, outbox database.OutboxRepository, roster database.RosterRepository, logger *slog.Logger) *Manager {
	return &Manager{
		registry:  reg,
		authorize: az,
		outbox:    outbox,
		roster:    roster,
		banner:    "Welcome to pbxcore",
		logger:    logger,
		contexts:  make(map[string]*sipcontext.Context),
	}
}

// RegisterContext makes ctx reachable by name so that live delivery
// (deliverOrQueue, flushOutbox, the roster bootstrap body) can resolve a
// registry.Entry's Context field back into something it can call .Message
// on — the Go stand-in for original_source's reg->context() pointer, which
// Manager::sendMessage dereferences directly because C++ keeps the
// Context alive as long as anything points at it.
func (m *Manager) RegisterContext(ctx *sipcontext.Context) {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	m.contexts[ctx.Name()] = ctx
}

func (m *Manager) context(name string) *sipcontext.Context {
	m.ctxMu.RLock()
	defer m.ctxMu.RUnlock()
	return m.contexts[name]
}

// ApplyConfig updates the realm/banner snapshot. An empty Realm falls
// back to the node's UUID, mirroring original_source's
// Manager::applyConfig rule that a realm of "local"/"localhost"/
// "localdomain"/empty is replaced with the node identity.
func (m *Manager) ApplyConfig(cfg Config) {
	realm := cfg.Realm
	switch strings.ToLower(realm) {
	case "", "local", "localhost", "localdomain":
		realm = cfg.LocalUUID
		if realm == "" {
			realm = uuid.NewString()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if realm != m.realm {
		m.logger.Info("entering realm", "realm", realm)
		m.realm = realm
	}
	if cfg.Banner != "" {
		m.banner = cfg.Banner
	}
}

// Realm returns the current signalling realm.
func (m *Manager) Realm() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.realm
}

// HandleRegister is wired as a Context's Handlers.OnRegister. It folds
// original_source's Manager::refreshRegistration and
// Manager::createRegistration into one synchronous path: look the
// (number,label) pair up in the Registry; if absent, resolve it via the
// authorize.Worker; either way finish by verifying or challenging.
func (m *Manager) HandleRegister(ctx context.Context, ev *event.Event) sipcontext.Response {
	number, err := strconv.Atoi(ev.RequestID)
	if err != nil {
		return sipcontext.Response{Code: 404, Reason: "Not Found"}
	}

	entry := m.registry.Lookup(number, ev.Label)
	if entry == nil {
		var az error
		entry, az = m.authorize.FindEndpoint(ctx, ev)
		if az != nil {
			return m.authorizeErrorResponse(az)
		}
	}

	if ev.AuthResponse == "" {
		return m.challengeResponse(entry)
	}

	result, _ := m.registry.Refresh(number, ev.Label, ev)
	switch result {
	case registry.OK:
		if ev.Label != "NONE" {
			m.flushOutbox(ctx, entry)
		}
		return m.registerResponse(ctx, entry, ev)
	case registry.Deregistered:
		return sipcontext.Response{Code: 200, Reason: "OK"}
	default:
		return m.challengeResponse(entry)
	}
}

// registerResponse builds the 200 OK a successful REGISTER earns. Per
// spec.md §4.7, a non-"NONE" label also carries the full roster plus the
// process-wide presence bitmap, so a device that just came online can
// paint its buddy list without a second round trip — the Go analogue of
// original_source's Manager::sendRoster call immediately following a
// successful Database::authorize.
func (m *Manager) registerResponse(ctx context.Context, entry *registry.Entry, ev *event.Event) sipcontext.Response {
	target := m.context(entry.Context)
	if target == nil {
		return sipcontext.Response{Code: 200, Reason: "OK"}
	}

	var xdata []byte
	if ev.Label != "NONE" {
		body, err := m.rosterBody(ctx, target)
		if err != nil {
			m.logger.Error("building roster bootstrap body", "endpoint", entry.EndpointID, "error", err)
		} else {
			xdata = body
		}
	}
	return target.Authorize(entry.Contact, entry.Expires, xdata)
}

// rosterJSON is one entry of the §4.4 roster document; field names match
// the single-letter keys spec.md names (a/n/u/d/t).
type rosterJSON struct {
	AuthName string `json:"a"`
	Number   int    `json:"n"`
	URI      string `json:"u"`
	Display  string `json:"d"`
	Type     string `json:"t"`
}

// rosterBody runs the roster-selection query, fills in each row's `u` URI
// through the Context (the one part of a roster entry that is
// transport-specific, not a database concern), and attaches the §4.3
// presence bitmap alongside it.
func (m *Manager) rosterBody(ctx context.Context, target *sipcontext.Context) ([]byte, error) {
	rows, err := m.roster.Select(ctx)
	if err != nil {
		return nil, fmt.Errorf("selecting roster: %w", err)
	}
	domain := m.Realm()
	entries := make([]rosterJSON, len(rows))
	for i, row := range rows {
		entries[i] = rosterJSON{
			AuthName: row.AuthName,
			Number:   row.Number,
			URI:      target.URITo(event.Contact{User: strconv.Itoa(row.Number), Host: domain}),
			Display:  row.Display,
			Type:     string(row.Type),
		}
	}
	payload := struct {
		Roster   []rosterJSON `json:"roster"`
		Presence string       `json:"presence,omitempty"`
	}{Roster: entries, Presence: m.registry.PresenceBitmap()}
	return json.Marshal(payload)
}

// authorizeErrorResponse maps authorize.Worker's sentinel errors to the
// SIP status original_source's findEndpoint branches answer with.
func (m *Manager) authorizeErrorResponse(err error) sipcontext.Response {
	switch {
	case errors.Is(err, authorize.ErrRangeUnconfigured):
		return sipcontext.Response{Code: 500, Reason: "Server Internal Error"}
	case errors.Is(err, authorize.ErrSilentDeregister):
		return sipcontext.Response{Code: 200, Reason: "OK"}
	case errors.Is(err, authorize.ErrOutOfRange):
		return sipcontext.Response{Code: 404, Reason: "Not Found"}
	case errors.Is(err, authorize.ErrForbidden):
		return sipcontext.Response{Code: 403, Reason: "Forbidden"}
	default:
		m.logger.Error("findEndpoint failed", "error", err)
		return sipcontext.Response{Code: 500, Reason: "Server Internal Error"}
	}
}

func (m *Manager) challengeResponse(entry *registry.Entry) sipcontext.Response {
	ctxHandle := m.context(entry.Context)
	if ctxHandle != nil {
		return ctxHandle.Challenge(entry.Challenge())
	}
	return sipcontext.Response{
		Code:   401,
		Reason: "Unauthorized",
		Headers: map[string]string{
			"WWW-Authenticate": entry.Challenge(),
		},
	}
}

// flushOutbox delivers every queued MESSAGE body waiting against this
// entry's endpoint the moment its owning device re-registers —
// original_source's copyOutboxes-on-initialize feature extended to also
// fire on every ordinary refresh, not just the first one. Each row is
// resent through the owning Context before it is dropped from the
// outbox; a row whose Context can't be resolved is logged and left
// queued rather than silently discarded.
func (m *Manager) flushOutbox(ctx context.Context, entry *registry.Entry) {
	rows, err := m.outbox.ListByEndpoint(ctx, entry.EndpointID)
	if err != nil {
		m.logger.Error("listing outbox", "endpoint", entry.EndpointID, "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	target := m.context(entry.Context)
	if target == nil {
		m.logger.Warn("flushing outbox with no resolvable context, leaving queued",
			"endpoint", entry.EndpointID, "context", entry.Context)
		return
	}

	route := target.URITo(entry.Address)
	to := "<" + route + ">"
	for _, row := range rows {
		from := "<" + row.Originator + ">"
		headers := map[string]string{
			"X-MID": row.MessageID,
			"X-EP":  strconv.FormatInt(entry.EndpointID, 10),
		}
		if row.Subject != "" {
			headers["Subject"] = row.Subject
		}
		target.Message(from, to, route, headers, row.ContentType, row.Body)

		if err := m.outbox.DeleteByID(ctx, row.ID); err != nil {
			m.logger.Error("draining outbox row", "id", row.ID, "error", err)
		}
	}
}

// HandleMessage is wired as a Context's Handlers.OnMessage. A MESSAGE to
// an offline extension is queued to the outbox instead of bounced,
// mirroring original_source's Manager::sendMessage "will be queued in db
// only for now" fallback.
func (m *Manager) HandleMessage(ctx context.Context, ev *event.Event) sipcontext.Response {
	number, err := strconv.Atoi(ev.To.User)
	if err != nil {
		return sipcontext.Response{Code: 404, Reason: "Not Found"}
	}

	entries := m.registry.ByNumber(number)
	if len(entries) == 0 {
		return sipcontext.Response{Code: 202, Reason: "Accepted"}
	}

	for _, e := range entries {
		if err := m.deliverOrQueue(ctx, e, ev); err != nil {
			m.logger.Error("delivering message", "endpoint", e.EndpointID, "error", err)
		}
	}
	return sipcontext.Response{Code: 202, Reason: "Accepted"}
}

// deliverOrQueue is the Go translation of original_source's
// Manager::sendMessage: an active entry whose Context is still reachable
// gets the MESSAGE forwarded live; anything else — inactive entry, or a
// Context that has since shut down — falls back to the outbox queue, to
// be replayed by flushOutbox on the next successful re-registration.
func (m *Manager) deliverOrQueue(ctx context.Context, e *registry.Entry, ev *event.Event) error {
	if e.Active {
		if target := m.context(e.Context); target != nil {
			route := target.URITo(e.Address)
			from := "\"" + ev.From.Display + "\" <" + ev.From.URI() + ">"
			to := "<" + route + ">"
			headers := map[string]string{
				"X-MID": ev.MessageID,
				"X-EP":  strconv.FormatInt(e.EndpointID, 10),
			}
			if ev.Subject != "" {
				headers["Subject"] = ev.Subject
			}
			target.Message(from, to, route, headers, ev.Content, ev.Body)
			return nil
		}
	}

	if err := m.outbox.Enqueue(ctx, &models.Outbox{
		EndpointID:  e.EndpointID,
		MessageID:   ev.MessageID,
		Originator:  ev.From.URI(),
		Subject:     ev.Subject,
		ContentType: ev.Content,
		Body:        ev.Body,
	}); err != nil {
		return fmt.Errorf("queuing message for endpoint %d: %w", e.EndpointID, err)
	}
	return nil
}

// Sweep runs the periodic Registry expiry scan — wired as a Context's
// Handlers.OnTick so it runs on every Context's own one-second tick.
func (m *Manager) Sweep() {
	if n := m.registry.Sweep(); n > 0 {
		m.logger.Debug("registry sweep removed stale entries", "count", n)
	}
}
