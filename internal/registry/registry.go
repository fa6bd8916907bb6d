// Package registry is the in-memory table of live (extension, label)
// registrations: three indexes, a presence bitmap, and the digest
// challenge/verify sequence a REGISTER must pass to stay in the table.
// Grounded almost line-for-line on original_source/Server/registry.cpp.
package registry

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"strings"
	"sync"
	"time"

	"github.com/icholy/digest"
	"github.com/pbxcore/pbxcore/internal/event"
)

// key identifies one registration the way original_source's
// QHash<QPair<int,UString>,Registry*> does.
type key struct {
	Number int
	Label  string
}

// Result is the outcome of verifying a REGISTER against an Entry,
// the Go enumeration of registry.cpp's authorize() branches.
type Result int

const (
	Denied Result = iota
	OK
	Deregistered
	RealmMismatch
	UserMismatch
	AlgorithmMismatch
	NonceMismatch
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Deregistered:
		return "deregistered"
	case RealmMismatch:
		return "realm-mismatch"
	case UserMismatch:
		return "user-mismatch"
	case AlgorithmMismatch:
		return "algorithm-mismatch"
	case NonceMismatch:
		return "nonce-mismatch"
	default:
		return "denied"
	}
}

// Entry is one live registration: the Go analogue of a registry.cpp
// Registry instance.
type Entry struct {
	mu sync.Mutex

	Number     int
	Label      string
	Display    string
	AuthUserID string
	Realm      string
	Algorithm  string // canonical: MD5 | SHA1 | SHA256 | SHA512
	Secret     string // pre-hashed HA1-equivalent, never the plaintext password
	EndpointID int64

	Nonce   string
	Expires time.Duration

	Active  bool
	Contact event.Contact // device-reported Contact
	Address event.Contact // NAT-adjusted address actually used to reach the device
	Context string        // name of the sipcontext.Context currently holding this entry

	updated      time.Time
	deregistered bool // expires=0 seen; original_source's authorize() sets timeout=0 for the next cleanup() pass to collect
}

// NewEntry constructs an Entry from an Authorize reply, inactive until
// the first successful digest verification — original_source's
// constructor comment: "we create registration records based on the
// initial pre-authorize request, and as inactive."
func NewEntry(number int, label, display, authUserID, realm, algorithm, secret string, endpointID int64, expires time.Duration) *Entry {
	return &Entry{
		Number:     number,
		Label:      label,
		Display:    display,
		AuthUserID: authUserID,
		Realm:      realm,
		Algorithm:  CanonicalAlgorithm(algorithm),
		Secret:     secret,
		EndpointID: endpointID,
		Expires:    expires,
		Nonce:      newNonce(),
		updated:    time.Now(),
	}
}

// newNonce returns a fresh random nonce. Called once, at Entry
// construction; per spec.md's round-trip law a retried 401 after a parse
// failure reuses this same nonce rather than minting a new one.
func newNonce() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// digests mirrors registry.cpp's alias table, keyed the same way
// (case-sensitive aliases the way the original QHash<QString,...> is).
var digests = map[string]func() hash.Hash{
	"MD5":    md5.New,
	"SHA":    sha1.New,
	"SHA1":   sha1.New,
	"SHA-1":  sha1.New,
	"SHA2":   sha256.New,
	"SHA256": sha256.New,
	"SHA-256": sha256.New,
	"SHA512": sha512.New,
	"SHA-512": sha512.New,
}

// CanonicalAlgorithm resolves any of the alias spellings to the canonical
// name (MD5, SHA1, SHA256, SHA512) this package hashes with. Unknown
// input falls back to MD5, registry.cpp's own default.
func CanonicalAlgorithm(alg string) string {
	switch strings.ToUpper(alg) {
	case "MD5":
		return "MD5"
	case "SHA", "SHA1", "SHA-1":
		return "SHA1"
	case "SHA2", "SHA256", "SHA-256":
		return "SHA256"
	case "SHA512", "SHA-512":
		return "SHA512"
	default:
		return "MD5"
	}
}

func hashHex(algorithm string, parts ...string) string {
	factory, ok := digests[algorithm]
	if !ok {
		factory = md5.New
	}
	h := factory()
	h.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a REGISTER's digest response against the Entry's stored
// secret, following registry.cpp's authorize() sequence exactly: realm,
// then user id, then algorithm, then nonce, then the HA2/expected digest
// comparison, then de-register-on-expires-0, then address refresh.
func (e *Entry) Verify(ev *event.Event) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.AuthRealm != "" && ev.AuthRealm != e.Realm {
		return RealmMismatch
	}
	if ev.AuthUserID != e.AuthUserID {
		return UserMismatch
	}
	if ev.AuthAlgorithm != "" && CanonicalAlgorithm(ev.AuthAlgorithm) != e.Algorithm {
		return AlgorithmMismatch
	}
	if ev.AuthNonce != e.Nonce {
		return NonceMismatch
	}

	ha2 := hashHex(e.Algorithm, ev.Method, ev.AuthURI)
	expected := hashHex(e.Algorithm, e.Secret, e.Nonce, ha2)
	if !strings.EqualFold(expected, ev.AuthResponse) {
		return Denied
	}

	if ev.Expires < 1 {
		e.Active = false
		e.deregistered = true
		return Deregistered
	}

	if ev.Transport == "udp" {
		e.Address = ev.Source
	} else {
		e.Address = ev.Contact
	}
	e.Contact = ev.Contact
	e.Context = contextName(ev)
	e.Active = true
	e.updated = time.Now()
	return OK
}

func contextName(ev *event.Event) string {
	if ev.Context == nil {
		return ""
	}
	return ev.Context.Name()
}

// expired reports whether this entry's registration lifetime has elapsed
// since its last successful refresh, or whether it was explicitly
// de-registered (expires=0) and is only waiting for the next sweep to
// collect it — original_source's authorize() sets timeout=0 on
// de-register and leaves actual removal to Manager::cleanup's next pass.
func (e *Entry) expired(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deregistered {
		return true
	}
	if !e.Active {
		return false
	}
	return now.Sub(e.updated) > e.Expires
}

// Registry is the process-wide table of live registrations: three
// indexes (by (number,label), by number, by auth user id) plus a
// presence bitmap, mirroring registry.cpp's static QMultiHash/QHash
// fields and `online`/`count` arrays.
type Registry struct {
	mu sync.RWMutex

	byKey      map[key]*Entry
	byNumber   map[int][]*Entry
	byAuthUser map[string]*Entry

	count       map[int]int // per-extension refcount, registry.cpp's static count[1000]
	presence    []byte      // packed bitmap, registry.cpp's static online[1000/8]
	rangeFirst  int
	rangeLast   int
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byKey:      make(map[key]*Entry),
		byNumber:   make(map[int][]*Entry),
		byAuthUser: make(map[string]*Entry),
		count:      make(map[int]int),
	}
}

// SetRange sizes the presence bitmap to cover [first, last], the Go
// analogue of registry.cpp's one-time `range = Database::range()` /
// `size = ((range.second - range.first) / 8) + 1` initialization. Safe to
// call again on a config reload; a changed range reallocates the bitmap
// and rebuilds its bits from the per-extension refcounts, so numbers that
// still have entries and fall inside the new range stay set.
func (r *Registry) SetRange(first, last int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.presence != nil && r.rangeFirst == first && r.rangeLast == last {
		return
	}
	r.rangeFirst, r.rangeLast = first, last
	size := 0
	if last >= first {
		size = (last-first)/8 + 1
	}
	r.presence = make([]byte, size)
	for number, n := range r.count {
		if n > 0 {
			r.setBit(number)
		}
	}
}

// setBit and clearBit flip the presence bitmap for number — callers must
// hold r.mu. A number outside the configured range, or a Registry whose
// range was never set, is a silent no-op: original_source's bits()
// likewise returns an empty string until `size` has been established.
func (r *Registry) setBit(number int) {
	if len(r.presence) == 0 || number < r.rangeFirst || number > r.rangeLast {
		return
	}
	offset := number - r.rangeFirst
	r.presence[offset/8] |= 1 << uint(offset%8)
}

func (r *Registry) clearBit(number int) {
	if len(r.presence) == 0 || number < r.rangeFirst || number > r.rangeLast {
		return
	}
	offset := number - r.rangeFirst
	r.presence[offset/8] &^= 1 << uint(offset%8)
}

// PresenceBitmap returns the current presence bitmap, base64-encoded —
// registry.cpp's Registry::bits(). Empty until SetRange has been called.
func (r *Registry) PresenceBitmap() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.presence) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(r.presence)
}

// Create inserts a new Entry into all three indexes and bumps its
// extension's refcount, setting the presence bit on the 0->1 transition —
// registry.cpp's constructor: `if(++count[number] == 1) set(number);`.
// The bit tracks entry existence, not Entry.Active: a freshly constructed,
// still-unauthenticated Entry is already "present".
func (r *Registry) Create(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{Number: e.Number, Label: e.Label}
	r.byKey[k] = e
	r.byNumber[e.Number] = append(r.byNumber[e.Number], e)
	r.byAuthUser[e.AuthUserID] = e

	r.count[e.Number]++
	if r.count[e.Number] == 1 {
		r.setBit(e.Number)
	}
}

// Lookup returns the Entry for (number, label), or nil.
func (r *Registry) Lookup(number int, label string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[key{Number: number, Label: label}]
}

// LookupAuthUser returns the Entry currently registered under a SIP
// auth-user-id, or nil.
func (r *Registry) LookupAuthUser(authUserID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byAuthUser[authUserID]
}

// ByNumber returns every Entry (every label/device) registered under an
// extension number.
func (r *Registry) ByNumber(number int) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, len(r.byNumber[number]))
	copy(out, r.byNumber[number])
	return out
}

// IsOnline reports whether at least one Entry is currently registered
// under the given extension number — the Go equivalent of registry.cpp's
// packed bitmap test. This tracks entry existence, not Entry.Active: a
// number with only an inactive, not-yet-authenticated Entry still counts.
func (r *Registry) IsOnline(number int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count[number] > 0
}

// Refresh runs ev through the matching Entry's Verify. Returns
// (Denied, nil) if no Entry exists yet for (number, label); the
// presence bitmap itself is untouched by authentication outcome — only
// Create/Remove move it, per registry.cpp's refcount-on-construct model.
func (r *Registry) Refresh(number int, label string, ev *event.Event) (Result, *Entry) {
	e := r.Lookup(number, label)
	if e == nil {
		return Denied, nil
	}
	return e.Verify(ev), e
}

// Remove deletes an Entry from all indexes — registry.cpp's destructor:
// decrement refcount, clear the bit on the 1->0 transition, drop from
// every hash.
func (r *Registry) Remove(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byKey, key{Number: e.Number, Label: e.Label})
	if cur, ok := r.byAuthUser[e.AuthUserID]; ok && cur == e {
		delete(r.byAuthUser, e.AuthUserID)
	}
	entries := r.byNumber[e.Number]
	for i, other := range entries {
		if other == e {
			r.byNumber[e.Number] = append(entries[:i], entries[i+1:]...)
			break
		}
	}

	if r.count[e.Number] > 0 {
		r.count[e.Number]--
	}
	if r.count[e.Number] == 0 {
		delete(r.count, e.Number)
		r.clearBit(e.Number)
	}
}

// Sweep removes every Entry whose registration lifetime has elapsed since
// its last refresh, the periodic expiry pass spec.md's Registry
// component runs alongside the nonce-based verify path.
func (r *Registry) Sweep() int {
	now := time.Now()

	r.mu.RLock()
	var expired []*Entry
	for _, e := range r.byKey {
		if e.expired(now) {
			expired = append(expired, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range expired {
		e.mu.Lock()
		e.Active = false
		e.mu.Unlock()
		r.Remove(e)
	}
	return len(expired)
}

// Nonce returns a freshly generated nonce string, exposed for the
// Context's initial 401 challenge before any Entry exists.
func Nonce() string {
	return newNonce()
}

// Challenge formats the WWW-Authenticate header value for a fresh or
// repeated 401, reusing the Entry's existing nonce so a retried parse
// failure does not force the device through a second round trip.
// Built with digest.Challenge the same way the teacher's auth.go builds
// its own WWW-Authenticate header — only the verification in Verify
// diverges from the teacher, since that has to work against an opaque
// pre-hashed secret under a selectable algorithm.
func (e *Entry) Challenge() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	chal := digest.Challenge{
		Realm:     e.Realm,
		Nonce:     e.Nonce,
		Algorithm: e.Algorithm,
	}
	return chal.String()
}
