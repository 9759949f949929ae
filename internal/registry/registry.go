// Package registry tracks live sessions and their endpoint URI bindings.
//
// The registry owns the per-session state machine (connected -> ready ->
// closing) and the two maps that make up the broker's connection table:
// session to state, and bound URI to session. Both maps mutate under one
// lock, so bind, remove and lookup are linearizable with respect to each
// other. Delivery writes to a session are serialized separately by the
// per-session write lock carried on ConnectionState; the registry lock is
// never held across I/O.
//
// Called by: transport layer (add/remove), broker core (bind/lookup/state)
// Calls: inventory (record/forget on bind/unbind)
package registry

import (
	"sync"
	"time"

	"github.com/cothub/broker/internal/inventory"
	"github.com/cothub/broker/internal/uri"
)

// Session is the opaque transport handle the broker routes to. The transport
// layer provides implementations; tests substitute their own. Send is not
// safe for concurrent use; callers serialize through the per-session write
// lock on ConnectionState.
type Session interface {
	// Send writes one encoded message to the peer as a single frame.
	Send(data []byte) error
	// Close tears the connection down. The transport's read loop observes
	// the closure and removes the session from the registry.
	Close() error
	// CommonName returns the peer identity from the TLS client certificate.
	CommonName() string
}

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusConnected means the transport handshake succeeded but the
	// endpoint has not logged in yet.
	StatusConnected Status = "connected"
	// StatusReady means the endpoint logged in and is bound to a URI.
	StatusReady Status = "ready"
	// StatusClosing means the broker initiated teardown.
	StatusClosing Status = "closing"
)

// BindResult is the outcome of a login attempt.
type BindResult int

const (
	// Bound means the session is now ready and owns its URI.
	Bound BindResult = iota
	// AlreadyLoggedIn means the session was ready before the attempt.
	AlreadyLoggedIn
	// URITaken means another live session already owns the computed URI.
	URITaken
)

// ConnectionState holds the broker-side view of one live session.
type ConnectionState struct {
	CommonName string    // Peer certificate identity, immutable
	Type       string    // Role declared at login, "undefined" before
	Status     Status    // Lifecycle state
	URI        string    // Bound endpoint URI, set only when Status is ready
	CreatedAt  time.Time // When the session was registered

	// sendMu serializes writes to the session's socket. It is a leaf lock:
	// nothing else is acquired while it is held.
	sendMu sync.Mutex
}

// LockWrite acquires the per-session write lock.
func (cs *ConnectionState) LockWrite() { cs.sendMu.Lock() }

// UnlockWrite releases the per-session write lock.
func (cs *ConnectionState) UnlockWrite() { cs.sendMu.Unlock() }

// Registry is the connection table. All exported methods are safe for
// concurrent use.
type Registry struct {
	scheme    string
	inventory *inventory.Inventory

	mux      sync.RWMutex
	sessions map[Session]*ConnectionState
	uris     map[string]Session
}

// New creates a registry binding URIs under the given scheme. Bound URIs
// are mirrored into the inventory for target expansion.
func New(scheme string, inv *inventory.Inventory) *Registry {
	return &Registry{
		scheme:    scheme,
		inventory: inv,
		sessions:  make(map[Session]*ConnectionState),
		uris:      make(map[string]Session),
	}
}

// Add registers a freshly upgraded session in the connected state.
func (r *Registry) Add(sess Session) *ConnectionState {
	state := &ConnectionState{
		CommonName: sess.CommonName(),
		Type:       "undefined",
		Status:     StatusConnected,
		CreatedAt:  time.Now(),
	}

	r.mux.Lock()
	r.sessions[sess] = state
	r.mux.Unlock()

	return state
}

// Remove deletes a session and, if it was bound, its URI entry. The URI is
// forgotten from the inventory in the same step, so delivery never resolves
// a removed session. Idempotent.
func (r *Registry) Remove(sess Session) {
	r.mux.Lock()
	state, exists := r.sessions[sess]
	var bound string
	if exists {
		// Unbind only if this session still owns the URI. A duplicate-login
		// loser being torn down must not evict the winner's binding.
		if state.URI != "" && r.uris[state.URI] == sess {
			delete(r.uris, state.URI)
			bound = state.URI
		}
		delete(r.sessions, sess)
	}
	r.mux.Unlock()

	if bound != "" {
		r.inventory.Forget(bound)
	}
}

// Bind attempts to log a session in with the declared endpoint type.
//
// The computed URI is scheme://common-name/type. The attempt fails with
// AlreadyLoggedIn if the session is already ready, and with URITaken if
// another session owns the URI. On success the session becomes ready and
// the URI is recorded in the inventory.
func (r *Registry) Bind(sess Session, endpointType string) (BindResult, string) {
	r.mux.Lock()

	state, exists := r.sessions[sess]
	if !exists {
		// Session raced with its own teardown; treat as taken so the
		// caller closes it without binding.
		r.mux.Unlock()
		return URITaken, ""
	}

	if state.Status == StatusReady {
		existing := state.URI
		r.mux.Unlock()
		return AlreadyLoggedIn, existing
	}

	u := uri.Build(r.scheme, state.CommonName, endpointType)
	if _, taken := r.uris[u]; taken {
		r.mux.Unlock()
		return URITaken, u
	}

	state.Type = endpointType
	state.Status = StatusReady
	state.URI = u
	r.uris[u] = sess
	r.mux.Unlock()

	r.inventory.Record(u)
	return Bound, u
}

// MarkClosing flags a session for broker-initiated teardown.
func (r *Registry) MarkClosing(sess Session) {
	r.mux.Lock()
	if state, exists := r.sessions[sess]; exists {
		state.Status = StatusClosing
	}
	r.mux.Unlock()
}

// Lookup resolves a bound URI to its session, or nil.
func (r *Registry) Lookup(u string) Session {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.uris[u]
}

// State returns the connection state for a session, or nil if unknown.
// The returned pointer is primarily for the per-session write lock; use
// Info for reading the mutable fields without racing bind/remove.
func (r *Registry) State(sess Session) *ConnectionState {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return r.sessions[sess]
}

// Info is a point-in-time copy of a session's connection state.
type Info struct {
	CommonName string
	Type       string
	Status     Status
	URI        string
	CreatedAt  time.Time
}

// Info returns a snapshot of the session's state taken under the registry
// lock, and whether the session is known.
func (r *Registry) Info(sess Session) (Info, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()

	state, exists := r.sessions[sess]
	if !exists {
		return Info{}, false
	}
	return Info{
		CommonName: state.CommonName,
		Type:       state.Type,
		Status:     state.Status,
		URI:        state.URI,
		CreatedAt:  state.CreatedAt,
	}, true
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	return len(r.sessions)
}
