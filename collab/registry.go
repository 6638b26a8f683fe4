package collab

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Conn is the transport's view of one live connection. The registry holds it
// as a non-owning reference; the transport closes it.
type Conn interface {
	ID() string
	Send(data []byte) error
	// Open reports whether the connection can still receive.
	Open() bool
}

type (
	// Binding is a copy of one registry entry.
	Binding struct {
		ConnID      string
		Identity    string
		DocumentID  string
		DisplayName string
		Role        Role
	}

	// Participant is one roster row as sent to clients.
	Participant struct {
		Identity    string `json:"id"`
		DisplayName string `json:"nickname"`
		Role        Role   `json:"role"`
	}

	recipient struct {
		identity string
		conn     Conn
	}

	entry struct {
		conn        Conn
		identity    string
		documentID  string
		displayName string
		role        Role
		seq         uint64
	}
)

func (b Binding) Bound() bool { return b.DocumentID != "" }

func (e *entry) binding() Binding {
	return Binding{
		ConnID:      e.conn.ID(),
		Identity:    e.identity,
		DocumentID:  e.documentID,
		DisplayName: e.displayName,
		Role:        e.role,
	}
}

// Registry tracks every live connection and, once joined, its identity,
// document and role. At most one live connection is bound per identity.
type Registry struct {
	mu         sync.RWMutex
	byConn     map[string]*entry
	byIdentity map[string]*entry
	seq        uint64
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:     make(map[string]*entry),
		byIdentity: make(map[string]*entry),
	}
}

// Register inserts an unbound entry for conn. Registering the same
// connection twice keeps the first entry.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[conn.ID()]; exists {
		return
	}
	r.byConn[conn.ID()] = &entry{conn: conn, role: RoleViewer}
}

// Bind associates a registered connection with an identity and a document.
// Repeating an identical bind is a no-op; changing the document or identity
// of a bound connection fails with ErrAlreadyBound. A closed connection still
// holding the identity is evicted and its binding returned.
func (r *Registry) Bind(connID, identity, documentID string, role Role, displayName string) (Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[connID]
	if !ok {
		return Binding{}, ErrUnknownConnection
	}

	if e.documentID != "" {
		if e.documentID == documentID && e.identity == identity {
			return Binding{}, nil
		}
		return Binding{}, ErrAlreadyBound
	}

	var evicted Binding
	if other, taken := r.byIdentity[identity]; taken && other != e {
		if other.conn.Open() {
			return Binding{}, ErrDuplicateIdentity
		}
		logrus.WithFields(logrus.Fields{
			"identity":      identity,
			"connection_id": other.conn.ID(),
			"document_id":   other.documentID,
		}).Info("Evicting stale connection for identity")
		evicted = other.binding()
		r.removeLocked(other)
	}

	r.seq++
	e.identity = identity
	e.documentID = documentID
	e.role = role
	e.displayName = displayName
	e.seq = r.seq
	r.byIdentity[identity] = e
	return evicted, nil
}

// SetRole changes the role of a bound identity. Permission checks belong to
// the caller.
func (r *Registry) SetRole(identity string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byIdentity[identity]
	if !ok {
		return ErrUnknownTarget
	}
	e.role = role
	return nil
}

// Unregister removes the connection's entry and returns what it was. A second
// call for the same connection reports false.
func (r *Registry) Unregister(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[connID]
	if !ok {
		return Binding{}, false
	}
	b := e.binding()
	r.removeLocked(e)
	return b, true
}

// Evict removes the entry bound to identity.
func (r *Registry) Evict(identity string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byIdentity[identity]
	if !ok {
		return Binding{}, false
	}
	b := e.binding()
	r.removeLocked(e)
	return b, true
}

func (r *Registry) removeLocked(e *entry) {
	delete(r.byConn, e.conn.ID())
	if e.identity != "" && r.byIdentity[e.identity] == e {
		delete(r.byIdentity, e.identity)
	}
}

// Binding returns the entry for a registered connection.
func (r *Registry) Binding(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byConn[connID]
	if !ok {
		return Binding{}, false
	}
	return e.binding(), true
}

// Lookup returns the entry bound to identity.
func (r *Registry) Lookup(identity string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byIdentity[identity]
	if !ok {
		return Binding{}, false
	}
	return e.binding(), true
}

// ListByDocument returns the roster of a document in join order.
func (r *Registry) ListByDocument(documentID string) []Participant {
	entries := r.documentEntries(documentID)
	roster := make([]Participant, 0, len(entries))
	for _, e := range entries {
		roster = append(roster, Participant{
			Identity:    e.identity,
			DisplayName: e.displayName,
			Role:        e.role,
		})
	}
	return roster
}

func (r *Registry) recipients(documentID string) []recipient {
	entries := r.documentEntries(documentID)
	out := make([]recipient, 0, len(entries))
	for _, e := range entries {
		out = append(out, recipient{identity: e.identity, conn: e.conn})
	}
	return out
}

func (r *Registry) connFor(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byIdentity[identity]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// documentEntries copies the bound entries of a document sorted by join
// sequence.
func (r *Registry) documentEntries(documentID string) []entry {
	r.mu.RLock()
	entries := make([]entry, 0)
	for _, e := range r.byIdentity {
		if e.documentID == documentID {
			entries = append(entries, *e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

// Documents returns the number of bound connections per document.
func (r *Registry) Documents() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	docs := make(map[string]int)
	for _, e := range r.byIdentity {
		docs[e.documentID]++
	}
	return docs
}

// Len returns the number of registered connections, bound or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
