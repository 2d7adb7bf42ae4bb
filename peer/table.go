package peer

import (
	"fmt"
	"sync"
)

// Table owns every Peer. All other components hold Refs.
type Table struct {
	mutex  sync.RWMutex
	peers  map[ID]*Peer
	nextID ID
}

// NewTable creates an empty peer table.
func NewTable() *Table {
	return &Table{
		peers: make(map[ID]*Peer),
	}
}

// Add registers a new peer and returns it together with a weak reference to it.
func (t *Table) Add(config Config) (*Peer, Ref) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.nextID++
	p := &Peer{
		id:                  t.nextID,
		publicKey:           config.PublicKey,
		endpoint:            config.Endpoint,
		persistentKeepalive: config.PersistentKeepalive,
	}
	t.peers[p.id] = p

	return p, Ref{table: t, id: p.id}
}

// Remove drops the table's ownership of a peer. Outstanding Refs stop
// resolving. It reports whether the peer was present.
func (t *Table) Remove(id ID) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	p, ok := t.peers[id]
	if !ok {
		return false
	}
	delete(t.peers, id)
	p.Session.Zero()
	return true
}

// Get returns the live peer with the given ID.
func (t *Table) Get(id ID) (*Peer, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	p, ok := t.peers[id]
	return p, ok
}

// Ref returns a weak reference for id. The reference is returned even if
// no such peer exists; it simply never resolves.
func (t *Table) Ref(id ID) Ref {
	return Ref{table: t, id: id}
}

// LookupIndex finds the peer whose current session uses localIndex as its
// receiver index.
func (t *Table) LookupIndex(localIndex uint32) (*Peer, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	for _, p := range t.peers {
		if idx, ok := p.Session.LocalIndex(); ok && idx == localIndex {
			return p, true
		}
	}
	return nil, false
}

// Len returns the number of live peers.
func (t *Table) Len() int {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.peers)
}

// Range calls fn for every live peer until fn returns false.
func (t *Table) Range(fn func(*Peer) bool) {
	t.mutex.RLock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mutex.RUnlock()

	for _, p := range peers {
		if !fn(p) {
			return
		}
	}
}

// Ref is a non-owning reference to a peer. The zero Ref never resolves.
type Ref struct {
	table *Table
	id    ID
}

// Upgrade resolves the reference. It fails once the peer has been removed
// from its table.
func (r Ref) Upgrade() (*Peer, bool) {
	if r.table == nil {
		return nil, false
	}
	return r.table.Get(r.id)
}

// ID returns the referenced peer's ID whether or not it is still alive.
func (r Ref) ID() ID { return r.id }

// IsZero reports whether r was never bound to a table.
func (r Ref) IsZero() bool { return r.table == nil }

func (r Ref) String() string {
	return fmt.Sprintf("peer(%d)", r.id)
}
