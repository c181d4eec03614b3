package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"chatrelay/internal/core"
	"chatrelay/internal/domain"
)

type connEntry struct {
	user *domain.User
	conn core.SignalConnection
}

// Registry is the single source of truth for who is reachable right now.
// It maps a verified identity to its live connection and is the sole owner
// of that connection handle. Guest (identity-free) connections are tracked
// separately so presence fan-out reaches them; they are never part of the
// online set and cannot be looked up as routing targets.
type Registry struct {
	mu       sync.RWMutex
	conns    map[domain.UserID]*connEntry
	guests   map[string]core.SignalConnection
	onChange func()
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[domain.UserID]*connEntry),
		guests: make(map[string]core.SignalConnection),
	}
}

// OnChange installs the hook run after every register/unregister. Must be
// set during wiring, before any connection arrives.
func (r *Registry) OnChange(fn func()) {
	r.onChange = fn
}

// Register binds an identity to its connection. A second register for the
// same identity replaces the prior entry; the superseded connection is
// force-closed so it cannot linger as a zombie writer.
func (r *Registry) Register(user *domain.User, conn core.SignalConnection) {
	r.mu.Lock()
	prev, had := r.conns[user.ID]
	r.conns[user.ID] = &connEntry{user: user, conn: conn}
	r.mu.Unlock()

	if had && prev.conn != conn {
		prev.conn.Close()
		log.Info().Str("module", "app.registry").Str("user", string(user.ID)).Msg("superseded prior connection")
	}
	log.Info().Str("module", "app.registry").Str("user", string(user.ID)).Str("username", user.Username).Msg("registered")
	r.notify()
}

// Unregister removes the identity's entry, but only if it still points at
// conn. This makes it idempotent and safe against the race between a
// liveness eviction and a reconnect that already replaced the entry.
func (r *Registry) Unregister(id domain.UserID, conn core.SignalConnection) {
	r.mu.Lock()
	entry, ok := r.conns[id]
	if !ok || entry.conn != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("unregistered")
	r.notify()
}

// Lookup returns the live connection for an identity, if any.
func (r *Registry) Lookup(id domain.UserID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

// Users snapshots the registered identities, sorted by id for consistent
// ordering.
func (r *Registry) Users() []domain.User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.User, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, *e.user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) AddGuest(token string, conn core.SignalConnection) {
	r.mu.Lock()
	r.guests[token] = conn
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("guest", token).Msg("guest connected")
}

func (r *Registry) RemoveGuest(token string) {
	r.mu.Lock()
	delete(r.guests, token)
	r.mu.Unlock()
}

// EachConn calls fn for every live connection, registered and guest alike.
// fn must not block; it runs under the read lock.
func (r *Registry) EachConn(fn func(core.SignalConnection)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.conns {
		fn(e.conn)
	}
	for _, c := range r.guests {
		fn(c)
	}
}

// CloseAll force-closes every live connection, registered and guest
// alike. Shutdown uses it because an HTTP server shutdown leaves
// hijacked websocket connections untouched.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]core.SignalConnection, 0, len(r.conns)+len(r.guests))
	for _, e := range r.conns {
		conns = append(conns, e.conn)
	}
	for _, c := range r.guests {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	// Closing outside the lock: each close unwinds a read pump, which
	// unregisters and needs the write lock.
	for _, c := range conns {
		c.Close()
	}
	log.Info().Str("module", "app.registry").Int("count", len(conns)).Msg("closed all connections")
}

func (r *Registry) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
