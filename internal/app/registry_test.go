package app

import (
	"errors"
	"sync"
	"testing"

	"chatrelay/internal/core"
	"chatrelay/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	cp := make(core.Frame, len(fr))
	copy(cp, fr)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) sent() []core.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func mustUser(t *testing.T, id, name string) *domain.User {
	t.Helper()
	u, err := domain.NewUser(domain.UserID(id), name)
	if err != nil {
		t.Fatalf("NewUser(%s): %v", id, err)
	}
	return u
}

func TestRegistryLookupReflectsLastOperation(t *testing.T) {
	reg := NewRegistry()
	alice := mustUser(t, "alice", "Alice A")
	c1 := &fakeConn{}

	if _, ok := reg.Lookup(alice.ID); ok {
		t.Fatal("lookup before register should miss")
	}

	reg.Register(alice, c1)
	got, ok := reg.Lookup(alice.ID)
	if !ok || got != c1 {
		t.Fatal("lookup after register should return the registered conn")
	}

	reg.Unregister(alice.ID, c1)
	if _, ok := reg.Lookup(alice.ID); ok {
		t.Fatal("lookup after unregister should miss")
	}
}

func TestRegistryReplaceClosesSupersededConn(t *testing.T) {
	reg := NewRegistry()
	alice := mustUser(t, "alice", "Alice A")
	c1 := &fakeConn{}
	c2 := &fakeConn{}

	reg.Register(alice, c1)
	reg.Register(alice, c2)

	if !c1.isClosed() {
		t.Fatal("superseded connection must be force-closed")
	}
	if c2.isClosed() {
		t.Fatal("replacement connection must stay open")
	}
	got, ok := reg.Lookup(alice.ID)
	if !ok || got != c2 {
		t.Fatal("lookup must return the replacement conn")
	}
}

func TestRegistryUnregisterIsIdempotentAndConnScoped(t *testing.T) {
	reg := NewRegistry()
	alice := mustUser(t, "alice", "Alice A")
	c1 := &fakeConn{}
	c2 := &fakeConn{}

	reg.Register(alice, c1)
	reg.Register(alice, c2)

	// The old connection's teardown races the replacement; it must not
	// remove the fresh entry.
	reg.Unregister(alice.ID, c1)
	if _, ok := reg.Lookup(alice.ID); !ok {
		t.Fatal("stale unregister must not remove the replacement entry")
	}

	reg.Unregister(alice.ID, c2)
	reg.Unregister(alice.ID, c2)
	if _, ok := reg.Lookup(alice.ID); ok {
		t.Fatal("entry should be gone after unregister")
	}
}

func TestRegistryNotifiesOnEveryMutation(t *testing.T) {
	reg := NewRegistry()
	var calls int
	reg.OnChange(func() { calls++ })

	alice := mustUser(t, "alice", "Alice A")
	c1 := &fakeConn{}

	reg.Register(alice, c1)
	if calls != 1 {
		t.Fatalf("register notifications = %d, want 1", calls)
	}
	reg.Unregister(alice.ID, c1)
	if calls != 2 {
		t.Fatalf("unregister notifications = %d, want 2", calls)
	}

	// No-op unregister must not broadcast.
	reg.Unregister(alice.ID, c1)
	if calls != 2 {
		t.Fatalf("idempotent unregister notified, calls = %d", calls)
	}
}

func TestRegistryCloseAllClosesRegisteredAndGuests(t *testing.T) {
	reg := NewRegistry()
	c1 := &fakeConn{}
	c2 := &fakeConn{}
	guest := &fakeConn{}

	reg.Register(mustUser(t, "alice", "Alice A"), c1)
	reg.Register(mustUser(t, "bob", "Bob B"), c2)
	reg.AddGuest("g1", guest)

	reg.CloseAll()
	for i, c := range []*fakeConn{c1, c2, guest} {
		if !c.isClosed() {
			t.Fatalf("conn %d left open after CloseAll", i)
		}
	}
}

func TestRegistryUsersSnapshotAndGuests(t *testing.T) {
	reg := NewRegistry()
	alice := mustUser(t, "alice", "Alice A")
	bob := mustUser(t, "bob", "Bob B")
	guest := &fakeConn{}

	reg.Register(bob, &fakeConn{})
	reg.Register(alice, &fakeConn{})
	reg.AddGuest("g1", guest)

	users := reg.Users()
	if len(users) != 2 {
		t.Fatalf("users = %d, want 2 (guests excluded)", len(users))
	}
	if users[0].ID != "alice" || users[1].ID != "bob" {
		t.Fatalf("users not sorted by id: %v", users)
	}

	var conns int
	reg.EachConn(func(core.SignalConnection) { conns++ })
	if conns != 3 {
		t.Fatalf("EachConn visited %d conns, want 3 (guests included)", conns)
	}

	reg.RemoveGuest("g1")
	conns = 0
	reg.EachConn(func(core.SignalConnection) { conns++ })
	if conns != 2 {
		t.Fatalf("EachConn after guest removal visited %d, want 2", conns)
	}
}
