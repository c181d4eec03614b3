package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/pkg/protocol"
)

type fakeStore struct {
	nextID int64
	msgs   []domain.Message
	fail   error
}

func (s *fakeStore) CreateMessage(_ context.Context, sender, recipient domain.UserID, text string) (*domain.Message, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	s.nextID++
	m := domain.Message{
		ID:        s.nextID,
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		CreatedAt: time.Now(),
	}
	s.msgs = append(s.msgs, m)
	return &m, nil
}

func newTestRouter(t *testing.T) (*Router, *Registry, *fakeStore) {
	t.Helper()
	reg := NewRegistry()
	st := &fakeStore{}
	return NewRouter(reg, st, NewRelay(reg)), reg, st
}

func decodeDelivery(t *testing.T, raw []byte) protocol.ChatDelivery {
	t.Helper()
	var d protocol.ChatDelivery
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("delivery unparseable: %v", err)
	}
	return d
}

func TestRouterChatDualDelivery(t *testing.T) {
	rt, reg, st := newTestRouter(t)
	alice := mustUser(t, "alice", "Alice A")
	aliceConn, bobConn := &fakeConn{}, &fakeConn{}
	reg.Register(alice, aliceConn)
	reg.Register(mustUser(t, "bob", "Bob B"), bobConn)
	aliceConn.frames, bobConn.frames = nil, nil // drop presence noise

	rt.HandleFrame(context.Background(), alice, []byte(`{"type":"chat","recipientId":"bob","text":"hi"}`))

	if len(st.msgs) != 1 {
		t.Fatalf("persisted %d messages, want 1", len(st.msgs))
	}
	for name, conn := range map[string]*fakeConn{"sender": aliceConn, "recipient": bobConn} {
		frames := conn.sent()
		if len(frames) != 1 {
			t.Fatalf("%s received %d frames, want exactly 1", name, len(frames))
		}
		d := decodeDelivery(t, frames[0])
		if d.Type != protocol.KindChatMessage || d.Sender != "alice" || d.Recipient != "bob" || d.Text != "hi" {
			t.Fatalf("%s delivery wrong: %+v", name, d)
		}
		if d.ID != st.msgs[0].ID {
			t.Fatalf("%s delivery id = %d, want store-assigned %d", name, d.ID, st.msgs[0].ID)
		}
	}
}

func TestRouterChatOfflineRecipientPersistedNotDelivered(t *testing.T) {
	rt, reg, st := newTestRouter(t)
	alice := mustUser(t, "alice", "Alice A")
	aliceConn := &fakeConn{}
	reg.Register(alice, aliceConn)
	aliceConn.frames = nil

	rt.HandleFrame(context.Background(), alice, []byte(`{"type":"chat","recipientId":"bob","text":"hi"}`))

	if len(st.msgs) != 1 {
		t.Fatalf("persisted %d messages, want exactly 1", len(st.msgs))
	}
	if frames := aliceConn.sent(); len(frames) != 1 {
		t.Fatalf("sender frames = %d, want 1 (own copy)", len(frames))
	}

	// Recipient connecting later gets nothing retroactively.
	bobConn := &fakeConn{}
	reg.Register(mustUser(t, "bob", "Bob B"), bobConn)
	for _, raw := range bobConn.sent() {
		var env protocol.Envelope
		_ = json.Unmarshal(raw, &env)
		if env.Type == protocol.KindChatMessage {
			t.Fatal("offline message must not be delivered retroactively")
		}
	}
}

func TestRouterPersistenceFailureDeliversNothing(t *testing.T) {
	rt, reg, st := newTestRouter(t)
	st.fail = errors.New("store down")
	alice := mustUser(t, "alice", "Alice A")
	aliceConn := &fakeConn{}
	reg.Register(alice, aliceConn)
	aliceConn.frames = nil

	rt.HandleFrame(context.Background(), alice, []byte(`{"type":"chat","recipientId":"bob","text":"hi"}`))

	if len(aliceConn.sent()) != 0 {
		t.Fatal("a failed persist must not be reported as delivered")
	}
}

func TestRouterDropsBadFrames(t *testing.T) {
	rt, reg, st := newTestRouter(t)
	alice := mustUser(t, "alice", "Alice A")
	aliceConn := &fakeConn{}
	reg.Register(alice, aliceConn)
	aliceConn.frames = nil

	cases := map[string][]byte{
		"malformed json":    []byte(`{"type":`),
		"unknown kind":      []byte(`{"type":"telepathy","to":"bob"}`),
		"chat no recipient": []byte(`{"type":"chat","text":"hi"}`),
		"chat no text":      []byte(`{"type":"chat","recipientId":"bob"}`),
	}
	for name, raw := range cases {
		rt.HandleFrame(context.Background(), alice, raw)
		if len(st.msgs) != 0 {
			t.Fatalf("%s: message persisted", name)
		}
		if len(aliceConn.sent()) != 0 {
			t.Fatalf("%s: reply sent to sender", name)
		}
	}
}

func TestRouterDropsFramesFromUnauthenticated(t *testing.T) {
	rt, reg, st := newTestRouter(t)
	bobConn := &fakeConn{}
	reg.Register(mustUser(t, "bob", "Bob B"), bobConn)
	bobConn.frames = nil

	rt.HandleFrame(context.Background(), nil, []byte(`{"type":"chat","recipientId":"bob","text":"hi"}`))
	rt.HandleFrame(context.Background(), nil, []byte(`{"type":"call-invite","to":"bob","peerRef":"p1"}`))

	if len(st.msgs) != 0 {
		t.Fatal("unauthenticated chat must not persist")
	}
	if len(bobConn.sent()) != 0 {
		t.Fatal("unauthenticated frames must not reach a target")
	}
}

func TestRouterRoutesSignalFramesToRelay(t *testing.T) {
	rt, reg, _ := newTestRouter(t)
	alice := mustUser(t, "alice", "Alice A")
	bobConn := &fakeConn{}
	reg.Register(alice, &fakeConn{})
	reg.Register(mustUser(t, "bob", "Bob B"), bobConn)
	bobConn.frames = nil

	rt.HandleFrame(context.Background(), alice, []byte(`{"type":"call-invite","to":"bob","peerRef":"p1"}`))

	frames := bobConn.sent()
	if len(frames) != 1 {
		t.Fatalf("bob received %d frames, want 1", len(frames))
	}
	var f protocol.SignalFrame
	if err := json.Unmarshal(frames[0], &f); err != nil {
		t.Fatalf("forward unparseable: %v", err)
	}
	if f.Type != protocol.KindCallInvite || f.From != "alice" {
		t.Fatalf("forward wrong: %+v", f)
	}
}
