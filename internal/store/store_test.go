package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"chatrelay/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateMessageAssignsMonotonicIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateMessage(ctx, "alice", "bob", "hi")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	second, err := s.CreateMessage(ctx, "alice", "bob", "there")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if first.ID <= 0 || second.ID <= first.ID {
		t.Fatalf("ids not monotonic: %d, %d", first.ID, second.ID)
	}
	if first.Sender != "alice" || first.Recipient != "bob" || first.Text != "hi" {
		t.Fatalf("record wrong: %+v", first)
	}
}

func TestHistoryOrderedOldestFirstBothDirections(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	texts := []struct {
		sender, recipient domain.UserID
		text              string
	}{
		{"alice", "bob", "one"},
		{"bob", "alice", "two"},
		{"alice", "bob", "three"},
		{"alice", "carol", "unrelated"},
	}
	for _, m := range texts {
		if _, err := s.CreateMessage(ctx, m.sender, m.recipient, m.text); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	got, err := s.History(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("history = %d messages, want 3", len(got))
	}
	want := []string{"one", "two", "three"}
	for i, m := range got {
		if m.Text != want[i] {
			t.Fatalf("history[%d] = %q, want %q", i, m.Text, want[i])
		}
	}

	// Symmetric view.
	reversed, err := s.History(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(reversed) != 3 {
		t.Fatalf("reversed history = %d messages, want 3", len(reversed))
	}
}

func TestAvatarLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.AvatarLink(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user: err = %v, want ErrNotFound", err)
	}

	u := domain.User{ID: "alice", Username: "Alice A", AvatarLink: "/avatars/a.png"}
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	link, err := s.AvatarLink(ctx, "alice")
	if err != nil {
		t.Fatalf("AvatarLink: %v", err)
	}
	if link != "/avatars/a.png" {
		t.Fatalf("link = %q", link)
	}

	u.AvatarLink = "/avatars/b.png"
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser update: %v", err)
	}
	link, _ = s.AvatarLink(ctx, "alice")
	if link != "/avatars/b.png" {
		t.Fatalf("link after update = %q", link)
	}
}
