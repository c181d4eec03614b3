// Package store is the sqlite-backed persistence the relay writes chat
// messages to and reads profile data from. The user table is owned by the
// account service; the relay only reads it, except for UpsertUser which
// exists so deployments without that service can seed the directory.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"chatrelay/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	conn *sql.DB
}

func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, created_at)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			avatar_link TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// CreateMessage persists one chat message and returns the full record with
// its assigned id.
func (s *Store) CreateMessage(ctx context.Context, sender, recipient domain.UserID, text string) (*domain.Message, error) {
	now := time.Now().UTC()
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO messages (sender, recipient, text, created_at) VALUES (?, ?, ?, ?)`,
		string(sender), string(recipient), text, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	return &domain.Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		CreatedAt: now,
	}, nil
}

// History returns every message between the two users, oldest first.
func (s *Store) History(ctx context.Context, a, b domain.UserID) ([]domain.Message, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, sender, recipient, text, created_at FROM messages
		 WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		 ORDER BY id ASC`,
		string(a), string(b), string(b), string(a),
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var sender, recipient, created string
		if err := rows.Scan(&m.ID, &sender, &recipient, &m.Text, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Sender = domain.UserID(sender)
		m.Recipient = domain.UserID(recipient)
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AvatarLink looks up a user's avatar in the directory.
func (s *Store) AvatarLink(ctx context.Context, id domain.UserID) (string, error) {
	var link string
	err := s.conn.QueryRowContext(ctx,
		`SELECT avatar_link FROM users WHERE id = ?`, string(id),
	).Scan(&link)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query avatar: %w", err)
	}
	return link, nil
}

// UpsertUser writes a directory entry.
func (s *Store) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO users (id, username, avatar_link) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username, avatar_link = excluded.avatar_link`,
		string(u.ID), u.Username, u.AvatarLink,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}
