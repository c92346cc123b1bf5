// Package archive keeps a transcript of every message the agent has seen in
// a SQLite database, so the history survives restarts and can be inspected.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"keke-agent/internal/chat"
)

// Store handles SQLite persistence for chat transcripts.
type Store struct {
	db   *sql.DB
	path string
}

// ChatSummary describes one archived chat.
type ChatSummary struct {
	Name     chat.Name `json:"name"`
	Messages int       `json:"messages"`
	LastSeen time.Time `json:"last_seen"`
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			chat TEXT NOT NULL,
			msg_id TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			author TEXT NOT NULL,
			text TEXT NOT NULL,
			agent INTEGER NOT NULL DEFAULT 0,
			UNIQUE (chat, msg_id, ts, author, text)
		);
		CREATE INDEX IF NOT EXISTS idx_chat_ts ON messages(chat, ts);
	`)
	return err
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Append stores msgs for name. Messages already archived are ignored, and
// the number of newly stored rows is returned.
func (s *Store) Append(ctx context.Context, name chat.Name, msgs []chat.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO messages (chat, msg_id, ts, author, text, agent)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	for _, m := range msgs {
		res, err := stmt.ExecContext(ctx, string(name), m.ID, m.Timestamp.Unix(), m.Author, m.Text, boolToInt(m.IsAgent()))
		if err != nil {
			return 0, fmt.Errorf("archive message of %q: %w", name, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// Recent returns up to limit of the newest messages of name, oldest first.
// The agent's own messages are recognized by replyPrefix.
func (s *Store) Recent(ctx context.Context, name chat.Name, limit int, replyPrefix string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT msg_id, ts, author, text FROM (
			SELECT seq, msg_id, ts, author, text FROM messages
			WHERE chat = ?
			ORDER BY ts DESC, seq DESC
			LIMIT ?
		) ORDER BY ts ASC, seq ASC
	`, string(name), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []chat.Message{}
	for rows.Next() {
		var id, author, text string
		var ts int64
		if err := rows.Scan(&id, &ts, &author, &text); err != nil {
			return nil, err
		}
		out = append(out, chat.NewMessage(time.Unix(ts, 0), id, author, text, replyPrefix))
	}
	return out, rows.Err()
}

// Chats lists every archived chat, most recently active first.
func (s *Store) Chats(ctx context.Context) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chat, COUNT(*), MAX(ts) FROM messages
		GROUP BY chat
		ORDER BY MAX(ts) DESC, chat ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ChatSummary{}
	for rows.Next() {
		var name string
		var count int
		var last int64
		if err := rows.Scan(&name, &count, &last); err != nil {
			return nil, err
		}
		out = append(out, ChatSummary{Name: chat.Name(name), Messages: count, LastSeen: time.Unix(last, 0)})
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
