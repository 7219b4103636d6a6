package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/erg0nix/ctxbudget/internal/core"
)

// Entry is one vectorized message.
type Entry struct {
	ConversationID core.ConversationID
	ContentHash    string
	Role           core.Role
	Text           string
	Vector         []float32
	CreatedAt      time.Time
}

// VectorStore keeps message vectors in SQLite. Similarity is computed in Go
// over one conversation's candidates.
type VectorStore struct {
	db *sql.DB
}

// OpenVectorStore opens path, or an in-memory database for ":memory:".
func OpenVectorStore(path string) (*VectorStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &VectorStore{db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *VectorStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *VectorStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS message_vectors (
			conversation_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			vector BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (conversation_id, content_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_vectors_conversation ON message_vectors(conversation_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *VectorStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert writes entries in one transaction. Existing hashes are replaced.
func (s *VectorStore) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO message_vectors (conversation_id, content_hash, role, text, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, content_hash) DO UPDATE SET
			role = excluded.role,
			text = excluded.text,
			vector = excluded.vector,
			created_at = excluded.created_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		blob, err := EncodeVector(entry.Vector)
		if err != nil {
			return err
		}

		created := entry.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}

		if _, err := stmt.ExecContext(ctx,
			string(entry.ConversationID),
			entry.ContentHash,
			string(entry.Role),
			entry.Text,
			blob,
			created.UnixMilli(),
		); err != nil {
			return fmt.Errorf("upsert %s: %w", entry.ContentHash, err)
		}
	}

	return tx.Commit()
}

// Candidates returns every vector stored for a conversation.
func (s *VectorStore) Candidates(ctx context.Context, id core.ConversationID) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash, role, text, vector, created_at FROM message_vectors WHERE conversation_id = ?`,
		string(id))
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry   Entry
			role    string
			blob    []byte
			created int64
		)
		if err := rows.Scan(&entry.ContentHash, &role, &entry.Text, &blob, &created); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}

		vector, err := DecodeVector(blob)
		if err != nil {
			continue
		}

		entry.ConversationID = id
		entry.Role = core.Role(role)
		entry.Vector = vector
		entry.CreatedAt = time.UnixMilli(created)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func (s *VectorStore) DeleteConversation(ctx context.Context, id core.ConversationID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM message_vectors WHERE conversation_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete conversation vectors: %w", err)
	}
	return nil
}

func (s *VectorStore) Count(ctx context.Context, id core.ConversationID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_vectors WHERE conversation_id = ?`, string(id)).Scan(&n)
	return n, err
}
