// Package store persists chat conversations in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"agrimater/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned when no conversation exists for a session.
var ErrNotFound = errors.New("conversation not found")

// Conversation is a chat session.
type Conversation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one stored chat message.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the SQLite conversation store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	logger = logging.OrNop(logger)
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("Conversation store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create creates the conversation for sessionID. If one already exists it is
// returned unchanged and created is false.
func (s *Store) Create(ctx context.Context, sessionID, userID string) (conv *Conversation, created bool, err error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, session_id, user_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		uuid.NewString(), sessionID, userID, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	conv, err = s.FindBySessionID(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return conv, n == 1, nil
}

// FindBySessionID returns the conversation for sessionID or ErrNotFound.
func (s *Store) FindBySessionID(ctx context.Context, sessionID string) (*Conversation, error) {
	var (
		conv             Conversation
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, created_at, updated_at
		 FROM conversations WHERE session_id = ?`, sessionID).
		Scan(&conv.ID, &conv.SessionID, &conv.UserID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	conv.CreatedAt = time.UnixMilli(created)
	conv.UpdatedAt = time.UnixMilli(updated)
	return &conv, nil
}

// AddMessage appends msg to the session's conversation, creating the
// conversation when it does not exist yet.
func (s *Store) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, session_id, user_id, created_at, updated_at)
		 VALUES (?, ?, '', ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at`,
		uuid.NewString(), sessionID, now, now); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	var convID string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE session_id = ?`, sessionID).Scan(&convID); err != nil {
		return fmt.Errorf("add message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		convID, msg.Role, msg.Content, ts.UnixMilli()); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// RecentMessages returns the last pairs exchanges (2*pairs messages) of the
// session, oldest first. An unknown session yields no messages.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, pairs int) ([]Message, error) {
	if pairs <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.role, m.content, m.created_at
		 FROM messages m JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.session_id = ?
		 ORDER BY m.id DESC
		 LIMIT ?`, sessionID, pairs*2)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("recent messages: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
