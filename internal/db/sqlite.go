package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/wuwenbin0122/copilot/internal/auth"
	"github.com/wuwenbin0122/copilot/internal/chat"
	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/utils"
)

// SQLite is the single-node store. Timestamps are kept as unix nanoseconds
// so ordering in SQL matches ordering in Go.
type SQLite struct {
	DB *sql.DB
}

func NewSQLite(ctx context.Context, cfg utils.SQLiteConfig) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one writer at a time; also keeps an in-memory database shared
	conn.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	return &SQLite{DB: conn}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *SQLite) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL,
    username_key TEXT NOT NULL UNIQUE,
    email TEXT NOT NULL DEFAULT '',
    email_key TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_email_key_idx ON users (email_key) WHERE email_key <> ''`,
		`CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS conversations_owner_idx ON conversations (owner_id, session_id, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    parent_message_id TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) CreateUser(ctx context.Context, user models.User) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (id, username, username_key, email, email_key, password_hash, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Username,
		auth.NormalizeIdentifier(user.Username),
		user.Email,
		auth.NormalizeIdentifier(user.Email),
		user.PasswordHash,
		toNanos(user.CreatedAt),
		toNanos(user.UpdatedAt),
	)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "UNIQUE constraint failed") {
			if strings.Contains(msg, "email_key") {
				return auth.ErrEmailExists
			}
			return auth.ErrUserExists
		}
		return fmt.Errorf("sqlite: insert user: %w", err)
	}
	return nil
}

func (s *SQLite) FindUser(ctx context.Context, identifier string) (models.User, error) {
	key := auth.NormalizeIdentifier(identifier)
	row := s.DB.QueryRowContext(ctx, `SELECT id, username, email, password_hash, created_at, updated_at FROM users
WHERE username_key = ? OR (email_key <> '' AND email_key = ?)
ORDER BY (username_key = ?) DESC LIMIT 1`, key, key, key)

	var (
		user             models.User
		created, updated int64
	)
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, auth.ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("sqlite: query user: %w", err)
	}
	user.CreatedAt = fromNanos(created)
	user.UpdatedAt = fromNanos(updated)
	return user, nil
}

func (s *SQLite) CreateConversation(ctx context.Context, conv models.Conversation) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO conversations (id, owner_id, session_id, title, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`, conv.ID, conv.OwnerID, conv.SessionID, conv.Title, toNanos(conv.CreatedAt), toNanos(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert conversation: %w", err)
	}
	return nil
}

func (s *SQLite) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, owner_id, session_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Conversation{}, chat.ErrNotFound
		}
		return models.Conversation{}, fmt.Errorf("sqlite: query conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLite) ListConversations(ctx context.Context, caller models.Caller) ([]models.Conversation, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if caller.Anonymous() {
		rows, err = s.DB.QueryContext(ctx, `SELECT id, owner_id, session_id, title, created_at, updated_at FROM conversations
WHERE owner_id = '' AND session_id = ? AND session_id <> '' ORDER BY updated_at DESC, id`, caller.SessionID)
	} else {
		rows, err = s.DB.QueryContext(ctx, `SELECT id, owner_id, session_id, title, created_at, updated_at FROM conversations
WHERE owner_id = ? ORDER BY updated_at DESC, id`, caller.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversations: %w", err)
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *SQLite) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, conversation_id, parent_message_id, role, content, created_at FROM messages
WHERE conversation_id = ? ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var (
			msg     models.Message
			role    string
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.ParentMessageID, &role, &msg.Content, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = fromNanos(created)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLite) AppendMessages(ctx context.Context, conversationID string, msgs ...models.Message) (err error) {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	latest := msgs[0].CreatedAt
	for _, msg := range msgs {
		if msg.CreatedAt.After(latest) {
			latest = msg.CreatedAt
		}
	}

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`, toNanos(latest), conversationID)
	if err != nil {
		return fmt.Errorf("sqlite: touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrNotFound
	}

	for _, msg := range msgs {
		if _, err = tx.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, parent_message_id, role, content, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, msg.ID, conversationID, msg.ParentMessageID, string(msg.Role), msg.Content, toNanos(msg.CreatedAt)); err != nil {
			return fmt.Errorf("sqlite: insert message: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var (
		conv             models.Conversation
		created, updated int64
	)
	if err := row.Scan(&conv.ID, &conv.OwnerID, &conv.SessionID, &conv.Title, &created, &updated); err != nil {
		return models.Conversation{}, err
	}
	conv.CreatedAt = fromNanos(created)
	conv.UpdatedAt = fromNanos(updated)
	return conv, nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
