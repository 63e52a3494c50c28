package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wuwenbin0122/copilot/internal/auth"
	"github.com/wuwenbin0122/copilot/internal/chat"
	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/utils"
)

type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, cfg utils.PostgresConfig) (*Postgres, error) {
	dsn := cfg.BuildDSN()
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}

	return &Postgres{Pool: pool}, nil
}

func (p *Postgres) Close() {
	if p == nil || p.Pool == nil {
		return
	}
	p.Pool.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return fmt.Errorf("postgres: pool not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.Pool.Ping(ctx)
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if p == nil || p.Pool == nil {
		return fmt.Errorf("postgres: pool not initialised")
	}

	statements := []string{
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS users (",
			"    id TEXT PRIMARY KEY,",
			"    username TEXT NOT NULL,",
			"    username_key TEXT NOT NULL UNIQUE,",
			"    email TEXT NOT NULL DEFAULT '',",
			"    email_key TEXT NOT NULL DEFAULT '',",
			"    password_hash TEXT NOT NULL,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE UNIQUE INDEX IF NOT EXISTS users_email_key_idx ON users (email_key) WHERE email_key <> ''",
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS conversations (",
			"    id TEXT PRIMARY KEY,",
			"    owner_id TEXT NOT NULL DEFAULT '',",
			"    session_id TEXT NOT NULL DEFAULT '',",
			"    title TEXT NOT NULL DEFAULT '',",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),",
			"    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS conversations_owner_idx ON conversations (owner_id, session_id, updated_at DESC)",
		strings.Join([]string{
			"CREATE TABLE IF NOT EXISTS messages (",
			"    id TEXT PRIMARY KEY,",
			"    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,",
			"    parent_message_id TEXT NOT NULL DEFAULT '',",
			"    role TEXT NOT NULL,",
			"    content TEXT NOT NULL,",
			"    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
			")",
		}, "\n"),
		"CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at)",
	}

	for _, stmt := range statements {
		if _, err := p.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}

	return nil
}

func (p *Postgres) CreateUser(ctx context.Context, user models.User) error {
	const query = `INSERT INTO users (id, username, username_key, email, email_key, password_hash, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := p.Pool.Exec(ctx, query,
		user.ID,
		user.Username,
		auth.NormalizeIdentifier(user.Username),
		user.Email,
		auth.NormalizeIdentifier(user.Email),
		user.PasswordHash,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "email") {
				return auth.ErrEmailExists
			}
			return auth.ErrUserExists
		}
		return fmt.Errorf("postgres: insert user: %w", err)
	}
	return nil
}

func (p *Postgres) FindUser(ctx context.Context, identifier string) (models.User, error) {
	const query = `SELECT id, username, email, password_hash, created_at, updated_at FROM users
WHERE username_key = $1 OR (email_key <> '' AND email_key = $1)
ORDER BY (username_key = $1) DESC LIMIT 1`
	var user models.User
	err := p.Pool.QueryRow(ctx, query, auth.NormalizeIdentifier(identifier)).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, auth.ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("postgres: query user: %w", err)
	}
	return user, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, conv models.Conversation) error {
	const query = `INSERT INTO conversations (id, owner_id, session_id, title, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := p.Pool.Exec(ctx, query, conv.ID, conv.OwnerID, conv.SessionID, conv.Title, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: insert conversation: %w", err)
	}
	return nil
}

func (p *Postgres) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	const query = `SELECT id, owner_id, session_id, title, created_at, updated_at FROM conversations WHERE id = $1`
	var conv models.Conversation
	err := p.Pool.QueryRow(ctx, query, id).Scan(&conv.ID, &conv.OwnerID, &conv.SessionID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Conversation{}, chat.ErrNotFound
		}
		return models.Conversation{}, fmt.Errorf("postgres: query conversation: %w", err)
	}
	return conv, nil
}

func (p *Postgres) ListConversations(ctx context.Context, caller models.Caller) ([]models.Conversation, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if caller.Anonymous() {
		rows, err = p.Pool.Query(ctx, `SELECT id, owner_id, session_id, title, created_at, updated_at FROM conversations
WHERE owner_id = '' AND session_id = $1 AND session_id <> '' ORDER BY updated_at DESC, id`, caller.SessionID)
	} else {
		rows, err = p.Pool.Query(ctx, `SELECT id, owner_id, session_id, title, created_at, updated_at FROM conversations
WHERE owner_id = $1 ORDER BY updated_at DESC, id`, caller.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}

	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Conversation, error) {
		var conv models.Conversation
		err := row.Scan(&conv.ID, &conv.OwnerID, &conv.SessionID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
		return conv, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan conversations: %w", err)
	}
	return convs, nil
}

func (p *Postgres) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := p.Pool.Query(ctx, `SELECT id, conversation_id, parent_message_id, role, content, created_at FROM messages
WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: query messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Message, error) {
		var msg models.Message
		var role string
		err := row.Scan(&msg.ID, &msg.ConversationID, &msg.ParentMessageID, &role, &msg.Content, &msg.CreatedAt)
		msg.Role = models.Role(role)
		return msg, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan messages: %w", err)
	}
	return msgs, nil
}

func (p *Postgres) AppendMessages(ctx context.Context, conversationID string, msgs ...models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	return pgx.BeginFunc(ctx, p.Pool, func(tx pgx.Tx) error {
		latest := msgs[0].CreatedAt
		batch := &pgx.Batch{}
		for _, msg := range msgs {
			if msg.CreatedAt.After(latest) {
				latest = msg.CreatedAt
			}
			batch.Queue(`INSERT INTO messages (id, conversation_id, parent_message_id, role, content, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, msg.ID, conversationID, msg.ParentMessageID, string(msg.Role), msg.Content, msg.CreatedAt)
		}

		tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`, conversationID, latest)
		if err != nil {
			return fmt.Errorf("postgres: touch conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return chat.ErrNotFound
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres: insert messages: %w", err)
		}
		return nil
	})
}

func timeoutOrDefault(value time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return 10 * time.Second
}
