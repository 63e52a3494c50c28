package chat

import (
	"context"

	"github.com/wuwenbin0122/copilot/internal/models"
)

// Store persists conversations and their messages. Conversation returns
// ErrNotFound for unknown ids.
type Store interface {
	CreateConversation(ctx context.Context, conv models.Conversation) error
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	// ListConversations returns the caller's conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, caller models.Caller) ([]models.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	// AppendMessages stores msgs atomically and bumps the conversation's
	// UpdatedAt.
	AppendMessages(ctx context.Context, conversationID string, msgs ...models.Message) error
}

// SettingsSource resolves generation settings for an authenticated user.
type SettingsSource interface {
	Get(ctx context.Context, userID string) (models.GenerationSettings, error)
}
