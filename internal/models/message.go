package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one stored turn. ParentMessageID is empty for a thread root.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	ParentMessageID string    `json:"parentMessageId,omitempty"`
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
}
