package models

import "time"

// Conversation groups the messages of one CoPilot chat.
// OwnerID is empty for anonymous chats, which are bound to SessionID instead.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId,omitempty"`
	SessionID string    `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OwnedBy reports whether caller may read or write the conversation.
func (c Conversation) OwnedBy(caller Caller) bool {
	if c.OwnerID != "" {
		return caller.UserID == c.OwnerID
	}
	return caller.UserID == "" && caller.SessionID != "" && caller.SessionID == c.SessionID
}
