package db

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/wuwenbin0122/copilot/internal/auth"
	"github.com/wuwenbin0122/copilot/internal/chat"
	"github.com/wuwenbin0122/copilot/internal/models"
)

// Memory keeps users, conversations and settings in process. It is used
// with the memory store driver and in tests.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]models.User
	usernames     map[string]string
	emails        map[string]string
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	settings      map[string]models.GenerationSettings
}

func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]models.User),
		usernames:     make(map[string]string),
		emails:        make(map[string]string),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		settings:      make(map[string]models.GenerationSettings),
	}
}

func (m *Memory) CreateUser(_ context.Context, user models.User) error {
	nameKey := auth.NormalizeIdentifier(user.Username)
	emailKey := auth.NormalizeIdentifier(user.Email)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.usernames[nameKey]; exists {
		return auth.ErrUserExists
	}
	if emailKey != "" {
		if _, exists := m.emails[emailKey]; exists {
			return auth.ErrEmailExists
		}
		m.emails[emailKey] = user.ID
	}
	m.usernames[nameKey] = user.ID
	m.users[user.ID] = user
	return nil
}

func (m *Memory) FindUser(_ context.Context, identifier string) (models.User, error) {
	key := auth.NormalizeIdentifier(identifier)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, ok := m.usernames[key]; ok {
		return m.users[id], nil
	}
	if id, ok := m.emails[key]; ok {
		return m.users[id], nil
	}
	return models.User{}, auth.ErrUserNotFound
}

func (m *Memory) CreateConversation(_ context.Context, conv models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[conv.ID] = conv
	return nil
}

func (m *Memory) Conversation(_ context.Context, id string) (models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return models.Conversation{}, chat.ErrNotFound
	}
	return conv, nil
}

func (m *Memory) ListConversations(_ context.Context, caller models.Caller) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Conversation
	for _, conv := range m.conversations {
		if conv.OwnedBy(caller) {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.messages[conversationID]
	out := make([]models.Message, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *Memory) AppendMessages(_ context.Context, conversationID string, msgs ...models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return chat.ErrNotFound
	}
	for _, msg := range msgs {
		msg.ConversationID = conversationID
		m.messages[conversationID] = append(m.messages[conversationID], msg)
		if msg.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = msg.CreatedAt
		}
	}
	m.conversations[conversationID] = conv
	return nil
}

func (m *Memory) GetSettings(_ context.Context, userID string) (models.GenerationSettings, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[strings.TrimSpace(userID)]
	return s, ok, nil
}

func (m *Memory) PutSettings(_ context.Context, userID string, s models.GenerationSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[strings.TrimSpace(userID)] = s
	return nil
}
