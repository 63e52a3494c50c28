package db_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/copilot/internal/auth"
	"github.com/wuwenbin0122/copilot/internal/chat"
	"github.com/wuwenbin0122/copilot/internal/db"
	"github.com/wuwenbin0122/copilot/internal/models"
	"github.com/wuwenbin0122/copilot/internal/thread"
	"github.com/wuwenbin0122/copilot/internal/utils"
)

type fullStore interface {
	chat.Store
	auth.UserStore
}

func exerciseStore(t *testing.T, store fullStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	user := models.User{
		ID:           uuid.NewString(),
		Username:     "Pilot_" + suffix,
		Email:        "pilot_" + suffix + "@example.com",
		PasswordHash: "hash",
		CreatedAt:    base,
		UpdatedAt:    base,
	}
	require.NoError(t, store.CreateUser(ctx, user))

	dupName := user
	dupName.ID = uuid.NewString()
	dupName.Email = ""
	require.ErrorIs(t, store.CreateUser(ctx, dupName), auth.ErrUserExists)

	dupEmail := user
	dupEmail.ID = uuid.NewString()
	dupEmail.Username = "other_" + suffix
	dupEmail.Email = strings.ToUpper(user.Email)
	require.ErrorIs(t, store.CreateUser(ctx, dupEmail), auth.ErrEmailExists)

	found, err := store.FindUser(ctx, strings.ToLower(user.Username))
	require.NoError(t, err)
	require.Equal(t, user.ID, found.ID)
	found, err = store.FindUser(ctx, user.Email)
	require.NoError(t, err)
	require.Equal(t, user.ID, found.ID)
	_, err = store.FindUser(ctx, "nobody_"+suffix)
	require.ErrorIs(t, err, auth.ErrUserNotFound)

	owner := models.Caller{UserID: user.ID}
	older := models.Conversation{ID: uuid.NewString(), OwnerID: user.ID, Title: "Older", CreatedAt: base, UpdatedAt: base}
	newer := models.Conversation{ID: uuid.NewString(), OwnerID: user.ID, Title: "Newer", CreatedAt: base, UpdatedAt: base.Add(time.Second)}
	session := uuid.NewString()
	anon := models.Conversation{ID: uuid.NewString(), SessionID: session, Title: "Anon", CreatedAt: base, UpdatedAt: base}
	for _, conv := range []models.Conversation{older, newer, anon} {
		require.NoError(t, store.CreateConversation(ctx, conv))
	}

	_, err = store.Conversation(ctx, uuid.NewString())
	require.ErrorIs(t, err, chat.ErrNotFound)

	got, err := store.Conversation(ctx, anon.ID)
	require.NoError(t, err)
	require.Equal(t, session, got.SessionID)
	require.True(t, got.OwnedBy(models.Caller{SessionID: session}))

	list, err := store.ListConversations(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, newer.ID, list[0].ID)

	q := models.Message{ID: uuid.NewString(), Role: models.RoleUser, Content: "What is Vr?", CreatedAt: base.Add(2 * time.Second)}
	a := models.Message{ID: uuid.NewString(), ParentMessageID: q.ID, Role: models.RoleAssistant, Content: "Step 1: ...", CreatedAt: base.Add(3 * time.Second)}
	require.NoError(t, store.AppendMessages(ctx, older.ID, q, a))
	require.ErrorIs(t, store.AppendMessages(ctx, uuid.NewString(), q), chat.ErrNotFound)

	msgs, err := store.Messages(ctx, older.ID)
	require.NoError(t, err)
	transcript := thread.Reconstruct(msgs)
	require.Len(t, transcript, 2)
	require.Equal(t, q.ID, transcript[0].ID)
	require.Equal(t, a.ID, transcript[1].ID)
	require.Equal(t, q.ID, transcript[1].ParentMessageID)
	require.Equal(t, models.RoleAssistant, transcript[1].Role)

	list, err = store.ListConversations(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, older.ID, list[0].ID, "appending bumps the conversation to the top")

	anonList, err := store.ListConversations(ctx, models.Caller{SessionID: session})
	require.NoError(t, err)
	require.Len(t, anonList, 1)
	require.Equal(t, anon.ID, anonList[0].ID)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, db.NewMemory())
}

func TestMemorySettings(t *testing.T) {
	store := db.NewMemory()
	ctx := context.Background()

	_, found, err := store.GetSettings(ctx, "u1")
	require.NoError(t, err)
	require.False(t, found)

	want := models.DefaultGenerationSettings()
	want.Tone = "calm"
	require.NoError(t, store.PutSettings(ctx, "u1", want))

	got, found, err := store.GetSettings(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want, got)
}

func TestSQLiteStore(t *testing.T) {
	store, err := db.NewSQLite(context.Background(), utils.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.EnsureSchema(context.Background()), "schema creation is idempotent")

	exerciseStore(t, store)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	store, err := db.NewPostgres(context.Background(), utils.PostgresConfig{DSN: dsn, ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.EnsureSchema(context.Background()))

	exerciseStore(t, store)
}
