package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/soundwave/backend/internal/config"
)

// exerciseStore runs the behaviour every MessageStore must share.
func exerciseStore(t *testing.T, store MessageStore) {
	t.Helper()
	ctx := context.Background()

	first, err := store.Create(ctx, "alice", "bob", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, first.CreatedAt.Location())

	_, err = store.Create(ctx, "bob", "alice", "hello back")
	require.NoError(t, err)
	_, err = store.Create(ctx, "alice", "carol", "unrelated")
	require.NoError(t, err)

	conversation, err := store.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, conversation, 2)
	assert.Equal(t, "hi", conversation[0].Content)
	assert.Equal(t, "alice", conversation[0].SenderID)
	assert.Equal(t, "hello back", conversation[1].Content)
	assert.False(t, conversation[1].CreatedAt.Before(conversation[0].CreatedAt))

	empty, err := store.Conversation(ctx, "dave", "erin")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Create(context.Background(), "alice", "bob", "hi")
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemoryStore().Create(ctx, "alice", "bob", "hi")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "alice", "bob", "original")
	require.NoError(t, err)

	got, err := store.Conversation(ctx, "alice", "bob")
	require.NoError(t, err)
	got[0].Content = "mutated"

	again, err := store.Conversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Content)
}

func TestConversationKeyIsSymmetric(t *testing.T) {
	assert.Equal(t, conversationKey("a", "b"), conversationKey("b", "a"))
	assert.NotEqual(t, conversationKey("ab", "c"), conversationKey("a", "bc"))
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "messages.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exerciseStore(t, store)
}

func TestSQLiteStoreKeepsInsertionOrderOnEqualTimestamps(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "messages.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	ctx := context.Background()
	for _, content := range []string{"one", "two", "three"} {
		_, err := store.Create(ctx, "alice", "bob", content)
		require.NoError(t, err)
	}

	conversation, err := store.Conversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, conversation, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{conversation[0].Content, conversation[1].Content, conversation[2].Content})
}

// TestPostgresStore 需要真实数据库，未设置 POSTGRES_TEST_URL 时跳过
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}

	store, err := OpenPostgres(context.Background(), url)
	require.NoError(t, err)

	purge := func() {
		_, _ = store.db.Exec("DELETE FROM chat_messages WHERE sender_id IN ('alice', 'bob')")
	}
	purge()
	t.Cleanup(func() {
		purge()
		_ = store.Close()
	})

	exerciseStore(t, store)
}

func TestOpenSelectsDriver(t *testing.T) {
	logger := zap.NewNop()

	store, err := Open(context.Background(), config.StorageConfig{Driver: config.DriverMemory}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = Open(context.Background(), config.StorageConfig{Driver: "mongo"}, logger)
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
