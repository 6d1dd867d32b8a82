package marketplace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertMessage_OlderVersionDoesNotOverwrite(t *testing.T) {
	store := NewChatStore(newTestDB(t))
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	changed, err := store.UpsertMessage(ctx, MessageUpsert{MessageID: "m1", ChannelID: "order-1", SenderID: "u1", Text: "hello", UpdatedAt: t0})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.UpsertMessage(ctx, MessageUpsert{MessageID: "m1", ChannelID: "order-1", SenderID: "u1", Text: "hello, edited", UpdatedAt: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.UpsertMessage(ctx, MessageUpsert{MessageID: "m1", ChannelID: "order-1", SenderID: "u1", Text: "hello", UpdatedAt: t0})
	require.NoError(t, err)
	assert.False(t, changed)

	m, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "hello, edited", m.Text)
}

func TestMarkDeleted_TombstoneBlocksLateMessage(t *testing.T) {
	store := NewChatStore(newTestDB(t))
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	changed, err := store.MarkDeleted(ctx, "m2", "order-1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.UpsertMessage(ctx, MessageUpsert{MessageID: "m2", ChannelID: "order-1", Text: "late", UpdatedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, changed)

	m, err := store.GetMessage(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, m.IsDeleted())
	assert.Empty(t, m.Text)

	changed, err = store.MarkDeleted(ctx, "m2", "order-1", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMarkDeleted_ExistingMessage(t *testing.T) {
	store := NewChatStore(newTestDB(t))
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := store.UpsertMessage(ctx, MessageUpsert{MessageID: "m3", ChannelID: "order-1", Text: "hi", UpdatedAt: t0})
	require.NoError(t, err)

	changed, err := store.MarkDeleted(ctx, "m3", "order-1", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)

	m, err := store.GetMessage(ctx, "m3")
	require.NoError(t, err)
	assert.True(t, m.IsDeleted())
}
