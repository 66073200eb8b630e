package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agrimater.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateReturnsExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, created, err := s.Create(ctx, "s1", "farmer@example.com")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "s1", conv.SessionID)
	assert.Equal(t, "farmer@example.com", conv.UserID)
	assert.NotEmpty(t, conv.ID)

	again, created, err := s.Create(ctx, "s1", "someone-else")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, conv.ID, again.ID)
	assert.Equal(t, "farmer@example.com", again.UserID)
}

func TestFindBySessionIDMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.FindBySessionID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddMessageCreatesConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddMessage(ctx, "s2", Message{Role: "user", Content: "hello"}))
	conv, err := s.FindBySessionID(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "s2", conv.SessionID)

	msgs, err := s.RecentMessages(ctx, "s2", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestRecentMessagesKeepsLastPairsInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AddMessage(ctx, "s3", Message{Role: "user", Content: fmt.Sprintf("q%d", i)}))
		require.NoError(t, s.AddMessage(ctx, "s3", Message{Role: "assistant", Content: fmt.Sprintf("a%d", i)}))
	}
	require.NoError(t, s.AddMessage(ctx, "other", Message{Role: "user", Content: "unrelated"}))

	msgs, err := s.RecentMessages(ctx, "s3", 2)
	require.NoError(t, err)
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"q2", "a2", "q3", "a3"}, contents)

	none, err := s.RecentMessages(ctx, "unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	zero, err := s.RecentMessages(ctx, "s3", 0)
	require.NoError(t, err)
	assert.Empty(t, zero)
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(MemoryPath, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.AddMessage(ctx, "m1", Message{Role: "user", Content: "hi"}))
	msgs, err := s.RecentMessages(ctx, "m1", 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
