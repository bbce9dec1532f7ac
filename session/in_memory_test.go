package session

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
)

func TestInMemoryStore_AppendAndHistory(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	h, err := s.History(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, h)

	require.NoError(t, s.Append(ctx, "c1", core.NewUserMessage("hi"), core.NewAssistantMessage("hello")))
	require.NoError(t, s.Append(ctx, "c1", core.NewUserMessage("again")))
	require.NoError(t, s.Append(ctx, "c2", core.NewUserMessage("other chat")))

	h, _ = s.History(ctx, "c1")
	require.Len(t, h, 3)
	assert.Equal(t, "hi", h[0].Content)
	assert.Equal(t, "again", h[2].Content)
	assert.Equal(t, 2, s.Len())
}

func TestInMemoryStore_HistoryIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.Append(ctx, "c", core.NewUserMessage("original")))

	h, _ := s.History(ctx, "c")
	h[0].Content = "mutated"

	again, _ := s.History(ctx, "c")
	assert.Equal(t, "original", again[0].Content)
}

func TestInMemoryStore_MaxMessages(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(func(o *Options) { o.MaxMessages = 3 })
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, "c", core.NewUserMessage(fmt.Sprint(i))))
	}
	h, _ := s.History(ctx, "c")
	require.Len(t, h, 3)
	assert.Equal(t, "2", h[0].Content)

	s.Delete("c")
	h, _ = s.History(ctx, "c")
	assert.Empty(t, h)
}
