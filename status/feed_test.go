package status

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
)

var coding = core.AgentInfo{ID: "coding", Name: "Coding Agent", Type: "coding"}

func TestFeed_Lifecycle(t *testing.T) {
	f := NewFeed()

	s := f.Start("req/coding", coding, "write a BST")
	assert.Equal(t, core.AgentWorking, s.Status)
	assert.Equal(t, 0, s.Progress)
	assert.Equal(t, "Coding Agent", s.Name)
	assert.False(t, s.StartTime.IsZero())

	s, ok := f.Progress("req/coding", 50)
	require.True(t, ok)
	assert.Equal(t, 50, s.Progress)

	s, _ = f.Progress("req/coding", 20)
	assert.Equal(t, 50, s.Progress, "progress does not regress while working")

	s, _ = f.Progress("req/coding", 400)
	assert.Equal(t, 100, s.Progress)

	s, _ = f.Complete("req/coding")
	assert.Equal(t, core.AgentCompleted, s.Status)
	assert.Equal(t, 100, s.Progress)
	assert.False(t, s.LastUpdateTime.Before(s.StartTime))

	_, ok = f.Progress("missing", 10)
	assert.False(t, ok)
}

func TestFeed_FailKeepsProgress(t *testing.T) {
	f := NewFeed()
	f.Start("x", coding, "t")
	f.Progress("x", 30)
	s, _ := f.Fail("x")
	assert.Equal(t, core.AgentFailed, s.Status)
	assert.Equal(t, 30, s.Progress)
}

func TestFeed_SubscribeSnapshotThenUpdates(t *testing.T) {
	f := NewFeed()
	f.Start("a", coding, "first")

	ctx, cancel := context.WithCancel(context.Background())
	ch := f.Subscribe(ctx)

	first := <-ch
	assert.Equal(t, "a", first.ID)

	f.Start("b", coding, "second")
	f.Complete("b")

	second := <-ch
	third := <-ch
	assert.Equal(t, "b", second.ID)
	assert.Equal(t, core.AgentWorking, second.Status)
	assert.Equal(t, core.AgentCompleted, third.Status)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, time.Millisecond)
}

func TestFeed_SnapshotOrderAndEviction(t *testing.T) {
	f := NewFeed(func(o *Options) { o.MaxEntries = 3 })
	for i := 0; i < 3; i++ {
		f.Start(fmt.Sprint(i), coding, "t")
	}
	f.Complete("1")
	f.Start("3", coding, "t")

	var ids []string
	for _, s := range f.Snapshot() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"0", "2", "3"}, ids)
}

func TestFeed_SlowSubscriberDoesNotBlock(t *testing.T) {
	f := NewFeed(func(o *Options) { o.Buffer = 1 })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = f.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			f.Start(fmt.Sprint(i), coding, "t")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("update blocked on slow subscriber")
	}
}
