package handoff

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/testutil"
)

type fakeTarget struct{ info core.AgentInfo }

func (f fakeTarget) Info() core.AgentInfo { return f.info }

func codingTarget() fakeTarget {
	return fakeTarget{info: core.AgentInfo{ID: "coding", Name: "Coding Agent", Type: "coding"}}
}

func TestDefaultToolName(t *testing.T) {
	tests := map[string]string{
		"Coding Agent":        "transfer_to_coding_agent",
		"  Research-Agent!! ": "transfer_to_research_agent",
		"data":                "transfer_to_data",
		"Report  &  Writer":   "transfer_to_report_writer",
	}
	for in, want := range tests {
		assert.Equal(t, want, DefaultToolName(in), in)
	}
	assert.Equal(t, DefaultToolName("Coding Agent"), DefaultToolName("Coding Agent"))
}

func TestNew_DefaultsAndOverrides(t *testing.T) {
	h := New(codingTarget())
	assert.Equal(t, "transfer_to_coding_agent", h.ToolName)
	assert.Equal(t, DefaultToolDescription("Coding Agent"), h.ToolDescription)
	assert.Equal(t, "coding", h.TargetID())

	def := h.ToolDefinition()
	assert.Equal(t, "transfer_to_coding_agent", def.Function.Name)

	h = New(codingTarget(), func(o *Options) {
		o.ToolName = "escalate_to_dev"
		o.ToolDescription = "custom"
	})
	assert.Equal(t, "escalate_to_dev", h.ToolName)
	assert.Equal(t, "custom", h.ToolDescription)
}

func TestPrepare_KeepLastUserMessage(t *testing.T) {
	for _, n := range []int{1, 5, 40} {
		conv := testutil.NewConversationBuilder("chat").
			Turns(n).
			ToolExchange("search", `{}`, "result").
			User("latest question").
			Build()

		h := New(codingTarget(), func(o *Options) { o.InputFilter = KeepLastUserMessage })
		tr, err := h.Prepare(context.Background(), conv, `{"reason":"needs code"}`)
		require.NoError(t, err)
		assert.Equal(t, 1, tr.Conversation.Len())
		assert.Equal(t, "latest question", tr.Conversation.Messages[0].Content)
		assert.Equal(t, "needs code", tr.Reason)
		assert.Equal(t, "chat", tr.Conversation.ChatID)

		// original untouched
		assert.Equal(t, n+3, conv.Len())
	}
}

func TestPrepare_FilterRunsBeforeOnHandoff(t *testing.T) {
	conv := testutil.NewConversationBuilder("chat").Turns(4).User("q").Build()

	var seen int
	h := New(codingTarget(), func(o *Options) {
		o.InputFilter = KeepLast(2)
		o.OnHandoff = func(_ context.Context, c core.Conversation, _ map[string]any) error {
			seen = c.Len()
			return nil
		}
	})

	tr, err := h.Prepare(context.Background(), conv, "")
	require.NoError(t, err)
	assert.Equal(t, 2, seen)
	assert.Equal(t, 2, tr.Conversation.Len())
}

func TestPrepare_Errors(t *testing.T) {
	conv := testutil.NewConversationBuilder("chat").User("q").Build()

	h := New(codingTarget())
	_, err := h.Prepare(context.Background(), conv, `{"reason":`)
	assert.Error(t, err)

	_, err = h.Prepare(context.Background(), conv, `{"reason":42}`)
	assert.Error(t, err)

	boom := errors.New("boom")
	h = New(codingTarget(), func(o *Options) {
		o.OnHandoff = func(context.Context, core.Conversation, map[string]any) error { return boom }
	})
	_, err = h.Prepare(context.Background(), conv, `{}`)
	assert.ErrorIs(t, err, boom)
}

func TestRemoveToolMessages(t *testing.T) {
	conv := testutil.NewConversationBuilder("chat").
		User("q").
		ToolExchange("search", `{}`, "r").
		Assistant("answer").
		Build()

	out := RemoveToolMessages(conv)
	require.Equal(t, 2, out.Len())
	assert.Equal(t, core.RoleUser, out.Messages[0].Role)
	assert.Equal(t, "answer", out.Messages[1].Content)
	assert.Equal(t, 4, conv.Len())
}

func TestCompose_AppliesInOrder(t *testing.T) {
	conv := testutil.NewConversationBuilder("chat").
		User("first").
		ToolExchange("search", `{}`, "r").
		User("second").
		Build()

	f := Compose(RemoveToolMessages, KeepLast(1))
	out := f(conv)
	require.Equal(t, 1, out.Len())
	assert.Equal(t, "second", out.Messages[0].Content)
}
