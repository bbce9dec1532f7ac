package triage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/handoff"
	"github.com/hupe1980/agentrelay/internal/testutil"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/tool"
)

const bstQuery = "How do I implement a binary search tree in JavaScript?"

func newRoster(t *testing.T, llm model.Model) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry(llm)
	require.NoError(t, reg.Register(
		agent.Definition{
			ID: "orchestrator", Name: "Orchestrator", Type: "orchestrator", Role: agent.RoleOrchestrator,
			Instruction: agent.NewInstructionFromText("You are the orchestrator."),
		},
		agent.Definition{
			ID: "research", Name: "Research Agent", Type: "research", Role: agent.RoleSpecialist,
			ToolName: "research_task", Description: "Researches topics.",
			Instruction: agent.NewInstructionFromText("You are the research specialist."),
		},
		agent.Definition{
			ID: "coding", Name: "Coding Agent", Type: "coding", Role: agent.RoleSpecialist,
			ToolName: "coding_task", Description: "Writes and explains code.",
			Instruction: agent.NewInstructionFromText("You are the coding specialist."),
		},
	))
	return reg
}

func isRouting(req model.Request) bool   { return len(req.Tools) > 0 }
func isRationale(req model.Request) bool { return strings.Contains(req.Instructions, "delegated to") }

func TestPolicy_IsSimple(t *testing.T) {
	p := New(agent.NewRegistry(model.NewMockModel("mock", "mock")))

	tests := []struct {
		query string
		want  bool
	}{
		{"Hello, how are you today?", true},
		{"thanks!", true},
		{bstQuery, false},
		{"Please research solar panels", false},
		{"What are the pros and cons?", false},
		{"Can you Summarize this?", false},
		{"one two three four five six seven eight nine ten eleven twelve", false},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.IsSimple(tt.query), tt.query)
	}
}

func TestPolicy_CustomHeuristic(t *testing.T) {
	p := New(agent.NewRegistry(model.NewMockModel("mock", "mock")), func(o *Options) {
		o.WordThreshold = 3
		o.Keywords = []string{"weather"}
	})
	assert.True(t, p.IsSimple("hi there"))
	assert.False(t, p.IsSimple("hi there friend"))
	assert.False(t, p.IsSimple("weather?"))
}

func TestPolicy_ScenarioDirect(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.AddResponse("Hello, how are you today?", "I'm doing well, thanks!")

	p := New(newRoster(t, llm))
	dec, err := p.Route(context.Background(), "Hello, how are you today?", core.Conversation{})
	require.NoError(t, err)

	assert.Equal(t, PathDirect, dec.Path)
	assert.Equal(t, "orchestrator", dec.Agent.ID)
	assert.Equal(t, "I'm doing well, thanks!", dec.Content)
	assert.Equal(t, ConfidenceDirect, dec.Confidence)
	assert.Equal(t, 1, llm.Calls())
	assert.Empty(t, llm.Requests()[0].Tools)
}

func TestPolicy_ScenarioDelegate(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(func(req model.Request) (model.Response, error) {
		switch {
		case isRouting(req):
			return testutil.NewResponseBuilder().ToolCall("coding_task", map[string]any{"input": bstQuery}).Build(), nil
		case isRationale(req):
			return model.Response{Text: "It is a programming question."}, nil
		default:
			return model.Response{Text: "class Node { constructor(v) { this.v = v } }"}, nil
		}
	})

	obs := &testutil.RecordingObserver{}
	ctx := core.WithObserver(context.Background(), obs)

	p := New(newRoster(t, llm))
	dec, err := p.Route(ctx, bstQuery, core.Conversation{})
	require.NoError(t, err)

	assert.Equal(t, PathDelegate, dec.Path)
	assert.Equal(t, "coding_task", dec.ToolName)
	assert.Equal(t, "Coding Agent", dec.Agent.Name)
	assert.Equal(t, "coding", dec.TaskType)
	assert.Equal(t, ConfidenceDelegated, dec.Confidence)
	assert.Equal(t, "It is a programming question.", dec.Reasoning)
	assert.Contains(t, dec.Content, "class Node")
	assert.Equal(t, dec.Content, obs.Tokens())

	reqs := llm.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, model.ToolChoiceAuto, reqs[0].ToolChoice)
	assert.Len(t, reqs[0].Tools, 2)
	assert.True(t, isRationale(reqs[1]))
	assert.Contains(t, reqs[2].Instructions, "coding specialist")
	assert.Equal(t, 1, obs.Count("tool_called"))
}

func TestPolicy_DelegateWithoutSelection(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.Enqueue(model.Response{Text: "A binary search tree keeps keys ordered."})

	obs := &testutil.RecordingObserver{}
	p := New(newRoster(t, llm))
	dec, err := p.Route(core.WithObserver(context.Background(), obs), bstQuery, core.Conversation{})
	require.NoError(t, err)

	assert.Equal(t, PathDelegate, dec.Path)
	assert.Equal(t, "orchestrator", dec.Agent.ID)
	assert.Empty(t, dec.ToolName)
	assert.Equal(t, ConfidenceNoSelected, dec.Confidence)
	assert.Equal(t, "A binary search tree keeps keys ordered.", dec.Content)
	assert.Equal(t, dec.Content, obs.Tokens())
	assert.Equal(t, 1, llm.Calls())
}

func TestPolicy_FallbackOnBackendError(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.EnqueueError(errors.New("502 bad gateway"))
	llm.AddResponse(bstQuery, "fallback answer")

	p := New(newRoster(t, llm))
	dec, err := p.Route(context.Background(), bstQuery, core.Conversation{})
	require.NoError(t, err)

	assert.Equal(t, PathFallback, dec.Path)
	assert.Equal(t, "orchestrator", dec.Agent.ID)
	assert.Equal(t, "fallback answer", dec.Content)
	assert.Equal(t, ConfidenceFallback, dec.Confidence)

	reqs := llm.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[1].Tools)
}

func TestPolicy_FallbackWhenSpecialistFails(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.Enqueue(
		testutil.NewResponseBuilder().ToolCall("coding_task", map[string]any{"input": "x"}).Build(),
		model.Response{Text: "Coding question."},
	)
	llm.EnqueueError(errors.New("specialist backend down"))
	llm.AddResponse(bstQuery, "orchestrator answer")

	p := New(newRoster(t, llm))
	obs := &testutil.RecordingObserver{}
	dec, err := p.Route(core.WithObserver(context.Background(), obs), bstQuery, core.Conversation{})
	require.NoError(t, err)
	assert.Equal(t, PathFallback, dec.Path)
	assert.Equal(t, "orchestrator answer", dec.Content)
	assert.Equal(t, obs.Tokens(), dec.Content)
}

func TestPolicy_FallbackKeepsStreamedSpecialistText(t *testing.T) {
	lookup := tool.NewFunctionTool("lookup", "Looks up figures.", nil, func(context.Context, map[string]any) (any, error) {
		return "42", nil
	})
	var specialistCalls int
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(func(req model.Request) (model.Response, error) {
		switch {
		case strings.Contains(req.Instructions, "data specialist"):
			specialistCalls++
			if specialistCalls == 1 {
				return testutil.NewResponseBuilder().Text("Checking the numbers ").ToolCall("lookup", map[string]any{}).Build(), nil
			}
			return model.Response{}, errors.New("specialist backend down")
		case isRouting(req):
			return testutil.NewResponseBuilder().ToolCall("data_task", map[string]any{"input": "revenue"}).Build(), nil
		case isRationale(req):
			return model.Response{Text: "Needs numbers."}, nil
		default:
			return model.Response{Text: "orchestrator answer"}, nil
		}
	})
	reg := newRoster(t, llm)
	require.NoError(t, reg.Register(agent.Definition{
		ID: "data", Name: "Data Agent", Type: "data", Role: agent.RoleSpecialist, ToolName: "data_task",
		Instruction: agent.NewInstructionFromText("You are the data specialist."),
		Tools:       []tool.Tool{lookup},
	}))

	obs := &testutil.RecordingObserver{}
	dec, err := New(reg).Route(core.WithObserver(context.Background(), obs), "Please analyze our revenue", core.Conversation{})
	require.NoError(t, err)
	assert.Equal(t, PathFallback, dec.Path)
	assert.Equal(t, "Checking the numbers orchestrator answer", dec.Content)
	assert.Equal(t, obs.Tokens(), dec.Content)
}

func TestPolicy_UnresolvedHandoffInSpecialistIsFatal(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(func(req model.Request) (model.Response, error) {
		switch {
		case strings.Contains(req.Instructions, "data specialist"):
			return testutil.NewResponseBuilder().ToolCall("transfer_to_ghost", map[string]any{}).Build(), nil
		case isRouting(req):
			return testutil.NewResponseBuilder().ToolCall("data_task", map[string]any{"input": "revenue"}).Build(), nil
		default:
			return model.Response{Text: "orchestrator answer"}, nil
		}
	})
	reg := newRoster(t, llm)
	require.NoError(t, reg.Register(agent.Definition{
		ID: "data", Name: "Data Agent", Type: "data", Role: agent.RoleSpecialist, ToolName: "data_task",
		Instruction: agent.NewInstructionFromText("You are the data specialist."),
		Handoffs:    []*handoff.Handoff{agent.HandoffTo(agent.Definition{ID: "ghost", Name: "Ghost"})},
	}))

	var paths []Path
	_, err := New(reg).Route(context.Background(), "Please analyze our revenue", core.Conversation{}, func(o *RouteOptions) {
		o.OnDecision = func(d Decision) { paths = append(paths, d.Path) }
	})
	var hte *core.HandoffTargetError
	require.ErrorAs(t, err, &hte)
	assert.Equal(t, "ghost", hte.Target)
	assert.NotContains(t, paths, PathFallback)
}

func TestPolicy_FallbackFailureIsReturned(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.EnqueueError(errors.New("down"))
	llm.EnqueueError(errors.New("still down"))

	p := New(newRoster(t, llm))
	_, err := p.Route(context.Background(), bstQuery, core.Conversation{})
	var be *core.BackendError
	assert.ErrorAs(t, err, &be)
}

func TestPolicy_RationaleFailureUsesDefault(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(func(req model.Request) (model.Response, error) {
		switch {
		case isRouting(req):
			return testutil.NewResponseBuilder().ToolCall("research_task", map[string]any{"input": "solar"}).Build(), nil
		case isRationale(req):
			return model.Response{}, errors.New("rate limited")
		default:
			return model.Response{Text: "Solar output grew."}, nil
		}
	})

	p := New(newRoster(t, llm))
	dec, err := p.Route(context.Background(), "Please research solar panel efficiency trends", core.Conversation{})
	require.NoError(t, err)
	assert.Equal(t, "Research Agent", dec.Agent.Name)
	assert.Equal(t, "Delegated to Research Agent based on the request.", dec.Reasoning)
}

func TestPolicy_OnlyFirstSelectionExecuted(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(func(req model.Request) (model.Response, error) {
		if isRouting(req) {
			return testutil.NewResponseBuilder().
				ToolCall("coding_task", map[string]any{"input": "a"}).
				ToolCall("research_task", map[string]any{"input": "b"}).
				Build(), nil
		}
		return model.Response{Text: "ok"}, nil
	})

	p := New(newRoster(t, llm), func(o *Options) { o.DisableRationale = true })
	dec, err := p.Route(context.Background(), bstQuery, core.Conversation{})
	require.NoError(t, err)
	assert.Equal(t, "coding", dec.Agent.ID)
	assert.Equal(t, 2, llm.Calls())
}

func TestPolicy_OnDecisionPrecedesAnswer(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(func(req model.Request) (model.Response, error) {
		switch {
		case isRouting(req):
			return testutil.NewResponseBuilder().ToolCall("coding_task", map[string]any{"input": bstQuery}).Build(), nil
		case isRationale(req):
			return model.Response{Text: "Programming."}, nil
		default:
			return model.Response{Text: "answer"}, nil
		}
	})

	obs := &testutil.RecordingObserver{}
	var decisions []Decision
	var tokensBefore int

	p := New(newRoster(t, llm))
	_, err := p.Route(core.WithObserver(context.Background(), obs), bstQuery, core.Conversation{}, func(o *RouteOptions) {
		o.OnDecision = func(d Decision) {
			decisions = append(decisions, d)
			tokensBefore = obs.Count("token")
		}
	})
	require.NoError(t, err)

	require.Len(t, decisions, 1)
	assert.Equal(t, "coding", decisions[0].TaskType)
	assert.Equal(t, "Programming.", decisions[0].Reasoning)
	assert.Empty(t, decisions[0].Content)
	assert.Equal(t, 0, tokensBefore)
}

func TestPolicy_BlankQueryMakesNoCalls(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	p := New(newRoster(t, llm))

	for _, q := range []string{"", "  \n\t"} {
		_, err := p.Route(context.Background(), q, core.Conversation{})
		assert.ErrorIs(t, err, core.ErrEmptyQuery)
	}
	assert.Equal(t, 0, llm.Calls())
}

func TestPolicy_CancelledContext(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	p := New(newRoster(t, llm))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Route(ctx, bstQuery, core.Conversation{})
	assert.ErrorIs(t, err, context.Canceled)
}
