package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/handoff"
	"github.com/hupe1980/agentrelay/internal/testutil"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/session"
	"github.com/hupe1980/agentrelay/task"
	"github.com/hupe1980/agentrelay/tool"
	"github.com/hupe1980/agentrelay/trace"
)

const bstQuery = "How do I implement a binary search tree in JavaScript?"

func roster(t *testing.T, llm model.Model, extra ...agent.Definition) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry(llm)
	defs := append([]agent.Definition{
		{
			ID: "orchestrator", Name: "Orchestrator", Type: "orchestrator", Role: agent.RoleOrchestrator,
			Instruction: agent.NewInstructionFromText("You are the orchestrator."),
		},
		{
			ID: "research", Name: "Research Agent", Type: "research", Role: agent.RoleSpecialist,
			ToolName: "research_task", Instruction: agent.NewInstructionFromText("You are the research specialist."),
		},
		{
			ID: "coding", Name: "Coding Agent", Type: "coding", Role: agent.RoleSpecialist,
			ToolName: "coding_task", Instruction: agent.NewInstructionFromText("You are the coding specialist."),
		},
	}, extra...)
	require.NoError(t, reg.Register(defs...))
	return reg
}

func newService(t *testing.T, reg *agent.Registry, optFns ...func(o *Options)) *Service {
	t.Helper()
	base := func(o *Options) { o.HeartbeatInterval = 0 }
	return New(reg, append([]func(o *Options){base}, optFns...)...)
}

func drain(t *testing.T, ch <-chan core.Event) []core.Event {
	t.Helper()
	var out []core.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("event stream did not end")
			return out
		}
	}
}

func eventTypes(events []core.Event) []core.EventType {
	out := make([]core.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func tokens(events []core.Event) string {
	var b strings.Builder
	for _, e := range events {
		if p, ok := core.PayloadAs[core.TokenPayload](e); ok {
			b.WriteString(p.Token)
		}
	}
	return b.String()
}

func terminal(t *testing.T, events []core.Event) core.Event {
	t.Helper()
	var found []core.Event
	for _, e := range events {
		if e.Type.IsTerminal() {
			found = append(found, e)
		}
	}
	require.Len(t, found, 1, "exactly one terminal event")
	assert.Equal(t, found[0], events[len(events)-1])
	return found[0]
}

func codingResponder(req model.Request) (model.Response, error) {
	switch {
	case len(req.Tools) > 0:
		return testutil.NewResponseBuilder().ToolCall("coding_task", map[string]any{"input": bstQuery}).Build(), nil
	case strings.Contains(req.Instructions, "delegated to"):
		return model.Response{Text: "It is a programming question."}, nil
	default:
		return model.Response{Text: "class Node { constructor(value) { this.value = value } }"}, nil
	}
}

// blockingModel streams one token and then waits for cancellation.
type blockingModel struct {
	once    sync.Once
	started chan struct{}
}

func newBlockingModel() *blockingModel { return &blockingModel{started: make(chan struct{})} }

func (m *blockingModel) Info() model.Info { return model.Info{Name: "block", Provider: "test"} }

func (m *blockingModel) Generate(ctx context.Context, _ model.Request) (<-chan model.Response, <-chan error) {
	respCh := make(chan model.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(respCh)
		defer close(errCh)
		respCh <- model.Response{Partial: true, Text: "partial "}
		m.once.Do(func() { close(m.started) })
		<-ctx.Done()
		errCh <- ctx.Err()
	}()
	return respCh, errCh
}

func TestService_ScenarioDirect(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.AddResponse("Hello, how are you today?", "I am fine, thank you!")
	svc := newService(t, roster(t, llm))

	resp, err := svc.Handle(context.Background(), Request{Query: "Hello, how are you today?", AgentType: AgentTypeAuto})
	require.NoError(t, err)

	assert.Equal(t, "I am fine, thank you!", resp.Response)
	assert.Equal(t, "orchestrator", resp.Agent.ID)
	require.NotNil(t, resp.Triage)
	assert.Equal(t, "direct", resp.Triage.TaskType)
	assert.Equal(t, 1, llm.Calls())

	events, err := svc.Resume(context.Background(), resp.RequestID, 0)
	require.NoError(t, err)
	got := drain(t, events)
	assert.Equal(t, core.EventStart, got[0].Type)
	assert.Equal(t, core.EventTriageComplete, got[1].Type)
	done := terminal(t, got)
	payload, _ := core.PayloadAs[core.CompletePayload](done)
	assert.Equal(t, payload.Content, tokens(got))

	tr, err := svc.Recorder().Get(resp.TraceID)
	require.NoError(t, err)
	assert.Equal(t, trace.StatusCompleted, tr.Status)

	for _, st := range svc.Status().Snapshot() {
		assert.Equal(t, core.AgentCompleted, st.Status)
	}
}

func TestService_ScenarioDelegateStream(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(codingResponder)
	svc := newService(t, roster(t, llm))

	_, ch, err := svc.Stream(context.Background(), Request{Query: bstQuery, Stream: true})
	require.NoError(t, err)
	events := drain(t, ch)

	types := eventTypes(events)
	assert.Equal(t, core.EventStart, types[0])
	assert.Equal(t, core.EventTriageComplete, types[1])
	assert.Contains(t, types, core.EventToolStart)
	assert.Contains(t, types, core.EventToolComplete)

	triage, _ := core.PayloadAs[core.TriagePayload](events[1])
	assert.Equal(t, "coding", triage.TaskType)
	assert.Equal(t, 0.95, triage.Confidence)
	assert.Equal(t, "It is a programming question.", triage.Reasoning)

	done, ok := core.PayloadAs[core.CompletePayload](terminal(t, events))
	require.True(t, ok)
	assert.Equal(t, done.Content, tokens(events))
	assert.Contains(t, done.Content, "class Node")

	info, ok := done.Metadata["agent"].(core.AgentInfo)
	require.True(t, ok)
	assert.Equal(t, "Coding Agent", info.Name)
	assert.Equal(t, "coding_task", done.Metadata["toolName"])

	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].ID+1, events[i].ID)
	}
}

func TestService_NamedResearchAgentEmitsDomainEvents(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.AddResponse("solar trends", "Solar capacity doubled.")
	svc := newService(t, roster(t, llm))

	resp, err := svc.Handle(context.Background(), Request{Query: "solar trends", AgentType: "research"})
	require.NoError(t, err)
	assert.Equal(t, "research", resp.Agent.ID)
	assert.Nil(t, resp.Triage)

	ch, _ := svc.Resume(context.Background(), resp.RequestID, 0)
	events := drain(t, ch)
	types := eventTypes(events)
	assert.Equal(t, core.EventResearchStart, types[1])
	assert.Contains(t, types, core.EventResearchComplete)
	assert.NotContains(t, types, core.EventTriageComplete)

	for _, e := range events {
		if p, ok := core.PayloadAs[core.ResearchPayload](e); ok && e.Type == core.EventResearchComplete {
			assert.Equal(t, len("Solar capacity doubled."), p.ResearchDataLength)
		}
	}
}

func TestService_TaskRecordOnlyWithUser(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(codingResponder)
	store := task.NewInMemoryStore()
	svc := newService(t, roster(t, llm), func(o *Options) { o.Tasks = store })

	resp, err := svc.Handle(context.Background(), Request{Query: bstQuery, UserID: "u1", ChatID: "c1"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.TaskID)

	rec, err := store.Get(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, rec.Status)
	assert.Equal(t, "coding", rec.AgentID)
	assert.Equal(t, resp.Response, rec.Result)

	anon, err := svc.Handle(context.Background(), Request{Query: bstQuery})
	require.NoError(t, err)
	assert.Empty(t, anon.TaskID)
	assert.Len(t, store.ListByUser(context.Background(), "u1"), 1)
}

func TestService_BackendErrorIsTerminalEvent(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.EnqueueError(&core.BackendError{Provider: "openai", Op: "generate", StatusCode: 401, Err: errors.New("invalid api key")})
	store := task.NewInMemoryStore()
	svc := newService(t, roster(t, llm), func(o *Options) { o.Tasks = store })

	_, ch, err := svc.Stream(context.Background(), Request{Query: "hi", AgentType: "coding", UserID: "u"})
	require.NoError(t, err)
	events := drain(t, ch)

	last := terminal(t, events)
	require.Equal(t, core.EventError, last.Type)
	p, _ := core.PayloadAs[core.ErrorPayload](last)
	assert.Equal(t, core.CodeAuthRequired, p.Code)
	assert.Contains(t, p.Message, "invalid api key")

	traces := svc.Recorder().List(1)
	require.Len(t, traces, 1)
	assert.Equal(t, trace.StatusFailed, traces[0].Status)

	tasks := store.ListByUser(context.Background(), "u")
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskError, tasks[0].Status)
}

func TestService_HandoffTargetErrorIsFatal(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.Enqueue(testutil.NewResponseBuilder().ToolCall("transfer_to_ghost", map[string]any{}).Build())

	ghost := agent.Definition{ID: "ghost", Name: "Ghost"}
	router := agent.Definition{ID: "router", Name: "Router", Handoffs: []*handoff.Handoff{agent.HandoffTo(ghost)}}
	svc := newService(t, roster(t, llm, router))

	_, err := svc.Handle(context.Background(), Request{Query: "route me", AgentType: "router"})
	var hte *core.HandoffTargetError
	require.ErrorAs(t, err, &hte)
	assert.Equal(t, core.CodeHandoffTarget, core.ClassifyError(err))
}

// dataSpecialist is a delegate-path specialist with its own tool and a
// handoff to an identity that is never registered.
func dataSpecialist() agent.Definition {
	lookup := tool.NewFunctionTool("lookup", "Looks up figures.", nil, func(context.Context, map[string]any) (any, error) {
		return "42", nil
	})
	return agent.Definition{
		ID: "data", Name: "Data Agent", Type: "data", Role: agent.RoleSpecialist,
		ToolName:    "data_task",
		Instruction: agent.NewInstructionFromText("You are the data specialist."),
		Tools:       []tool.Tool{lookup},
		Handoffs:    []*handoff.Handoff{agent.HandoffTo(agent.Definition{ID: "ghost", Name: "Ghost"})},
	}
}

func isDataSpecialist(req model.Request) bool {
	return strings.Contains(req.Instructions, "data specialist")
}

func routeToData(req model.Request) (model.Response, bool) {
	switch {
	case len(req.Tools) > 0:
		return testutil.NewResponseBuilder().ToolCall("data_task", map[string]any{"input": "quarterly revenue"}).Build(), true
	case strings.Contains(req.Instructions, "delegated to"):
		return model.Response{Text: "Needs numbers."}, true
	}
	return model.Response{}, false
}

func TestService_DelegatedHandoffTargetErrorIsFatal(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(func(req model.Request) (model.Response, error) {
		if isDataSpecialist(req) {
			return testutil.NewResponseBuilder().ToolCall("transfer_to_ghost", map[string]any{}).Build(), nil
		}
		if resp, ok := routeToData(req); ok {
			return resp, nil
		}
		return model.Response{Text: "orchestrator fallback answer"}, nil
	})
	store := task.NewInMemoryStore()
	svc := newService(t, roster(t, llm, dataSpecialist()), func(o *Options) { o.Tasks = store })

	query := "Please analyze the quarterly revenue figures for our three regions"
	_, ch, err := svc.Stream(context.Background(), Request{Query: query, UserID: "u"})
	require.NoError(t, err)
	events := drain(t, ch)

	last := terminal(t, events)
	require.Equal(t, core.EventError, last.Type)
	p, _ := core.PayloadAs[core.ErrorPayload](last)
	assert.Equal(t, core.CodeHandoffTarget, p.Code)
	assert.NotContains(t, tokens(events), "orchestrator fallback answer")

	tasks := store.ListByUser(context.Background(), "u")
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskError, tasks[0].Status)

	_, err = svc.Handle(context.Background(), Request{Query: query})
	var hte *core.HandoffTargetError
	require.ErrorAs(t, err, &hte)
	assert.Equal(t, "ghost", hte.Target)
}

func TestService_FallbackAfterPartialSpecialistStream(t *testing.T) {
	var specialistCalls int
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(func(req model.Request) (model.Response, error) {
		if isDataSpecialist(req) {
			specialistCalls++
			if specialistCalls == 1 {
				return testutil.NewResponseBuilder().Text("Looking it up now ").ToolCall("lookup", map[string]any{}).Build(), nil
			}
			return model.Response{}, errors.New("specialist backend down")
		}
		if resp, ok := routeToData(req); ok {
			return resp, nil
		}
		return model.Response{Text: "orchestrator fallback answer"}, nil
	})
	svc := newService(t, roster(t, llm, dataSpecialist()))

	_, ch, err := svc.Stream(context.Background(), Request{Query: "Please analyze the quarterly revenue figures for our three regions"})
	require.NoError(t, err)
	events := drain(t, ch)

	done, ok := core.PayloadAs[core.CompletePayload](terminal(t, events))
	require.True(t, ok)
	assert.Equal(t, tokens(events), done.Content)
	assert.True(t, strings.HasPrefix(done.Content, "Looking it up now "))
	assert.True(t, strings.HasSuffix(done.Content, "orchestrator fallback answer"))
	assert.Equal(t, 2, specialistCalls)
}

func TestService_HandoffRecordedInResponse(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(func(req model.Request) (model.Response, error) {
		if strings.Contains(req.Instructions, "router") {
			return testutil.NewResponseBuilder().ToolCall(handoff.DefaultToolName("Coding Agent"), map[string]any{"reason": "code"}).Build(), nil
		}
		return model.Response{Text: "done by coding"}, nil
	})

	coding := agent.Definition{ID: "coding", Name: "Coding Agent"}
	router := agent.Definition{
		ID: "router", Name: "Router", Instruction: agent.NewInstructionFromText("You are the router."),
		Handoffs: []*handoff.Handoff{agent.HandoffTo(coding)},
	}
	svc := newService(t, roster(t, llm, router))

	resp, err := svc.Handle(context.Background(), Request{Query: "fix my code", AgentType: "router"})
	require.NoError(t, err)
	assert.Equal(t, "coding", resp.Agent.ID)
	assert.NotEmpty(t, resp.HandoffID)

	ch, _ := svc.Resume(context.Background(), resp.RequestID, 0)
	events := drain(t, ch)
	var handoffs []core.HandoffPayload
	for _, e := range events {
		if p, ok := core.PayloadAs[core.HandoffPayload](e); ok {
			handoffs = append(handoffs, p)
		}
	}
	require.Len(t, handoffs, 1)
	assert.Equal(t, "router", handoffs[0].From)
	assert.Equal(t, "coding", handoffs[0].To)
}

func TestService_ScenarioCancelMidStream(t *testing.T) {
	llm := newBlockingModel()
	store := task.NewInMemoryStore()
	svc := newService(t, roster(t, llm), func(o *Options) { o.Tasks = store })

	id, ch, err := svc.Stream(context.Background(), Request{Query: "long answer", AgentType: AgentTypeOrchestrator, UserID: "u"})
	require.NoError(t, err)

	<-llm.started
	require.Eventually(t, func() bool {
		l, _ := svc.opts.Hub.Get(id)
		return len(l.Events()) >= 2
	}, time.Second, time.Millisecond)
	require.NoError(t, svc.Cancel(id))

	events := drain(t, ch)
	for _, e := range events {
		assert.False(t, e.Type.IsTerminal(), "no terminal event after cancel")
	}
	assert.Equal(t, "partial ", tokens(events))

	require.Eventually(t, func() bool { return svc.Active() == 0 }, time.Second, time.Millisecond)

	traces := svc.Recorder().List(1)
	require.Len(t, traces, 1)
	assert.Equal(t, trace.StatusAborted, traces[0].Status)

	for _, st := range svc.Status().Snapshot() {
		assert.NotEqual(t, core.AgentWorking, st.Status)
	}
	tasks := store.ListByUser(context.Background(), "u")
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskError, tasks[0].Status)

	assert.ErrorIs(t, svc.Cancel(id), ErrUnknownRequest)
}

func TestService_ResumeFromLastID(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.AddResponse("tell me a story", "once upon a time there was a parser")
	svc := newService(t, roster(t, llm))

	resp, err := svc.Handle(context.Background(), Request{Query: "tell me a story", AgentType: AgentTypeOrchestrator})
	require.NoError(t, err)

	all, _ := svc.Resume(context.Background(), resp.RequestID, 0)
	full := drain(t, all)

	rest, err := svc.Resume(context.Background(), resp.RequestID, 3)
	require.NoError(t, err)
	tail := drain(t, rest)
	require.Len(t, tail, len(full)-3)
	assert.Equal(t, int64(4), tail[0].ID)
	assert.Equal(t, core.EventComplete, tail[len(tail)-1].Type)

	_, err = svc.Resume(context.Background(), "unknown", 0)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestService_RejectsBlankQuery(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	svc := newService(t, roster(t, llm))

	_, err := svc.Handle(context.Background(), Request{Query: "  "})
	assert.ErrorIs(t, err, core.ErrEmptyQuery)
	_, _, err = svc.Stream(context.Background(), Request{Query: ""})
	assert.ErrorIs(t, err, core.ErrEmptyQuery)
	assert.Equal(t, 0, llm.Calls())
}

func TestService_UnknownAgentType(t *testing.T) {
	svc := newService(t, roster(t, model.NewMockModel("mock", "mock")))
	_, err := svc.Handle(context.Background(), Request{Query: "x", AgentType: "astrology"})
	assert.ErrorIs(t, err, core.ErrUnknownAgent)
	assert.Equal(t, core.CodeValidation, core.ClassifyError(err))
}

func TestService_ConcurrencyLimit(t *testing.T) {
	llm := newBlockingModel()
	svc := newService(t, roster(t, llm), func(o *Options) { o.MaxConcurrentRequests = 1 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, _, err := svc.Stream(ctx, Request{Query: "first", AgentType: AgentTypeOrchestrator})
	require.NoError(t, err)
	<-llm.started

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()
	_, err = svc.Handle(waitCtx, Request{Query: "second", AgentType: AgentTypeOrchestrator})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_ModelCallLimit(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.SetResponder(codingResponder)
	svc := newService(t, roster(t, llm), func(o *Options) { o.MaxModelCalls = 1 })

	// Routing spends the only call; the specialist and the fallback run are
	// then refused by the limiter.
	_, err := svc.Handle(context.Background(), Request{Query: bstQuery})
	assert.ErrorIs(t, err, core.ErrModelCallLimit)
	assert.Equal(t, 1, llm.Calls())
}

func TestService_SessionHistory(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	sessions := session.NewInMemoryStore()
	svc := newService(t, roster(t, llm), func(o *Options) { o.Sessions = sessions })

	_, err := svc.Handle(context.Background(), Request{Query: "first", AgentType: AgentTypeOrchestrator, ChatID: "c"})
	require.NoError(t, err)
	_, err = svc.Handle(context.Background(), Request{Query: "second", AgentType: AgentTypeOrchestrator, ChatID: "c"})
	require.NoError(t, err)

	reqs := llm.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 3)
	assert.Equal(t, "first", reqs[1].Messages[0].Content)

	history, _ := sessions.History(context.Background(), "c")
	assert.Len(t, history, 4)

	// Explicit previous messages win over stored history.
	_, err = svc.Handle(context.Background(), Request{
		Query: "third", AgentType: AgentTypeOrchestrator, ChatID: "c",
		PreviousMessages: []core.Message{core.NewUserMessage("only this")},
	})
	require.NoError(t, err)
	assert.Len(t, llm.Requests()[2].Messages, 2)
}

func TestService_Agents(t *testing.T) {
	svc := newService(t, roster(t, model.NewMockModel("mock", "mock")))
	agents := svc.Agents()
	require.Len(t, agents, 3)
	assert.Equal(t, "orchestrator", agents[0].Role)
}
