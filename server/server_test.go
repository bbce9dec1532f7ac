package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/agent"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/orchestrator"
	"github.com/hupe1980/agentrelay/stream"
	"github.com/hupe1980/agentrelay/task"
	"github.com/hupe1980/agentrelay/trace"
)

func newTestServer(t *testing.T, llm model.Model, optFns ...func(o *Options)) (*httptest.Server, *orchestrator.Service) {
	t.Helper()
	reg := agent.NewRegistry(llm)
	require.NoError(t, reg.Register(
		agent.Definition{
			ID: "orchestrator", Name: "Orchestrator", Type: "orchestrator", Role: agent.RoleOrchestrator,
			Instruction: agent.NewInstructionFromText("You are the orchestrator."),
		},
		agent.Definition{
			ID: "coding", Name: "Coding Agent", Type: "coding", Role: agent.RoleSpecialist, ToolName: "coding_task",
			Instruction: agent.NewInstructionFromText("You are the coding specialist."),
		},
	))
	svc := orchestrator.New(reg, func(o *orchestrator.Options) {
		o.HeartbeatInterval = 0
		o.Tasks = task.NewInMemoryStore()
	})
	ts := httptest.NewServer(New(svc, optFns...).Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func post(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func readEvents(t *testing.T, r io.Reader) []core.Event {
	t.Helper()
	dec := stream.NewDecoder(r)
	var out []core.Event
	for {
		e, err := dec.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, e)
	}
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t, model.NewMockModel("mock", "mock"))
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ChatJSON(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.AddResponse("Hello there", "Hi! How can I help?")
	ts, _ := newTestServer(t, llm)

	resp := post(t, ts.URL+"/api/chat", `{"query":"Hello there"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[orchestrator.Response](t, resp)
	assert.Equal(t, "Hi! How can I help?", body.Response)
	assert.Equal(t, "orchestrator", body.Agent.ID)
	assert.NotEmpty(t, body.RequestID)
	assert.NotEmpty(t, body.TraceID)
}

func TestServer_ChatSSE(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.AddResponse("Hello there", "Hi! How can I help?")
	ts, _ := newTestServer(t, llm)

	resp := post(t, ts.URL+"/api/chat", `{"query":"Hello there","stream":true}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, core.EventStart, events[0].Type)
	assert.Equal(t, core.EventTriageComplete, events[1].Type)

	last := events[len(events)-1]
	require.Equal(t, core.EventComplete, last.Type)
	done, ok := core.PayloadAs[core.CompletePayload](last)
	require.True(t, ok)

	var sb strings.Builder
	for _, e := range events {
		if p, ok := core.PayloadAs[core.TokenPayload](e); ok {
			sb.WriteString(p.Token)
		}
	}
	assert.Equal(t, done.Content, sb.String())
}

func TestServer_Resume(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	ts, _ := newTestServer(t, llm)

	resp := post(t, ts.URL+"/api/chat", `{"query":"tell me something","agent_type":"orchestrator"}`, nil)
	body := decodeBody[orchestrator.Response](t, resp)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/chat/"+body.RequestID+"/events", nil)
	req.Header.Set("Last-Event-ID", "2")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	events := readEvents(t, res.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, int64(3), events[0].ID)
	assert.Equal(t, core.EventComplete, events[len(events)-1].Type)

	res2, err := http.Get(ts.URL + "/api/chat/nope/events")
	require.NoError(t, err)
	defer res2.Body.Close()
	assert.Equal(t, http.StatusNotFound, res2.StatusCode)

	res3, err := http.Get(ts.URL + "/api/chat/" + body.RequestID + "/events?last_event_id=x")
	require.NoError(t, err)
	defer res3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res3.StatusCode)
}

func TestServer_CancelUnknown(t *testing.T) {
	ts, _ := newTestServer(t, model.NewMockModel("mock", "mock"))
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/chat/nope", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ChatValidation(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	ts, _ := newTestServer(t, llm)

	tests := []struct {
		name string
		body string
	}{
		{"blank query", `{"query":"   "}`},
		{"malformed json", `{"query":`},
		{"unknown agent", `{"query":"hi","agent_type":"astrology"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts.URL+"/api/chat", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeBody[errorBody](t, resp)
			assert.Equal(t, core.CodeValidation, body.Code)
		})
	}
	assert.Equal(t, 0, llm.Calls())
}

func TestServer_BackendErrorStatus(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	llm.EnqueueError(core.NewBackendError("openai", "generate", 500, assert.AnError))
	ts, _ := newTestServer(t, llm)

	resp := post(t, ts.URL+"/api/chat", `{"query":"hi","agent_type":"coding"}`, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	assert.Equal(t, core.CodeBackend, body.Code)
}

func TestServer_AgentsAndTraces(t *testing.T) {
	ts, _ := newTestServer(t, model.NewMockModel("mock", "mock"))
	chat := decodeBody[orchestrator.Response](t, post(t, ts.URL+"/api/chat", `{"query":"hi"}`, nil))

	resp, err := http.Get(ts.URL + "/api/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	agents := decodeBody[[]core.AgentInfo](t, resp)
	require.Len(t, agents, 2)
	assert.Equal(t, "Coding Agent", agents[1].Name)

	resp, err = http.Get(ts.URL + "/api/traces?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	traces := decodeBody[[]trace.Trace](t, resp)
	require.Len(t, traces, 1)
	assert.Equal(t, chat.TraceID, traces[0].ID)

	resp, err = http.Get(ts.URL + "/api/traces/" + chat.TraceID)
	require.NoError(t, err)
	defer resp.Body.Close()
	tr := decodeBody[trace.Trace](t, resp)
	assert.Equal(t, trace.StatusCompleted, tr.Status)
	assert.NotEmpty(t, tr.Spans)

	resp, err = http.Get(ts.URL + "/api/traces/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/traces?limit=-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_StatusWebsocket(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	ts, _ := newTestServer(t, llm)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/status/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler time to subscribe before the request starts.
	time.Sleep(20 * time.Millisecond)
	post(t, ts.URL+"/api/chat", `{"query":"hi","agent_type":"coding"}`, nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var states []core.AgentState
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var st core.AgentStatus
		require.NoError(t, json.Unmarshal(data, &st))
		assert.Equal(t, "Coding Agent", st.Name)
		states = append(states, st.Status)
		if st.Status == core.AgentCompleted {
			break
		}
	}
	assert.Equal(t, core.AgentWorking, states[0])
}

func TestServer_StreamDisconnectCancelsRequest(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")
	started := make(chan struct{})
	release := make(chan struct{})
	llm.SetResponder(func(model.Request) (model.Response, error) {
		close(started)
		<-release
		return model.Response{Text: "late"}, nil
	})
	defer close(release)
	ts, svc := newTestServer(t, llm)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/api/chat",
		bytes.NewBufferString(`{"query":"hi","agent_type":"coding","stream":true}`))
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	<-started
	cancel()
	require.Eventually(t, func() bool {
		traces := svc.Recorder().List(1)
		return len(traces) == 1 && traces[0].Status == trace.StatusAborted
	}, 2*time.Second, 5*time.Millisecond)
}
