package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrelay/core"
)

func collect(ch <-chan core.Event) []core.Event {
	var out []core.Event
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func types(events []core.Event) []core.EventType {
	out := make([]core.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestLog_SequenceAndTerminal(t *testing.T) {
	l := NewLog("req-1", 0)

	e1, err := l.Append(core.NewEvent("", core.EventStart, core.StartPayload{}))
	require.NoError(t, err)
	e2, err := l.Append(core.NewEvent("", core.EventToken, core.TokenPayload{Token: "hi"}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), e1.ID)
	assert.Equal(t, int64(2), e2.ID)
	assert.Equal(t, "req-1", e2.RequestID)

	_, err = l.Append(core.NewEvent("", core.EventComplete, core.CompletePayload{Content: "hi"}))
	require.NoError(t, err)
	assert.True(t, l.Closed())
	assert.True(t, l.Terminated())

	_, err = l.Append(core.NewEvent("", core.EventError, core.ErrorPayload{Message: "late"}))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Len(t, l.Events(), 3)
}

func TestLog_SubscribeReplaysThenFollows(t *testing.T) {
	l := NewLog("req", 0)
	_, _ = l.Append(core.NewEvent("", core.EventStart, core.StartPayload{}))
	_, _ = l.Append(core.NewEvent("", core.EventToken, core.TokenPayload{Token: "a"}))

	ch := l.Subscribe(context.Background(), 0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = l.Append(core.NewEvent("", core.EventToken, core.TokenPayload{Token: "b"}))
		_, _ = l.Append(core.NewEvent("", core.EventComplete, core.CompletePayload{Content: "ab"}))
	}()

	got := collect(ch)
	assert.Equal(t, []core.EventType{core.EventStart, core.EventToken, core.EventToken, core.EventComplete}, types(got))
}

func TestLog_ResumeFromLastID(t *testing.T) {
	l := NewLog("req", 0)
	for _, tok := range []string{"a", "b", "c"} {
		_, _ = l.Append(core.NewEvent("", core.EventToken, core.TokenPayload{Token: tok}))
	}
	_, _ = l.Append(core.NewEvent("", core.EventComplete, core.CompletePayload{Content: "abc"}))

	got := collect(l.Subscribe(context.Background(), 2))
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, core.EventComplete, got[1].Type)
}

func TestLog_AbandonEndsSubscribers(t *testing.T) {
	l := NewLog("req", 0)
	_, _ = l.Append(core.NewEvent("", core.EventStart, core.StartPayload{}))
	ch := l.Subscribe(context.Background(), 0)

	l.Abandon()
	got := collect(ch)
	assert.Equal(t, []core.EventType{core.EventStart}, types(got))
	assert.False(t, l.Terminated())
}

func TestLog_SubscribeStopsOnContext(t *testing.T) {
	l := NewLog("req", 0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := l.Subscribe(ctx, 0)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestLog_RetentionKeepsSequence(t *testing.T) {
	l := NewLog("req", 2)
	for i := 0; i < 5; i++ {
		_, _ = l.Append(core.NewEvent("", core.EventToken, core.TokenPayload{Token: "x"}))
	}
	events := l.Events()
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].ID)
	assert.Equal(t, int64(5), events[1].ID)
}

func TestHub_OpenGetAndEviction(t *testing.T) {
	h := NewHub(func(o *HubOptions) { o.MaxLogs = 2 })

	a, err := h.Open("a")
	require.NoError(t, err)
	_, err = h.Open("a")
	assert.Error(t, err)

	b, _ := h.Open("b")
	a.Abandon()
	_, _ = h.Open("c")

	_, ok := h.Get("a")
	assert.False(t, ok, "closed log evicted first")
	got, ok := h.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)

	// Open logs are retained even beyond the bound.
	_, _ = h.Open("d")
	assert.Equal(t, 3, h.Len())
}

func TestEmitter_ExactlyOneTerminal(t *testing.T) {
	l := NewLog("req", 0)
	e := NewEmitter(context.Background(), l, func(o *EmitterOptions) { o.HeartbeatInterval = 0 })

	e.Start()
	e.Token("Hello")
	e.Token("")
	e.Token(" world")
	assert.True(t, e.Complete("Hello world", nil))
	assert.False(t, e.Fail(errors.New("late failure")))
	assert.False(t, e.Complete("again", nil))
	e.Token("late")
	e.Close()

	events := l.Events()
	assert.Equal(t, []core.EventType{core.EventStart, core.EventToken, core.EventToken, core.EventComplete}, types(events))

	var sb strings.Builder
	for _, ev := range events {
		if p, ok := core.PayloadAs[core.TokenPayload](ev); ok {
			sb.WriteString(p.Token)
		}
	}
	done, _ := core.PayloadAs[core.CompletePayload](events[len(events)-1])
	assert.Equal(t, done.Content, sb.String())
}

func TestEmitter_FailClassifiesError(t *testing.T) {
	l := NewLog("req", 0)
	e := NewEmitter(context.Background(), l, func(o *EmitterOptions) { o.HeartbeatInterval = 0 })
	defer e.Close()

	e.Start()
	require.True(t, e.Fail(&core.BackendError{Provider: "openai", Op: "generate", StatusCode: 401, Err: errors.New("bad key")}))

	last := l.Events()[1]
	p, ok := core.PayloadAs[core.ErrorPayload](last)
	require.True(t, ok)
	assert.Equal(t, core.CodeAuthRequired, p.Code)
}

func TestEmitter_CancelStopsSilently(t *testing.T) {
	l := NewLog("req", 0)
	ctx, cancel := context.WithCancel(context.Background())
	e := NewEmitter(ctx, l, func(o *EmitterOptions) { o.HeartbeatInterval = time.Millisecond })

	e.Start()
	e.Token("partial")
	cancel()

	require.Eventually(t, l.Closed, time.Second, time.Millisecond)
	before := len(l.Events())

	e.Token("after cancel")
	assert.False(t, e.Complete("never", nil))
	e.Close()

	events := l.Events()
	assert.Len(t, events, before)
	for _, ev := range events {
		assert.False(t, ev.Type.IsTerminal())
	}
	assert.False(t, l.Terminated())
}

func TestEmitter_Heartbeat(t *testing.T) {
	l := NewLog("req", 0)
	e := NewEmitter(context.Background(), l, func(o *EmitterOptions) { o.HeartbeatInterval = 5 * time.Millisecond })
	e.Start()

	require.Eventually(t, func() bool {
		for _, ev := range l.Events() {
			if ev.Type == core.EventHeartbeat {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	e.Complete("", nil)
	e.Close()
	n := len(l.Events())
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, l.Events(), n)
}

func TestSSE_WriteAndDecode(t *testing.T) {
	l := NewLog("req", 0)
	_, _ = l.Append(core.NewEvent("", core.EventStart, core.StartPayload{}))
	_, _ = l.Append(core.NewEvent("", core.EventTriageComplete, core.TriagePayload{TaskType: "coding", Confidence: 0.95, Reasoning: "code"}))
	_, _ = l.Append(core.NewEvent("", core.EventToken, core.TokenPayload{Token: "line1\nline2"}))
	_, _ = l.Append(core.NewEvent("", core.EventComplete, core.CompletePayload{Content: "line1\nline2"}))

	rec := httptest.NewRecorder()
	w := NewSSEWriter(rec)
	require.NotNil(t, w)
	w.SendComment("keep-alive")
	for _, e := range l.Events() {
		require.NoError(t, w.Send(e))
	}
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	dec := NewDecoder(bytes.NewReader(rec.Body.Bytes()))
	var got []core.Event
	for {
		e, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, e)
	}

	require.Len(t, got, 4)
	assert.Equal(t, int64(2), got[1].ID)
	triage, ok := core.PayloadAs[core.TriagePayload](got[1])
	require.True(t, ok)
	assert.Equal(t, "coding", triage.TaskType)
	tok, _ := core.PayloadAs[core.TokenPayload](got[2])
	assert.Equal(t, "line1\nline2", tok.Token)
}

func TestDecoder_UnknownEvent(t *testing.T) {
	dec := NewDecoder(strings.NewReader("event: bogus\ndata: {}\n\n"))
	_, err := dec.Next()
	assert.Error(t, err)
}

func TestDecoder_NoTrailingBlankLine(t *testing.T) {
	dec := NewDecoder(strings.NewReader("id: 7\nevent: token\ndata: {\"token\":\"x\"}"))
	e, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(7), e.ID)
	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}
