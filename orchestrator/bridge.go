package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/status"
	"github.com/hupe1980/agentrelay/stream"
	"github.com/hupe1980/agentrelay/trace"
	"github.com/hupe1980/agentrelay/triage"
)

// researchType is the agent type whose runs are bracketed by research
// events.
const researchType = "research"

const maxStepText = 500

// bridge turns agent observer notifications of one request into stream
// events, trace steps and status updates. Agents-as-tools may run in
// parallel, so every method locks.
type bridge struct {
	ctx       context.Context
	requestID string
	traceID   string
	query     string
	emitter   *stream.Emitter
	recorder  *trace.Recorder
	feed      *status.Feed
	logger    logging.Logger

	mu          sync.Mutex
	textSteps   map[string]string // agent id -> open streaming step
	toolSteps   map[string]string // call id -> open action step
	tokens      map[string]int
	working     map[string]bool // status ids not yet finished
	triageSent  bool
	handoffStep string
}

var _ core.Observer = (*bridge)(nil)

func newBridge(ctx context.Context, requestID, traceID, query string, emitter *stream.Emitter, recorder *trace.Recorder, feed *status.Feed, logger logging.Logger) *bridge {
	return &bridge{
		ctx:       ctx,
		requestID: requestID,
		traceID:   traceID,
		query:     query,
		emitter:   emitter,
		recorder:  recorder,
		feed:      feed,
		logger:    logger,
		textSteps: make(map[string]string),
		toolSteps: make(map[string]string),
		tokens:    make(map[string]int),
		working:   make(map[string]bool),
	}
}

// cancelled reports whether the request was cancelled; nothing more is
// emitted or traced after that.
func (b *bridge) cancelled() bool { return b.ctx.Err() != nil }

func (b *bridge) statusID(a core.AgentInfo) string { return b.requestID + "/" + a.ID }

// traced logs recorder errors; tracing never fails a request.
func (b *bridge) traced(err error) {
	if err != nil {
		b.logger.Debug("orchestrator.trace.error", "request", b.requestID, "error", err.Error())
	}
}

func (b *bridge) AgentStarted(a core.AgentInfo, prompt string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled() {
		return
	}

	task := prompt
	if core.IsBlank(task) {
		task = b.query
	}
	b.feed.Start(b.statusID(a), a, clip(task))
	b.working[b.statusID(a)] = true

	_, err := b.recorder.AddStep(b.traceID, trace.SpanThought, fmt.Sprintf("%s started", a.Name), map[string]any{"agent": a.ID}, trace.SpanSuccess)
	b.traced(err)

	if a.Type == researchType {
		b.emitter.ResearchStart(core.ResearchPayload{})
	}
}

func (b *bridge) Token(a core.AgentInfo, token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled() {
		return
	}

	b.emitter.Token(token)

	step, ok := b.textSteps[a.ID]
	if !ok {
		var err error
		step, err = b.recorder.StartStreamingStep(b.traceID, trace.SpanThought, map[string]any{"agent": a.ID})
		if err != nil {
			b.traced(err)
			return
		}
		b.textSteps[a.ID] = step
	}
	b.traced(b.recorder.AppendStep(b.traceID, step, token))

	b.tokens[a.ID]++
	if n := b.tokens[a.ID]; n%10 == 0 {
		b.feed.Progress(b.statusID(a), min(10+n/10*5, 90))
	}
}

func (b *bridge) ToolCalled(a core.AgentInfo, call core.ToolCall) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled() {
		return
	}

	b.emitter.ToolStart(core.ToolPayload{Agent: a.ID, Tool: call.Name, CallID: call.ID})

	step, err := b.recorder.AddStep(b.traceID, trace.SpanAction, "calling "+call.Name,
		map[string]any{"agent": a.ID, "tool": call.Name, "arguments": clip(call.Arguments)}, trace.SpanRunning)
	if err != nil {
		b.traced(err)
		return
	}
	b.toolSteps[call.ID] = step
}

func (b *bridge) ToolReturned(a core.AgentInfo, call core.ToolCall, result string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled() {
		return
	}

	p := core.ToolPayload{Agent: a.ID, Tool: call.Name, CallID: call.ID}
	st := trace.SpanSuccess
	if err != nil {
		p.Error = err.Error()
		st = trace.SpanFailed
	}
	b.emitter.ToolComplete(p)

	if step, ok := b.toolSteps[call.ID]; ok {
		delete(b.toolSteps, call.ID)
		b.traced(b.recorder.CloseStep(b.traceID, step, clip(result), st))
	}
}

func (b *bridge) HandedOff(from, to core.AgentInfo, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled() {
		return
	}

	b.emitter.Handoff(core.HandoffPayload{From: from.ID, To: to.ID, Reason: reason})

	step, err := b.recorder.AddStep(b.traceID, trace.SpanHandoff, fmt.Sprintf("%s -> %s", from.Name, to.Name),
		map[string]any{"from": from.ID, "to": to.ID, "reason": reason}, trace.SpanSuccess)
	b.traced(err)
	if err == nil {
		b.handoffStep = step
	}
	b.closeTextLocked(from, "")
	b.feed.Complete(b.statusID(from))
	delete(b.working, b.statusID(from))
}

func (b *bridge) AgentFinished(a core.AgentInfo, content string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled() {
		return
	}

	if err != nil {
		b.closeTextLocked(a, err.Error())
		b.feed.Fail(b.statusID(a))
		_, terr := b.recorder.AddStep(b.traceID, trace.SpanError, fmt.Sprintf("%s failed: %v", a.Name, err), map[string]any{"agent": a.ID}, trace.SpanFailed)
		b.traced(terr)
	} else {
		b.closeTextLocked(a, "")
		b.feed.Complete(b.statusID(a))
	}
	delete(b.working, b.statusID(a))

	if a.Type == researchType {
		b.emitter.ResearchComplete(core.ResearchPayload{ResearchDataLength: len(content)})
	}
}

func (b *bridge) closeTextLocked(a core.AgentInfo, final string) {
	step, ok := b.textSteps[a.ID]
	if !ok {
		return
	}
	delete(b.textSteps, a.ID)
	st := trace.SpanSuccess
	if final != "" {
		st = trace.SpanFailed
	}
	b.traced(b.recorder.CloseStep(b.traceID, step, final, st))
}

// decided announces the routing decision once. A fallback after a failed
// delegation is only recorded in the trace.
func (b *bridge) decided(d triage.Decision) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled() {
		return
	}

	_, err := b.recorder.AddStep(b.traceID, trace.SpanDecision, d.Reasoning, map[string]any{
		"path":       string(d.Path),
		"task_type":  d.TaskType,
		"tool":       d.ToolName,
		"agent":      d.Agent.ID,
		"confidence": d.Confidence,
	}, trace.SpanSuccess)
	b.traced(err)

	if b.triageSent {
		return
	}
	b.triageSent = true
	b.emitter.Triage(triagePayload(d))
}

// abandon marks agents still working as failed after cancellation.
func (b *bridge) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.working {
		b.feed.Fail(id)
	}
	clear(b.working)
}

func (b *bridge) handoffID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handoffStep
}

func triagePayload(d triage.Decision) core.TriagePayload {
	return core.TriagePayload{TaskType: d.TaskType, Confidence: d.Confidence, Reasoning: d.Reasoning}
}

func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxStepText {
		return s
	}
	return string(r[:maxStepText]) + "…"
}
