package testutil

import (
	"strings"
	"sync"

	"github.com/hupe1980/agentrelay/core"
)

// Observation is one notification captured by RecordingObserver.
type Observation struct {
	Kind  string // started, token, tool_called, tool_returned, handoff, finished
	Agent string // agent id (the receiving agent for handoffs)
	From  string // handoff source
	Text  string // prompt, token, tool name, reason or content
	Err   error
}

// RecordingObserver captures observer notifications for assertions.
type RecordingObserver struct {
	mu  sync.Mutex
	obs []Observation
}

var _ core.Observer = (*RecordingObserver)(nil)

func (r *RecordingObserver) add(o Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, o)
}

func (r *RecordingObserver) AgentStarted(a core.AgentInfo, prompt string) {
	r.add(Observation{Kind: "started", Agent: a.ID, Text: prompt})
}

func (r *RecordingObserver) Token(a core.AgentInfo, token string) {
	r.add(Observation{Kind: "token", Agent: a.ID, Text: token})
}

func (r *RecordingObserver) ToolCalled(a core.AgentInfo, call core.ToolCall) {
	r.add(Observation{Kind: "tool_called", Agent: a.ID, Text: call.Name})
}

func (r *RecordingObserver) ToolReturned(a core.AgentInfo, call core.ToolCall, _ string, err error) {
	r.add(Observation{Kind: "tool_returned", Agent: a.ID, Text: call.Name, Err: err})
}

func (r *RecordingObserver) HandedOff(from, to core.AgentInfo, reason string) {
	r.add(Observation{Kind: "handoff", Agent: to.ID, From: from.ID, Text: reason})
}

func (r *RecordingObserver) AgentFinished(a core.AgentInfo, content string, err error) {
	r.add(Observation{Kind: "finished", Agent: a.ID, Text: content, Err: err})
}

// All returns a copy of every observation.
func (r *RecordingObserver) All() []Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Observation(nil), r.obs...)
}

// Kinds returns the observation kinds in order.
func (r *RecordingObserver) Kinds() []string {
	var out []string
	for _, o := range r.All() {
		out = append(out, o.Kind)
	}
	return out
}

// Tokens returns all token text concatenated.
func (r *RecordingObserver) Tokens() string {
	var b strings.Builder
	for _, o := range r.All() {
		if o.Kind == "token" {
			b.WriteString(o.Text)
		}
	}
	return b.String()
}

// Count returns how many observations of kind were recorded.
func (r *RecordingObserver) Count(kind string) int {
	n := 0
	for _, o := range r.All() {
		if o.Kind == kind {
			n++
		}
	}
	return n
}
